package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bpou/digital-dash/dashd/bluetooth"
	"github.com/bpou/digital-dash/dashd/media"
	"github.com/bpou/digital-dash/dashd/utils"
)

type devicesResponse struct {
	Devices []bluetooth.Device `json:"devices"`
}

type pairStartResponse struct {
	OK        bool                `json:"ok"`
	SessionID string              `json:"sessionId"`
	State     bluetooth.PairState `json:"state"`
	Passkey   *string             `json:"passkey"`
}

type artworkResponse struct {
	OK         bool   `json:"ok"`
	Key        string `json:"key"`
	ArtworkURL string `json:"artworkUrl"`
}

// macParam reads and normalizes the mac query parameter. It writes the 400
// response itself and returns "" when the parameter is unusable.
func macParam(w http.ResponseWriter, r *http.Request) string {
	raw := r.URL.Query().Get("mac")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Missing mac")
		return ""
	}
	mac := utils.NormalizeMAC(raw)
	if !utils.IsMAC(mac) {
		writeError(w, http.StatusBadRequest, "Invalid mac")
		return ""
	}
	return mac
}

// Polled by the UI, so failures still answer 200.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.bt.GetDevices(r.Context())
	if err != nil {
		slog.Warn("device listing failed", "error", err)
	}
	if devices == nil {
		devices = []bluetooth.Device{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nowPlaying.Get(r.Context()))
}

func (s *Server) handleScanStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.scan.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.scan.Stop(r.Context())
	writeOK(w)
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	mac := macParam(w, r)
	if mac == "" {
		return
	}

	status, err := s.pairing.Start(r.Context(), mac)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pairStartResponse{
		OK:        true,
		SessionID: status.ID,
		State:     status.State,
		Passkey:   status.Passkey,
	})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing id")
		return
	}

	status, err := s.pairing.Status(r.Context(), id)
	writePairStatus(w, status, err)
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing id")
		return
	}

	status, err := s.pairing.Confirm(id, q.Get("accept") == "yes")
	writePairStatus(w, status, err)
}

func writePairStatus(w http.ResponseWriter, status bluetooth.PairStatus, err error) {
	switch {
	case errors.Is(err, bluetooth.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	mac := macParam(w, r)
	if mac == "" {
		return
	}
	if err := s.bt.ConnectDevice(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	mac := macParam(w, r)
	if mac == "" {
		return
	}
	if err := s.bt.DisconnectDevice(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	mac := macParam(w, r)
	if mac == "" {
		return
	}
	if err := s.bt.RemoveDevice(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

// handleAudioUse routes audio to ?mac=, or to the connected device when the
// parameter is absent.
func (s *Server) handleAudioUse(w http.ResponseWriter, r *http.Request) {
	var mac string
	if r.URL.Query().Has("mac") {
		if mac = macParam(w, r); mac == "" {
			return
		}
	} else {
		device, err := s.bt.GetConnectedDevice(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if device == nil {
			writeError(w, http.StatusBadRequest, "No connected device")
			return
		}
		mac = device.MAC
	}

	if err := s.audio.Use(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleNetworkConnect(w http.ResponseWriter, r *http.Request) {
	mac := macParam(w, r)
	if mac == "" {
		return
	}
	if err := s.bt.ConnectNetwork(r.Context(), mac); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bt.NetworkStatus())
}

func (s *Server) handleMediaControl(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	if action == "" {
		writeError(w, http.StatusBadRequest, "Missing action")
		return
	}
	if !media.ValidAction(action) {
		writeError(w, http.StatusBadRequest, "Unknown action")
		return
	}

	err := s.nowPlaying.Control(r.Context(), action)
	switch {
	case errors.Is(err, media.ErrNoDevice):
		writeError(w, http.StatusBadRequest, "No connected device")
	case errors.Is(err, media.ErrNoPlayer):
		writeError(w, http.StatusNotFound, "No media player")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeOK(w)
	}
}
