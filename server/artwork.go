package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bpou/digital-dash/dashd/media"
)

type uploadRequest struct {
	Key  string `json:"key"`
	Data string `json:"data"`
	MIME string `json:"mime"`
}

func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}

	art, ok := s.artwork.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, media.ErrArtworkNotFound.Error())
		return
	}

	w.Header().Set("Content-Type", art.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

// handleArtworkUpload stores externally supplied artwork. JSON bodies carry
// base64 or data: URL payloads; any other body is taken as the raw image.
func (s *Server) handleArtworkUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.maxUpload
	if limit <= 0 {
		limit = media.DefaultArtworkMaxBytes
	}

	var (
		req uploadRequest
		raw []byte
		err error
	)
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "application/json" {
		// base64 inflates by 4/3; leave room for the envelope.
		body, readErr := io.ReadAll(io.LimitReader(r.Body, int64(limit)*2+4096))
		if readErr != nil {
			writeError(w, http.StatusBadRequest, "Failed to read body")
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if req.Data == "" {
			writeError(w, http.StatusBadRequest, "Missing data")
			return
		}
		var dataMIME string
		raw, dataMIME, err = decodeImageData(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.MIME == "" {
			req.MIME = dataMIME
		}
	} else {
		raw, err = io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read body")
			return
		}
		req.Key = r.URL.Query().Get("key")
		if strings.HasPrefix(contentType, "image/") {
			req.MIME = contentType
		}
	}

	if req.Key == "" {
		sum := sha256.Sum256(raw)
		req.Key = "upload:" + hex.EncodeToString(sum[:])[:16]
	}

	artworkURL, err := s.artwork.Put(req.Key, raw, req.MIME)
	switch {
	case errors.Is(err, media.ErrArtworkTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, media.ErrArtworkEmpty):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, artworkResponse{OK: true, Key: req.Key, ArtworkURL: artworkURL})
	}
}

var errInvalidImageData = errors.New("Invalid image data")

// decodeImageData accepts "data:<mime>;base64,<payload>" or bare base64 and
// returns the bytes plus the MIME named by a data URL.
func decodeImageData(data string) ([]byte, string, error) {
	var mimeType string
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", errInvalidImageData
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		data = payload
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, "", errInvalidImageData
	}
	return raw, mimeType, nil
}
