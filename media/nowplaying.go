package media

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bpou/digital-dash/dashd/bluetooth"
	"github.com/bpou/digital-dash/dashd/metrics"
)

const genericArtist = "Bluetooth Audio"

var (
	ErrNoDevice = errors.New("no connected device")
	ErrNoPlayer = errors.New("no media player")
)

// DeviceSource reports the currently connected device, or nil.
type DeviceSource interface {
	GetConnectedDevice(ctx context.Context) (*bluetooth.Device, error)
}

// ArtworkSearcher looks artwork up by track metadata. "" means no match.
type ArtworkSearcher interface {
	Search(ctx context.Context, title, artist, album string) (string, error)
}

// Snapshot is the now-playing state at the time of the request.
type Snapshot struct {
	Connected   bool   `json:"connected"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	DurationSec int    `json:"durationSec"`
	PositionSec int    `json:"positionSec"`
	IsPlaying   bool   `json:"isPlaying"`
	ArtworkURL  string `json:"artworkUrl,omitempty"`
}

// MarshalJSON reduces a disconnected snapshot to {"connected":false}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if !s.Connected {
		return []byte(`{"connected":false}`), nil
	}
	type snapshot Snapshot
	return json.Marshal(snapshot(s))
}

type Options struct {
	Devices  DeviceSource
	Player   *Player
	Obex     *ObexManager
	Local    *LocalCache
	CoverArt *CoverArtFetcher
	// Web and Searcher are optional; without a Searcher the web fallback
	// is off.
	Web      WebStore
	Searcher ArtworkSearcher
}

// NowPlaying composes the connected device, its media player, OBEX cover
// art and the artwork caches into a Snapshot.
type NowPlaying struct {
	devices  DeviceSource
	player   *Player
	obex     *ObexManager
	local    *LocalCache
	coverArt *CoverArtFetcher
	web      WebStore
	searcher ArtworkSearcher
}

func NewNowPlaying(o Options) *NowPlaying {
	if o.Web == nil {
		o.Web = NewWebCache(DefaultWebArtworkTTL)
	}
	return &NowPlaying{
		devices:  o.Devices,
		player:   o.Player,
		obex:     o.Obex,
		local:    o.Local,
		coverArt: o.CoverArt,
		web:      o.Web,
		searcher: o.Searcher,
	}
}

// Get never fails: anything past finding the connected device degrades to
// a minimal connected snapshot.
func (n *NowPlaying) Get(ctx context.Context) Snapshot {
	device, err := n.devices.GetConnectedDevice(ctx)
	if err != nil {
		slog.Debug("now playing: device lookup failed", "error", err)
		return Snapshot{}
	}
	if device == nil {
		n.obex.Cleanup(ctx, "")
		return Snapshot{}
	}

	n.obex.Cleanup(ctx, device.MAC)

	minimal := Snapshot{
		Connected: true,
		Title:     device.DisplayName(),
		Artist:    genericArtist,
		IsPlaying: true,
	}

	path := n.player.Path(ctx, device.MAC)
	if path == "" {
		n.obex.RemoveSession(ctx, device.MAC)
		return minimal
	}

	track, err := n.player.Track(ctx, path)
	if err != nil {
		slog.Debug("now playing: track unavailable", "mac", device.MAC, "error", err)
		return n.degraded(minimal, device.MAC)
	}
	playing, err := n.player.Playing(ctx, path)
	if err != nil {
		slog.Debug("now playing: status unavailable", "mac", device.MAC, "error", err)
		return n.degraded(minimal, device.MAC)
	}

	port := track.ObexPort
	if port == 0 {
		port = n.player.ObexPort(ctx, path)
	}
	session := n.obex.Ensure(ctx, device.MAC, port)

	snap := Snapshot{
		Connected:   true,
		Title:       track.Title,
		Artist:      track.Artist,
		Album:       track.Album,
		DurationSec: track.DurationSec,
		PositionSec: n.player.PositionSec(ctx, path),
		IsPlaying:   playing,
	}
	if snap.Title == "" {
		snap.Title = minimal.Title
	}
	if snap.Artist == "" {
		snap.Artist = genericArtist
	}
	snap.ArtworkURL = n.resolveArtwork(ctx, device.MAC, track, session)

	return snap
}

func (n *NowPlaying) degraded(minimal Snapshot, mac string) Snapshot {
	if session := n.obex.Get(mac); session != nil {
		_, minimal.ArtworkURL = session.Memo()
	}
	return minimal
}

// resolveArtwork tries, in order: the track metadata, the session's last
// download, a fresh OBEX download, the local cache, the web search.
func (n *NowPlaying) resolveArtwork(ctx context.Context, mac string, track Track, session *ObexSession) string {
	url, source := n.lookupArtwork(ctx, mac, track, session)
	metrics.ArtworkLookups.WithLabelValues(source).Inc()
	return url
}

func (n *NowPlaying) lookupArtwork(ctx context.Context, mac string, track Track, session *ObexSession) (string, string) {
	if track.ArtworkURL != "" {
		return track.ArtworkURL, "metadata"
	}

	if session != nil {
		lastHandle, url := session.Memo()
		if url != "" && (track.ImgHandle == "" || lastHandle == track.ImgHandle) {
			return url, "session"
		}
		if track.ImgHandle != "" && n.coverArt != nil {
			if url := n.coverArt.Fetch(ctx, session, track.ImgHandle); url != "" {
				return url, "obex"
			}
		}
	}

	if track.ImgHandle != "" {
		key := ArtworkKey(mac, track.ImgHandle)
		if _, ok := n.local.Get(key); ok {
			return n.local.URL(key), "local"
		}
	}

	if url := n.webArtwork(ctx, track); url != "" {
		return url, "web"
	}
	return "", "none"
}

// webArtwork consults the web cache, searching on a miss. Empty results are
// cached too so a track without artwork is not searched every poll.
func (n *NowPlaying) webArtwork(ctx context.Context, track Track) string {
	if n.searcher == nil || track.Title == "" {
		return ""
	}

	key := WebQueryKey(track.Title, track.Artist, track.Album)
	url, ok, err := n.web.Get(ctx, key)
	if err != nil {
		slog.Debug("web artwork cache read failed", "error", err)
	}
	if ok {
		return url
	}

	url, err = n.searcher.Search(ctx, track.Title, track.Artist, track.Album)
	if err != nil {
		slog.Debug("web artwork search failed", "query", key, "error", err)
		return ""
	}
	if err := n.web.Put(ctx, key, url); err != nil {
		slog.Debug("web artwork cache write failed", "error", err)
	}
	return url
}

// Control runs a transport action on the connected device's player.
func (n *NowPlaying) Control(ctx context.Context, action string) error {
	device, err := n.devices.GetConnectedDevice(ctx)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrNoDevice
	}

	path := n.player.Path(ctx, device.MAC)
	if path == "" {
		return ErrNoPlayer
	}
	return n.player.Control(ctx, path, action)
}

// Forget drops the device's OBEX session, e.g. when it disconnects.
func (n *NowPlaying) Forget(ctx context.Context, mac string) {
	n.obex.RemoveSession(ctx, mac)
}

// Close removes every OBEX session.
func (n *NowPlaying) Close(ctx context.Context) {
	n.obex.Cleanup(ctx, "")
}
