package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bpou/digital-dash/dashd/metrics"
)

const obexCreateTimeout = 10 * time.Second

// ImageSession is an open OBEX session with its image-transfer interface.
type ImageSession interface {
	Path() string
	// Get downloads the image behind handle into targetFile.
	Get(ctx context.Context, targetFile, handle string) error
}

// ObexClient creates and removes OBEX image sessions.
type ObexClient interface {
	CreateSession(ctx context.Context, mac string, port int) (ImageSession, error)
	RemoveSession(ctx context.Context, session ImageSession) error
}

// ObexSession is the cover-art session for one device. It is only valid
// while Port matches the port the device advertises.
type ObexSession struct {
	MAC   string
	Port  int
	Image ImageSession

	mu         sync.Mutex
	lastHandle string
	artworkURL string

	downloads singleflight.Group
}

// Memo returns the handle and URL of the last successful download.
func (s *ObexSession) Memo() (handle, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHandle, s.artworkURL
}

func (s *ObexSession) remember(handle, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHandle = handle
	s.artworkURL = url
}

// ObexManager keeps at most one OBEX session per device.
type ObexManager struct {
	client ObexClient

	mu       sync.Mutex
	sessions map[string]*ObexSession

	creations singleflight.Group
}

func NewObexManager(client ObexClient) *ObexManager {
	return &ObexManager{
		client:   client,
		sessions: make(map[string]*ObexSession),
	}
}

func (m *ObexManager) Get(mac string) *ObexSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[mac]
}

func (m *ObexManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Ensure returns a session for mac on port, creating it when needed. A zero
// port drops any existing session. Concurrent calls for the same mac share
// one creation. Failures, and a manager without a client, return nil.
func (m *ObexManager) Ensure(ctx context.Context, mac string, port int) *ObexSession {
	if mac == "" || port <= 0 {
		m.RemoveSession(ctx, mac)
		return nil
	}
	if m.client == nil {
		return nil
	}

	if existing := m.Get(mac); existing != nil && existing.Port == port {
		return existing
	}

	v, _, _ := m.creations.Do(mac, func() (interface{}, error) {
		if existing := m.Get(mac); existing != nil && existing.Port == port {
			return existing, nil
		}

		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), obexCreateTimeout)
		defer cancel()

		m.RemoveSession(createCtx, mac)

		image, err := m.client.CreateSession(createCtx, mac, port)
		if err != nil {
			slog.Debug("obex session unavailable", "mac", mac, "port", port, "error", err)
			return (*ObexSession)(nil), nil
		}

		session := &ObexSession{MAC: mac, Port: port, Image: image}

		m.mu.Lock()
		m.sessions[mac] = session
		metrics.ObexSessions.Set(float64(len(m.sessions)))
		m.mu.Unlock()

		slog.Info("obex session created", "mac", mac, "port", port, "path", image.Path())
		return session, nil
	})

	session, _ := v.(*ObexSession)
	return session
}

// RemoveSession forgets the device's session and asks the client to close
// it. Removal errors are logged only.
func (m *ObexManager) RemoveSession(ctx context.Context, mac string) {
	if mac == "" {
		return
	}

	m.mu.Lock()
	session, ok := m.sessions[mac]
	if ok {
		delete(m.sessions, mac)
		metrics.ObexSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.client.RemoveSession(ctx, session.Image); err != nil {
		slog.Debug("obex session removal failed", "mac", mac, "error", err)
	}
}

// Cleanup removes every session except keepMac's. An empty keepMac removes
// them all.
func (m *ObexManager) Cleanup(ctx context.Context, keepMac string) {
	m.mu.Lock()
	macs := make([]string, 0, len(m.sessions))
	for mac := range m.sessions {
		if keepMac != "" && mac == keepMac {
			continue
		}
		macs = append(macs, mac)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, mac := range macs {
		mac := mac
		g.Go(func() error {
			m.RemoveSession(ctx, mac)
			return nil
		})
	}
	_ = g.Wait()
}
