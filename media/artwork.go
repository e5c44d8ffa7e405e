package media

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrArtworkNotFound = errors.New("artwork not found")
	ErrArtworkTooLarge = errors.New("artwork exceeds size limit")
	ErrArtworkEmpty    = errors.New("artwork is empty")
)

const (
	DefaultArtworkMaxBytes = 5 * 1024 * 1024
	DefaultWebArtworkTTL   = 6 * time.Hour

	ArtworkRoute = "/media/artwork/"
)

// Artwork is one locally held image.
type Artwork struct {
	Data     []byte
	MIME     string
	StoredAt time.Time
}

// ArtworkKey is the local cache key for a device's image handle.
func ArtworkKey(mac, handle string) string {
	return mac + ":" + handle
}

// LocalCache holds downloaded and uploaded artwork in memory. Payloads over
// maxBytes are never admitted; entries do not expire.
type LocalCache struct {
	maxBytes int
	baseURL  string
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]Artwork
}

func NewLocalCache(maxBytes int, baseURL string) *LocalCache {
	if maxBytes <= 0 {
		maxBytes = DefaultArtworkMaxBytes
	}
	return &LocalCache{
		maxBytes: maxBytes,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
		entries:  make(map[string]Artwork),
	}
}

// URL is where the HTTP server serves key.
func (c *LocalCache) URL(key string) string {
	return c.baseURL + ArtworkRoute + url.PathEscape(key)
}

// Put stores data under key and returns its retrieval URL. An empty mime
// is sniffed from the data.
func (c *LocalCache) Put(key string, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", ErrArtworkEmpty
	}
	if len(data) > c.maxBytes {
		return "", ErrArtworkTooLarge
	}
	if mime == "" {
		mime = DetectImageMIME(data)
	}

	c.mu.Lock()
	c.entries[key] = Artwork{Data: bytes.Clone(data), MIME: mime, StoredAt: c.now()}
	c.mu.Unlock()

	return c.URL(key), nil
}

func (c *LocalCache) Get(key string) (Artwork, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key]
	return a, ok
}

// WebStore caches web-search artwork URLs. An empty URL records a search
// that found nothing.
type WebStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, url string) error
}

// WebQueryKey normalises track metadata into a web cache key.
func WebQueryKey(title, artist, album string) string {
	return strings.ToLower(strings.Join(strings.Fields(title+" "+artist+" "+album), " "))
}

type webEntry struct {
	url      string
	storedAt time.Time
}

// WebCache is the in-memory WebStore. Stale entries are evicted when read.
type WebCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]webEntry
}

func NewWebCache(ttl time.Duration) *WebCache {
	if ttl <= 0 {
		ttl = DefaultWebArtworkTTL
	}
	return &WebCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]webEntry),
	}
}

func (c *WebCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.url, true, nil
}

func (c *WebCache) Put(_ context.Context, key, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = webEntry{url: url, storedAt: c.now()}
	return nil
}

func (c *WebCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
