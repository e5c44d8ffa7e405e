package media

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"time"
)

const DefaultCoverArtTimeout = 5 * time.Second

var (
	jpegMagic  = []byte{0xff, 0xd8, 0xff}
	pngMagic   = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	gif87Magic = []byte("GIF87a")
	gif89Magic = []byte("GIF89a")
	bmpMagic   = []byte("BM")
)

// DetectImageMIME sniffs JPEG, PNG, GIF and BMP signatures.
func DetectImageMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	case bytes.HasPrefix(data, gif87Magic), bytes.HasPrefix(data, gif89Magic):
		return "image/gif"
	case bytes.HasPrefix(data, bmpMagic):
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

// CoverArtFetcher downloads cover art over OBEX into the local cache.
type CoverArtFetcher struct {
	cache   *LocalCache
	timeout time.Duration
	tempDir string
}

func NewCoverArtFetcher(cache *LocalCache, timeout time.Duration) *CoverArtFetcher {
	if timeout <= 0 {
		timeout = DefaultCoverArtTimeout
	}
	return &CoverArtFetcher{cache: cache, timeout: timeout, tempDir: os.TempDir()}
}

// Fetch returns a URL for the image behind handle, or "" when it cannot be
// had. The last handle's URL is memoised on the session and concurrent
// fetches of the same handle share one download.
func (f *CoverArtFetcher) Fetch(ctx context.Context, session *ObexSession, handle string) string {
	if session == nil || handle == "" {
		return ""
	}

	if lastHandle, url := session.Memo(); lastHandle == handle && url != "" {
		return url
	}

	v, _, _ := session.downloads.Do(handle, func() (interface{}, error) {
		url := f.download(ctx, session, handle)
		if url != "" {
			session.remember(handle, url)
		}
		return url, nil
	})

	url, _ := v.(string)
	return url
}

func (f *CoverArtFetcher) download(ctx context.Context, session *ObexSession, handle string) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	tmp, err := os.CreateTemp(f.tempDir, "dashd-cover-*.img")
	if err != nil {
		slog.Debug("cover art temp file failed", "error", err)
		return ""
	}
	target := tmp.Name()
	tmp.Close()
	defer os.Remove(target)

	if err := session.Image.Get(ctx, target, handle); err != nil {
		slog.Debug("cover art download failed", "mac", session.MAC, "handle", handle, "error", err)
		return ""
	}

	data, err := os.ReadFile(target)
	if err != nil || len(data) == 0 {
		slog.Debug("cover art download empty", "mac", session.MAC, "handle", handle, "error", err)
		return ""
	}

	url, err := f.cache.Put(ArtworkKey(session.MAC, handle), data, DetectImageMIME(data))
	if err != nil {
		slog.Debug("cover art not cached", "mac", session.MAC, "handle", handle, "size", len(data), "error", err)
		return ""
	}
	return url
}
