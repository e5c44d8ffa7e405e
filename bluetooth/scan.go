package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bpou/digital-dash/dashd/runner"
)

// ScanController opens a time-boxed discovery window. The CLI is asked to
// stop on its own after the window, and a timer issues an explicit
// "scan off" as well in case it does not.
type ScanController struct {
	runner  runner.Runner
	bin     string
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewScanController(r runner.Runner, bin string, timeout time.Duration) *ScanController {
	return &ScanController{runner: r, bin: bin, timeout: timeout}
}

// Start is a no-op while a window is already open.
func (s *ScanController) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return nil
	}

	seconds := strconv.Itoa(int(math.Ceil(s.timeout.Seconds())))
	if err := s.runner.Spawn(s.bin, "--timeout", seconds, "scan", "on"); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		current := s.timer == timer
		if current {
			s.timer = nil
		}
		s.mu.Unlock()

		if current {
			s.scanOff(context.Background())
		}
	})
	s.timer = timer

	slog.Info("discovery started", "window", s.timeout)
	return nil
}

// Stop cancels the window and always sends "scan off". A failing stop is
// only logged, so Stop is safe to call with no scan running.
func (s *ScanController) Stop(ctx context.Context) {
	s.disarm()
	s.scanOff(ctx)
}

func (s *ScanController) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *ScanController) Close() {
	s.disarm()
}

func (s *ScanController) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *ScanController) scanOff(ctx context.Context) {
	if _, err := s.runner.Run(ctx, s.bin, []string{"scan", "off"}, commandTimeout); err != nil {
		slog.Debug("scan off failed", "error", err)
	}
}
