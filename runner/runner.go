// Package runner executes the host's Bluetooth, bus and audio CLIs. Every
// piece of external process I/O in dashd goes through a Runner so the rest of
// the service can be exercised against a fake.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout is wrapped by ProcessError when a call exceeded its deadline.
var ErrTimeout = errors.New("timed out")

// partialLineFlush is how long an unterminated line (an agent prompt such as
// "Confirm passkey 123456 (yes/no):") may sit in the buffer before it is
// delivered on its own.
const partialLineFlush = 75 * time.Millisecond

// ProcessError reports a failed or timed out command together with whatever
// the command printed.
type ProcessError struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

func (e *ProcessError) Error() string {
	if errors.Is(e.Err, ErrTimeout) {
		return fmt.Sprintf("%s %s", e.Name, ErrTimeout)
	}
	if e.Output != "" {
		return e.Output
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Interactive is a long-lived process fed line by line.
type Interactive interface {
	Send(line string) error
	Kill() error
}

// Runner is the process execution surface used by the service.
type Runner interface {
	// Run executes a one-shot command and returns its stdout.
	Run(ctx context.Context, name string, args []string, timeout time.Duration) (string, error)
	// RunBatch feeds commands to an interactive CLI on stdin, closes stdin and
	// waits for the process to exit. The process is killed on timeout.
	RunBatch(ctx context.Context, name string, commands []string, timeout time.Duration) (string, error)
	// Spawn starts a detached process and does not wait for it.
	Spawn(name string, args ...string) error
	// StartInteractive starts a process whose stdout and stderr lines are
	// both delivered to onLine, one call at a time. onExit runs once after
	// both streams are drained.
	StartInteractive(name string, args []string, onLine func(string), onExit func(error)) (Interactive, error)
}

// Exec runs real processes through os/exec.
type Exec struct{}

func New() *Exec {
	return &Exec{}
}

func (r *Exec) Run(ctx context.Context, name string, args []string, timeout time.Duration) (string, error) {
	return r.run(ctx, name, args, nil, timeout)
}

func (r *Exec) RunBatch(ctx context.Context, name string, commands []string, timeout time.Duration) (string, error) {
	input := strings.Join(commands, "\n") + "\n"
	return r.run(ctx, name, nil, strings.NewReader(input), timeout)
}

func (r *Exec) run(ctx context.Context, name string, args []string, stdin io.Reader, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Stdin = stdin
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return stdout.String(), &ProcessError{
			Name:   name,
			Args:   args,
			Output: strings.TrimSpace(stderr.String() + stdout.String()),
			Err:    err,
		}
	}

	return stdout.String(), nil
}

func (r *Exec) Spawn(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return &ProcessError{Name: name, Args: args, Err: err}
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

func (r *Exec) StartInteractive(name string, args []string, onLine func(string), onExit func(error)) (Interactive, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Name: name, Args: args, Err: err}
	}

	p := &process{cmd: cmd, stdin: stdin}

	var lineMu sync.Mutex
	emit := func(line string) {
		if onLine == nil {
			return
		}
		lineMu.Lock()
		defer lineMu.Unlock()
		onLine(line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpLines(stdout, emit)
	}()
	go func() {
		defer wg.Done()
		pumpLines(stderr, emit)
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()
		p.markExited()
		if onExit != nil {
			onExit(err)
		}
	}()

	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	exited bool
}

func (p *process) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return fmt.Errorf("%s has exited", p.cmd.Path)
	}
	_, err := p.stdin.Write([]byte(line + "\n"))
	return err
}

func (p *process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.cmd.Process == nil {
		return nil
	}
	_ = p.stdin.Close()
	return p.cmd.Process.Kill()
}

func (p *process) markExited() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

// pumpLines splits r on CR/LF and hands every non-blank line to emit. A
// trailing fragment with no terminator is delivered once the stream has been
// quiet for partialLineFlush.
func pumpLines(r io.Reader, emit func(string)) {
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				chunks <- b
			}
			if err != nil {
				return
			}
		}
	}()

	flush := func(b []byte) {
		if line := strings.TrimSpace(string(b)); line != "" {
			emit(line)
		}
	}

	var pending []byte
	idle := time.NewTimer(partialLineFlush)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case b, ok := <-chunks:
			if !ok {
				flush(pending)
				return
			}
			pending = append(pending, b...)
			for {
				i := bytes.IndexAny(pending, "\r\n")
				if i < 0 {
					break
				}
				flush(pending[:i])
				pending = pending[i+1:]
			}
			if len(pending) > 0 {
				idle.Reset(partialLineFlush)
			}
		case <-idle.C:
			flush(pending)
			pending = nil
		}
	}
}
