// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bpou/digital-dash/dashd/runner"
)

var errNotScripted = errors.New("not scripted")

type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type response struct {
	out   string
	err   error
	delay time.Duration
}

// Fake answers Run calls from a table keyed by the full command line.
// Unscripted commands fail with a ProcessError.
type Fake struct {
	mu           sync.Mutex
	responses    map[string]response
	calls        []Call
	batches      [][]string
	spawned      []Call
	interactives []*Process

	SpawnErr error
	StartErr error
}

func New() *Fake {
	return &Fake{responses: make(map[string]response)}
}

// Set scripts the result of name+args.
func (f *Fake) Set(out string, err error, name string, args ...string) {
	f.SetDelayed(0, out, err, name, args...)
}

// SetDelayed is Set with an artificial latency, honouring ctx cancellation.
func (f *Fake) SetDelayed(delay time.Duration, out string, err error, name string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[Call{Name: name, Args: args}.String()] = response{out: out, err: err, delay: delay}
}

func (f *Fake) Run(ctx context.Context, name string, args []string, timeout time.Duration) (string, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	resp, ok := f.responses[call.String()]
	f.mu.Unlock()

	if !ok {
		return "", &runner.ProcessError{Name: name, Args: args, Err: errNotScripted}
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-ctx.Done():
			return "", &runner.ProcessError{Name: name, Args: args, Err: ctx.Err()}
		}
	}
	return resp.out, resp.err
}

func (f *Fake) RunBatch(ctx context.Context, name string, commands []string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), commands...))
	resp, ok := f.responses[Call{Name: name, Args: commands}.String()]
	f.mu.Unlock()

	if !ok {
		return "", nil
	}
	return resp.out, resp.err
}

func (f *Fake) Spawn(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SpawnErr != nil {
		return f.SpawnErr
	}
	f.spawned = append(f.spawned, Call{Name: name, Args: args})
	return nil
}

func (f *Fake) StartInteractive(name string, args []string, onLine func(string), onExit func(error)) (runner.Interactive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return nil, f.StartErr
	}
	p := &Process{Name: name, Args: args, onLine: onLine, onExit: onExit}
	f.interactives = append(f.interactives, p)
	return p, nil
}

// Calls returns every Run invocation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts Run invocations of exactly name+args.
func (f *Fake) CallCount(name string, args ...string) int {
	want := Call{Name: name, Args: args}.String()
	n := 0
	for _, c := range f.Calls() {
		if c.String() == want {
			n++
		}
	}
	return n
}

func (f *Fake) Batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func (f *Fake) Spawned() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.spawned...)
}

func (f *Fake) Interactives() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Process(nil), f.interactives...)
}

// Process is a scripted interactive process. Emit and Exit drive the
// callbacks synchronously.
type Process struct {
	Name string
	Args []string

	mu      sync.Mutex
	sent    []string
	killed  bool
	exited  bool
	sendErr error
	onLine  func(string)
	onExit  func(error)
}

func (p *Process) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, line)
	return nil
}

// Kill marks the process killed and delivers the exit callback
// asynchronously, as a real process would.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	go p.Exit(errors.New("signal: killed"))
	return nil
}

func (p *Process) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

func (p *Process) Emit(line string) {
	if p.onLine != nil {
		p.onLine(line)
	}
}

func (p *Process) Exit(err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()

	if p.onExit != nil {
		p.onExit(err)
	}
}

func (p *Process) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
