package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImage struct {
	path string
	data []byte
	err  error
	wait chan struct{}

	mu      sync.Mutex
	gets    int
	targets []string
}

func (f *fakeImage) Path() string { return f.path }

func (f *fakeImage) Get(ctx context.Context, targetFile, handle string) error {
	f.mu.Lock()
	f.gets++
	f.targets = append(f.targets, targetFile)
	f.mu.Unlock()

	if f.wait != nil {
		select {
		case <-f.wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(targetFile, f.data, 0o600)
}

func (f *fakeImage) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type fakeObexClient struct {
	createErr error
	removeErr error
	wait      chan struct{}
	image     func(mac string, port int) *fakeImage

	mu      sync.Mutex
	creates int
	removed []string
}

func (c *fakeObexClient) CreateSession(ctx context.Context, mac string, port int) (ImageSession, error) {
	c.mu.Lock()
	c.creates++
	n := c.creates
	c.mu.Unlock()

	if c.wait != nil {
		<-c.wait
	}
	if c.createErr != nil {
		return nil, c.createErr
	}
	if c.image != nil {
		return c.image(mac, port), nil
	}
	return &fakeImage{path: fmt.Sprintf("/org/bluez/obex/client/session%d", n)}, nil
}

func (c *fakeObexClient) RemoveSession(ctx context.Context, session ImageSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, session.Path())
	return c.removeErr
}

func (c *fakeObexClient) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

func (c *fakeObexClient) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

const (
	macA = "AA:BB:CC:DD:EE:01"
	macB = "AA:BB:CC:DD:EE:02"
)

func TestEnsureConcurrentCallsShareCreation(t *testing.T) {
	client := &fakeObexClient{wait: make(chan struct{})}
	m := NewObexManager(client)

	results := make([]*ObexSession, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = m.Ensure(context.Background(), macA, 4101)
	}()

	require.Eventually(t, func() bool { return client.Creates() == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = m.Ensure(context.Background(), macA, 4101)
	}()
	time.Sleep(20 * time.Millisecond)
	close(client.wait)
	wg.Wait()

	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, client.Creates())
	assert.Equal(t, 1, m.Len())
}

func TestEnsureReusesMatchingPort(t *testing.T) {
	client := &fakeObexClient{}
	m := NewObexManager(client)

	first := m.Ensure(context.Background(), macA, 4101)
	second := m.Ensure(context.Background(), macA, 4101)

	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, client.Creates())
	assert.Empty(t, client.Removed())
}

func TestEnsurePortChangeRecreates(t *testing.T) {
	client := &fakeObexClient{}
	m := NewObexManager(client)

	first := m.Ensure(context.Background(), macA, 4101)
	second := m.Ensure(context.Background(), macA, 4103)

	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 4103, second.Port)
	assert.Equal(t, []string{first.Image.Path()}, client.Removed())
	assert.Same(t, second, m.Get(macA))
}

func TestEnsureWithoutPortRemovesSession(t *testing.T) {
	client := &fakeObexClient{}
	m := NewObexManager(client)

	first := m.Ensure(context.Background(), macA, 4101)
	require.NotNil(t, first)

	assert.Nil(t, m.Ensure(context.Background(), macA, 0))
	assert.Nil(t, m.Get(macA))
	assert.Equal(t, []string{first.Image.Path()}, client.Removed())
}

func TestEnsureCreationFailureIsNil(t *testing.T) {
	client := &fakeObexClient{createErr: errors.New("org.bluez.obex.Error.Failed")}
	m := NewObexManager(client)

	assert.Nil(t, m.Ensure(context.Background(), macA, 4101))
	assert.Zero(t, m.Len())
}

func TestEnsureWithoutClient(t *testing.T) {
	m := NewObexManager(nil)

	assert.Nil(t, m.Ensure(context.Background(), macA, 4101))
	m.RemoveSession(context.Background(), macA)
	m.Cleanup(context.Background(), "")
	assert.Zero(t, m.Len())
}

func TestRemoveSessionIsIdempotentAndSwallowsErrors(t *testing.T) {
	client := &fakeObexClient{removeErr: errors.New("no such session")}
	m := NewObexManager(client)

	m.RemoveSession(context.Background(), macA)
	assert.Empty(t, client.Removed())

	m.Ensure(context.Background(), macA, 4101)
	m.RemoveSession(context.Background(), macA)
	m.RemoveSession(context.Background(), macA)

	assert.Len(t, client.Removed(), 1)
	assert.Zero(t, m.Len())
}

func TestCleanupKeepsOneDevice(t *testing.T) {
	client := &fakeObexClient{}
	m := NewObexManager(client)

	kept := m.Ensure(context.Background(), macA, 4101)
	m.Ensure(context.Background(), macB, 4101)
	m.Ensure(context.Background(), "AA:BB:CC:DD:EE:03", 4101)

	m.Cleanup(context.Background(), macA)
	assert.Equal(t, 1, m.Len())
	assert.Same(t, kept, m.Get(macA))
	assert.Len(t, client.Removed(), 2)

	m.Cleanup(context.Background(), "")
	assert.Zero(t, m.Len())
}
