package sshpool

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
)

type fakeClient struct {
	id     int
	alive  atomic.Bool
	closed atomic.Bool
}

func (c *fakeClient) Run(ctx context.Context, command string, stdin []byte, maxOutput int) (*RunResult, error) {
	return &RunResult{Stdout: command}, nil
}

func (c *fakeClient) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	return nil
}

func (c *fakeClient) Download(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error) {
	return nil, nil
}

func (c *fakeClient) Alive(ctx context.Context) bool { return c.alive.Load() && !c.closed.Load() }

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	byKey   map[string]int
	fail    error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{byKey: make(map[string]int)}
}

func (d *fakeDialer) Dial(ctx context.Context, t Target) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeClient{id: len(d.clients)}
	c.alive.Store(true)
	d.clients = append(d.clients, c)
	d.byKey[t.Key()]++
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

var errDialRefused = errors.New("connection refused")
