package gateway

import (
	"sort"
	"sync"

	"github.com/reifying/untethered/internal/ids"
)

const defaultClientQueue = 256

// Frame is one outbound message. Close asks the writer to close the
// connection after writing Msg.
type Frame struct {
	Msg   any
	Close bool
}

// Client is the service's view of one connection. The transport drains
// Outbound on a single writer goroutine.
type Client struct {
	id   string
	out  chan Frame
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	authenticated bool
	workDir       string
	subscriptions map[string]struct{}
}

func newClient(queue int) *Client {
	if queue <= 0 {
		queue = defaultClientQueue
	}
	return &Client{
		id:            ids.New(),
		out:           make(chan Frame, queue),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Outbound() <-chan Frame {
	return c.out
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues msg without blocking. A client that cannot keep up is closed.
func (c *Client) Send(msg any) bool {
	return c.push(Frame{Msg: msg})
}

// SendFinal queues msg and asks the writer to close afterwards.
func (c *Client) SendFinal(msg any) bool {
	return c.push(Frame{Msg: msg, Close: true})
}

func (c *Client) push(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) WorkingDirectory() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workDir
}

func (c *Client) setWorkingDirectory(dir string) {
	c.mu.Lock()
	c.workDir = dir
	c.mu.Unlock()
}

func (c *Client) subscribe(sessionID string) {
	c.mu.Lock()
	c.subscriptions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
}

func (c *Client) Subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[sessionID]
	return ok
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
