package terminal

import (
	"sync"
)

// AuthenticatedClient is the identity of a connection after it passed
// authentication and the capability check.
type AuthenticatedClient struct {
	ID         string
	UserID     uint
	Username   string
	Role       string
	RemoteAddr string
}

// Close reasons reported by Client.CloseReason.
const (
	ReasonClosed       = "closed"
	ReasonSlowConsumer = "slow_consumer"
)

// Client is one attached connection. Events are queued on a bounded outbox;
// a client that lets the outbox fill up is shut down rather than allowed to
// stall its session.
type Client struct {
	AuthenticatedClient

	out  chan Event
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
	lines     lineBuffer
}

func newClient(ac AuthenticatedClient, outbox int) *Client {
	if outbox <= 0 {
		outbox = 256
	}
	return &Client{
		AuthenticatedClient: ac,
		out:                 make(chan Event, outbox),
		done:                make(chan struct{}),
	}
}

func (c *Client) ClientID() string { return c.ID }

// Events is the outbox. It is never closed; watch Done to stop reading.
func (c *Client) Events() <-chan Event { return c.out }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) Close() { c.shutdown(ReasonClosed) }

func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// deliver queues ev without blocking. It reports false when the client is
// gone or had to be dropped for not keeping up.
func (c *Client) deliver(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		c.shutdown(ReasonSlowConsumer)
		return false
	}
}

func (c *Client) feed(data []byte) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines.Feed(data)
}

func (c *Client) resetLine() {
	c.mu.Lock()
	c.lines.Reset()
	c.mu.Unlock()
}
