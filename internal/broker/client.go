package broker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/deckhand-sh/deckhand/internal/auth"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// Client is one connected browser channel. The ID doubles as the channel
// session id used to key SSH sessions and pipelines.
type Client struct {
	ID       string
	identity auth.Identity

	b    *Broker
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	out chan frame.Frame

	mu          sync.Mutex
	subs        map[string]bool
	lastInbound time.Time
	violations  []time.Time
	closed      bool

	slow atomic.Bool

	closeOnce sync.Once
}

// Identity is the authenticated principal from the CONNECT handshake.
func (c *Client) Identity() auth.Identity { return c.identity }

// Done is closed when the client channel ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Ctx is cancelled when the client channel ends.
func (c *Client) Ctx() context.Context { return c.ctx }

// SlowConsumer reports whether droppable frames have been discarded because
// the client could not keep up.
func (c *Client) SlowConsumer() bool { return c.slow.Load() }

// SendError queues a protocol-level ERROR frame for this client.
func (c *Client) SendError(code, message string) {
	c.enqueueCritical(frame.New(frame.ERROR, map[string]string{
		frame.HdrMessage: message,
		"code":           code,
	}, nil))
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastInbound = time.Now()
	c.mu.Unlock()
}

func (c *Client) sinceInbound() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastInbound)
}

func (c *Client) subscribed(dest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[dest]
}

// enqueue queues f if there is writer space, dropping it otherwise. Used for
// intermediate progress and terminal output, which a live client can afford
// to lose under pressure.
func (c *Client) enqueue(f frame.Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	select {
	case c.out <- f:
		return true
	default:
		if !c.slow.Swap(true) {
			log.Printf("[broker] session %s: writer queue full, dropping non-critical frames", logutil.SanitizeForLog(c.ID))
		}
		return false
	}
}

// enqueueCritical queues f, waiting for writer space until the channel ends.
func (c *Client) enqueueCritical(f frame.Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	select {
	case c.out <- f:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// writeLoop is the single writer for this channel. It serializes queued
// frames and emits a HEARTBEAT whenever the channel has been quiet for a
// full interval.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.b.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			if !c.write(f) {
				return
			}
		case <-ticker.C:
			if !c.write(frame.Heartbeat()) {
				return
			}
		}
	}
}

func (c *Client) write(f frame.Frame) bool {
	wctx, cancel := context.WithTimeout(c.ctx, c.b.opts.Heartbeat)
	err := c.conn.Write(wctx, websocket.MessageText, f.Encode())
	cancel()
	if err != nil {
		c.cancel()
		return false
	}
	return true
}

// watchLiveness declares the channel dead when nothing inbound arrives for
// two heartbeat intervals.
func (c *Client) watchLiveness() {
	ticker := time.NewTicker(c.b.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.sinceInbound() > 2*c.b.opts.Heartbeat {
				log.Printf("[broker] session %s: heartbeat timeout", logutil.SanitizeForLog(c.ID))
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// readLoop decodes inbound frames until the channel ends. Dispatch to the
// worker pool blocks when the inbound queue is full, which pauses reading
// and flow-controls the client.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()

		f, err := frame.Decode(data, c.b.opts.FrameMaxBytes)
		if err != nil {
			c.SendError("protocol", err.Error())
			if c.recordViolation() {
				log.Printf("[broker] session %s: repeated protocol violations, closing", logutil.SanitizeForLog(c.ID))
				c.close(websocket.StatusProtocolError, "repeated protocol violations")
				return
			}
			continue
		}

		switch f.Command {
		case frame.HEARTBEAT:
			// inbound timestamp already refreshed
		case frame.SUBSCRIBE:
			c.subscribe(f.Header(frame.HdrDestination))
		case frame.UNSUBSCRIBE:
			c.unsubscribe(f.Header(frame.HdrDestination))
		case frame.SEND:
			if !c.dispatch(f) {
				return
			}
		case frame.DISCONNECT:
			return
		default:
			c.SendError("protocol", "unexpected "+string(f.Command)+" frame")
			if c.recordViolation() {
				c.close(websocket.StatusProtocolError, "repeated protocol violations")
				return
			}
		}
	}
}

func (c *Client) subscribe(dest string) {
	mat, ok := frame.Materialize(dest, c.ID)
	if !ok {
		c.SendError("bad-destination", "cannot subscribe to "+logutil.SanitizeForLog(dest))
		return
	}
	c.mu.Lock()
	c.subs[mat] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(dest string) {
	mat, ok := frame.Materialize(dest, c.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.subs, mat)
	c.mu.Unlock()
}

// dispatch routes a SEND frame to its handler via the worker pool. The
// return is false when the broker is shutting down.
func (c *Client) dispatch(f frame.Frame) bool {
	dest := f.Header(frame.HdrDestination)
	op, ok := frame.AppOp(dest)
	if !ok {
		c.SendError("bad-destination", "SEND requires an /app/ destination")
		return true
	}
	h, ok := c.b.handlers[op]
	if !ok {
		c.SendError("no-handler", "no handler for "+logutil.SanitizeForLog(dest))
		return true
	}
	c.b.maybeGrow()
	select {
	case c.b.inbound <- dispatch{c: c, h: h, f: f}:
		return true
	case <-c.b.stopped:
		return false
	case <-c.ctx.Done():
		return false
	}
}

// recordViolation notes one malformed frame and reports whether the client
// crossed the violation limit.
func (c *Client) recordViolation() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.violations[:0]
	for _, ts := range c.violations {
		if now.Sub(ts) <= violationWindow {
			kept = append(kept, ts)
		}
	}
	c.violations = append(kept, now)
	return len(c.violations) >= maxViolations
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.conn.Close(code, reason)
		close(c.done)
	})
}
