// Package broker routes channel frames between browser clients and the
// gateway's handlers.
//
// Each client connection gets one reader and one serialized writer; SEND
// frames are dispatched to a shared worker pool through a bounded queue, so a
// full pool pauses reading and flow-controls the client. Outbound messages
// are delivered per subscription: /user/queue/ destinations materialize to a
// per-connection queue, /topic/ destinations fan out to every subscriber.
package broker

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/deckhand-sh/deckhand/internal/auth"
	"github.com/deckhand-sh/deckhand/internal/crypto"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// Violation limits: a client sending more than maxViolations malformed
// frames within violationWindow is disconnected.
const (
	maxViolations   = 5
	violationWindow = 30 * time.Second
)

// AuthFunc resolves the CONNECT token into an identity.
type AuthFunc func(token string) (auth.Identity, error)

// Handler processes one inbound SEND frame.
type Handler func(c *Client, f frame.Frame)

// Options tune queue depths and timing. Zero values get defaults. The worker
// pool holds WorkersMin goroutines and grows to WorkersMax while the inbound
// queue is backed up.
type Options struct {
	FrameMaxBytes int64
	InboundQueue  int
	WriterQueue   int
	WorkersMin    int
	WorkersMax    int
	Heartbeat     time.Duration
}

func (o Options) withDefaults() Options {
	if o.FrameMaxBytes <= 0 {
		o.FrameMaxBytes = frame.DefaultMaxBytes
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 1000
	}
	if o.WriterQueue <= 0 {
		o.WriterQueue = 256
	}
	if o.WorkersMin <= 0 {
		o.WorkersMin = 4
	}
	if o.WorkersMax <= 0 {
		o.WorkersMax = 8
	}
	if o.WorkersMax < o.WorkersMin {
		o.WorkersMax = o.WorkersMin
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	return o
}

type dispatch struct {
	c *Client
	h Handler
	f frame.Frame
}

// Broker accepts channel connections and routes their frames.
type Broker struct {
	opts Options
	auth AuthFunc

	handlers map[string]Handler

	mu      sync.RWMutex
	clients map[string]*Client

	inbound chan dispatch
	workers atomic.Int32
	wg      sync.WaitGroup

	onDisconnect func(c *Client)

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opts Options, authFn AuthFunc) *Broker {
	opts = opts.withDefaults()
	b := &Broker{
		opts:     opts,
		auth:     authFn,
		handlers: make(map[string]Handler),
		clients:  make(map[string]*Client),
		inbound:  make(chan dispatch, opts.InboundQueue),
		stopped:  make(chan struct{}),
	}
	b.workers.Store(int32(opts.WorkersMin))
	for i := 0; i < opts.WorkersMin; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Handle registers the handler for an /app/ operation path, e.g.
// "terminal/open". Registration happens during wiring, before clients
// connect.
func (b *Broker) Handle(op string, h Handler) {
	b.handlers[op] = h
}

// OnDisconnect registers the cleanup callback invoked once per client after
// its channel ends, whatever the cause.
func (b *Broker) OnDisconnect(fn func(c *Client)) {
	b.onDisconnect = fn
}

// Stop closes every client channel and retires the worker pool. The inbound
// queue is never closed: read loops may still be racing a final dispatch into
// it, so workers leave via the stop signal instead.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		b.mu.RLock()
		clients := make([]*Client, 0, len(b.clients))
		for _, c := range b.clients {
			clients = append(clients, c)
		}
		b.mu.RUnlock()
		for _, c := range clients {
			c.close(websocket.StatusGoingAway, "gateway shutting down")
		}
		b.wg.Wait()
	})
}

// Count returns the number of connected clients.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Client looks up a connected client by session id.
func (b *Broker) Client(sessionID string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[sessionID]
	return c, ok
}

func (b *Broker) worker() {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.inbound:
			b.invoke(d)
		case <-b.stopped:
			return
		}
	}
}

// tempWorkerIdle is how long a surge worker waits for work before retiring.
const tempWorkerIdle = 30 * time.Second

// tempWorker drains backlog and retires once the queue has been quiet,
// shrinking the pool back to its floor.
func (b *Broker) tempWorker() {
	defer b.wg.Done()
	defer b.workers.Add(-1)
	idle := time.NewTimer(tempWorkerIdle)
	defer idle.Stop()
	for {
		select {
		case d := <-b.inbound:
			b.invoke(d)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(tempWorkerIdle)
		case <-idle.C:
			return
		case <-b.stopped:
			return
		}
	}
}

// maybeGrow adds a surge worker while the inbound queue is at least half full
// and the pool is below its ceiling.
func (b *Broker) maybeGrow() {
	if len(b.inbound) < cap(b.inbound)/2 {
		return
	}
	for {
		n := b.workers.Load()
		if int(n) >= b.opts.WorkersMax {
			return
		}
		if b.workers.CompareAndSwap(n, n+1) {
			b.wg.Add(1)
			go b.tempWorker()
			return
		}
	}
}

// invoke shields the pool from panicking handlers.
func (b *Broker) invoke(d dispatch) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[broker] %s: handler panic: %v", logutil.SanitizeForLog(d.c.ID), r)
			d.c.SendError("internal", "internal handler error")
		}
	}()
	d.h(d.c, d.f)
}

// ServeWS upgrades the request and runs the client channel until it ends.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[broker] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(b.opts.FrameMaxBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c, ok := b.handshake(ctx, conn)
	if !ok {
		return
	}
	defer b.teardown(c)

	go c.writeLoop()
	go c.watchLiveness()

	c.readLoop()
}

// handshake reads the CONNECT frame, authenticates it, and registers the
// client. The client gets a CONNECTED frame carrying its session id.
func (b *Broker) handshake(ctx context.Context, conn *websocket.Conn) (*Client, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, 2*b.opts.Heartbeat)
	defer cancel()

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		return nil, false
	}
	f, err := frame.Decode(data, b.opts.FrameMaxBytes)
	if err != nil || f.Command != frame.CONNECT {
		writeRawError(ctx, conn, b.opts.Heartbeat, "protocol", "expected CONNECT")
		conn.Close(websocket.StatusProtocolError, "expected CONNECT")
		return nil, false
	}

	token := f.Header(frame.HdrAuthToken)
	identity, err := b.auth(token)
	if err != nil {
		log.Printf("[broker] connect rejected (token %s): %v", crypto.Mask(token), err)
		writeRawError(ctx, conn, b.opts.Heartbeat, "auth", err.Error())
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return nil, false
	}

	c := &Client{
		ID:       uuid.NewString(),
		identity: identity,
		b:        b,
		conn:     conn,
		out:      make(chan frame.Frame, b.opts.WriterQueue),
		subs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.touch()

	b.mu.Lock()
	b.clients[c.ID] = c
	b.mu.Unlock()

	c.enqueueCritical(frame.New(frame.CONNECTED, map[string]string{
		frame.HdrSession: c.ID,
		frame.HdrVersion: "1.0",
	}, nil))

	log.Printf("[broker] session %s connected (%s, role %s)", c.ID, logutil.SanitizeForLog(identity.Principal), identity.Role)
	return c, true
}

func (b *Broker) teardown(c *Client) {
	c.close(websocket.StatusNormalClosure, "")

	b.mu.Lock()
	_, present := b.clients[c.ID]
	delete(b.clients, c.ID)
	b.mu.Unlock()

	if present {
		log.Printf("[broker] session %s disconnected", c.ID)
		if b.onDisconnect != nil {
			b.onDisconnect(c)
		}
	}
}

// Send delivers a JSON payload to the session's personal queue for topic.
// It blocks until the frame is queued or the client goes away, so terminal
// and stage-transition events survive slow consumers. The return reports
// whether the client was subscribed and reachable.
func (b *Broker) Send(sessionID, topic string, v any) bool {
	return b.deliver(sessionID, topic, v, true)
}

// TrySend is Send for droppable events: when the writer queue is full the
// frame is discarded and the client flagged a slow consumer.
func (b *Broker) TrySend(sessionID, topic string, v any) bool {
	return b.deliver(sessionID, topic, v, false)
}

func (b *Broker) deliver(sessionID, topic string, v any, critical bool) bool {
	c, ok := b.Client(sessionID)
	if !ok {
		return false
	}
	dest := frame.PersonalQueue(topic, sessionID)
	if !c.subscribed(dest) {
		return false
	}
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("[broker] marshal %s payload: %v", logutil.SanitizeForLog(topic), err)
		return false
	}
	f := frame.New(frame.MESSAGE, map[string]string{
		frame.HdrDestination: dest,
		frame.HdrContentType: "application/json",
	}, body)
	if critical {
		return c.enqueueCritical(f)
	}
	return c.enqueue(f)
}

// Broadcast fans a JSON payload out to every client subscribed to the topic.
// Broadcasts are droppable.
func (b *Broker) Broadcast(topic string, v any) {
	dest := frame.TopicPrefix + topic
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("[broker] marshal broadcast %s: %v", logutil.SanitizeForLog(topic), err)
		return
	}
	f := frame.New(frame.MESSAGE, map[string]string{
		frame.HdrDestination: dest,
		frame.HdrContentType: "application/json",
	}, body)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if c.subscribed(dest) {
			c.enqueue(f)
		}
	}
}

// SendError delivers a protocol-level ERROR frame to the session.
func (b *Broker) SendError(sessionID, code, message string) {
	if c, ok := b.Client(sessionID); ok {
		c.SendError(code, message)
	}
}

// writeRawError answers a pre-registration protocol failure directly on the
// connection.
func writeRawError(ctx context.Context, conn *websocket.Conn, timeout time.Duration, code, message string) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	f := frame.New(frame.ERROR, map[string]string{frame.HdrMessage: message, "code": code}, nil)
	_ = conn.Write(wctx, websocket.MessageText, f.Encode())
}
