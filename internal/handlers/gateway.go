// Package handlers wires the gateway's surfaces together: the /app/**
// destination handlers on the broker, the pipeline notifier, and the small
// HTTP boundary (artifact download, health).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/datasync"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
	"github.com/deckhand-sh/deckhand/internal/orchestrator"
	"github.com/deckhand-sh/deckhand/internal/pipeline"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// lifecycleTopic carries session connect/disconnect/evict transitions as a
// broadcast.
const lifecycleTopic = "session-lifecycle"

// DataService is the slice of the datasync service the handlers use.
// *datasync.Service satisfies it.
type DataService interface {
	Export(ctx context.Context, sessionID string, conn datasync.Conn, container string, emit datasync.ProgressFunc) (*datasync.Artifact, error)
	Import(ctx context.Context, sessionID string, conn datasync.Conn, uploadName, container string, emit datasync.ProgressFunc) error
	Resolve(token, sessionID string) (*datasync.Artifact, error)
}

// Defaults fill in deployment request fields the client leaves empty.
type Defaults struct {
	Container string
	Image     string
	AppPort   int
}

// Gateway binds the broker, the SSH session registry, the orchestrator and
// the data service into the destination handlers.
type Gateway struct {
	Broker   *broker.Broker
	Registry *sshconn.Registry
	Orch     *orchestrator.Orchestrator
	Data     DataService
	Defaults Defaults
}

func New(b *broker.Broker, reg *sshconn.Registry, orch *orchestrator.Orchestrator, data DataService, defs Defaults) *Gateway {
	return &Gateway{Broker: b, Registry: reg, Orch: orch, Data: data, Defaults: defs}
}

// Register installs every destination handler and the lifecycle hooks.
func (g *Gateway) Register() {
	g.Broker.Handle("terminal/open", g.TerminalOpen)
	g.Broker.Handle("terminal/input", g.TerminalInput)
	g.Broker.Handle("terminal/resize", g.TerminalResize)
	g.Broker.Handle("deployment/start", g.DeploymentStart)
	g.Broker.Handle("deployment/confirm", g.DeploymentConfirm)
	g.Broker.Handle("deployment/cancel", g.DeploymentCancel)
	g.Broker.Handle("data/export", g.DataExport)
	g.Broker.Handle("data/import", g.DataImport)

	g.Broker.OnDisconnect(g.clientGone)
	g.Registry.OnEvent(func(ev sshconn.Event) {
		g.Broker.Broadcast(lifecycleTopic, ev)
	})
}

// clientGone is the single cleanup path for a finished client channel: the
// active pipeline is cancelled, the deployment record dropped, and the SSH
// session released.
func (g *Gateway) clientGone(c *broker.Client) {
	g.Orch.Cancel(c.ID)
	g.Orch.Drop(c.ID)
	g.Registry.Remove(c.ID)
	log.Printf("[gateway] session %s cleaned up", logutil.SanitizeForLog(c.ID))
}

// parseBody decodes a frame body into v.
func parseBody(f frame.Frame, v any) error {
	if len(f.Body) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(f.Body, v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

// session returns the client's SSH session or answers a no-session error.
func (g *Gateway) session(c *broker.Client) (*sshconn.Session, bool) {
	sess, ok := g.Registry.Get(c.ID)
	if !ok {
		c.SendError("no-session", "no SSH session; open one first")
		return nil, false
	}
	return sess, true
}

// Notifier publishes pipeline output onto the owning session's personal
// queues. Error-level progress, confirmations and results are critical and
// never dropped; routine progress is droppable under backpressure.
type Notifier struct {
	B *broker.Broker
}

func NewNotifier(b *broker.Broker) *Notifier { return &Notifier{B: b} }

func (n *Notifier) Progress(sessionID string, ev orchestrator.ProgressEvent) {
	if ev.Level == pipeline.LevelError || ev.Level == pipeline.LevelSuccess {
		n.B.Send(sessionID, "deployment/progress", ev)
		return
	}
	n.B.TrySend(sessionID, "deployment/progress", ev)
}

func (n *Notifier) Confirmation(sessionID string, req pipeline.ConfirmRequest) {
	n.B.Send(sessionID, "deployment/confirmation", req)
}

func (n *Notifier) Result(sessionID string, res orchestrator.Result) {
	n.B.Send(sessionID, "deployment/result", res)
}

var _ orchestrator.Notifier = (*Notifier)(nil)

// exportReady is the payload announcing a finished export.
type exportReady struct {
	DownloadURL string    `json:"downloadUrl"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"sizeBytes"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
