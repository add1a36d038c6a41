package handlers

import (
	"encoding/base64"
	"log"

	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// maxInputBytes caps one terminal input frame after base64 decoding.
const maxInputBytes = 64 * 1024

type openRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Credential string `json:"credential"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// params splits the credential into password or private key. PEM material is
// recognizable by its armor header.
func (r openRequest) params() sshconn.Params {
	p := sshconn.Params{Host: r.Host, Port: r.Port, User: r.User}
	if isPrivateKey(r.Credential) {
		p.PrivateKey = []byte(r.Credential)
	} else {
		p.Password = r.Credential
	}
	return p
}

// TerminalOpen allocates the session's SSH connection if needed and attaches
// the interactive shell. A session already holding a shell answers an ERROR
// frame and keeps the existing shell untouched.
func (g *Gateway) TerminalOpen(c *broker.Client, f frame.Frame) {
	var req openRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}

	sess, ok := g.Registry.Get(c.ID)
	if !ok {
		if req.Host == "" || req.User == "" {
			c.SendError("bad-request", "host and user are required to open a session")
			return
		}
		var err error
		sess, err = g.Registry.Connect(c.Ctx(), c.ID, req.params())
		if err != nil {
			log.Printf("[gateway] session %s: ssh connect to %s failed: %v",
				logutil.SanitizeForLog(c.ID), logutil.SanitizeForLog(req.Host), err)
			c.SendError("ssh-connect", "could not connect: "+err.Error())
			return
		}
	}

	if sess.HasShell() {
		c.SendError("shell-exists", "an interactive shell is already open for this session")
		return
	}

	onOutput := func(chunk []byte) {
		g.Broker.TrySend(c.ID, "terminal/output", map[string]string{
			"data": base64.StdEncoding.EncodeToString(chunk),
		})
	}
	onExit := func(err error) {
		if err != nil {
			c.SendError("shell-exit", "shell ended: "+err.Error())
			return
		}
		c.SendError("shell-exit", "shell ended")
	}
	if err := sess.OpenShell(req.Cols, req.Rows, onOutput, onExit); err != nil {
		c.SendError("shell-open", "open shell: "+err.Error())
		return
	}
	log.Printf("[gateway] session %s: shell open on %s", logutil.SanitizeForLog(c.ID), logutil.SanitizeForLog(sess.Host))
}

type inputRequest struct {
	Data string `json:"data"`
}

// TerminalInput writes client keystrokes to the shell's stdin.
func (g *Gateway) TerminalInput(c *broker.Client, f frame.Frame) {
	var req inputRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.SendError("bad-request", "input is not valid base64")
		return
	}
	if len(data) > maxInputBytes {
		c.SendError("bad-request", "input frame too large")
		return
	}

	sess, ok := g.session(c)
	if !ok {
		return
	}
	if err := sess.WriteShell(data); err != nil {
		c.SendError("no-shell", "write to shell: "+err.Error())
	}
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
	// wpx/hpx are accepted from clients but the PTY only honors cells
	Wpx uint16 `json:"wpx"`
	Hpx uint16 `json:"hpx"`
}

// TerminalResize adjusts the PTY window. Dimensions are clamped by the
// session.
func (g *Gateway) TerminalResize(c *broker.Client, f frame.Frame) {
	var req resizeRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}
	sess, ok := g.session(c)
	if !ok {
		return
	}
	if err := sess.ResizeShell(req.Cols, req.Rows); err != nil {
		c.SendError("no-shell", "resize shell: "+err.Error())
	}
}
