package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
	"github.com/deckhand-sh/deckhand/internal/orchestrator"
	"github.com/deckhand-sh/deckhand/internal/pipeline"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// deployParams is the request block of a deployment/start frame. SSH fields
// are used only when the session has no SSH connection yet; sshPort defaults
// to 22.
type deployParams struct {
	Host       string `json:"host"`
	SSHPort    int    `json:"sshPort"`
	User       string `json:"user"`
	Credential string `json:"credential"`

	ContainerName string `json:"containerName"`
	Image         string `json:"image"`
	Port          int    `json:"port"`
	DataPath      string `json:"dataPath"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

type startRequest struct {
	TaskName string       `json:"taskName"`
	Mode     string       `json:"mode"`
	Request  deployParams `json:"request"`
}

// DeploymentStart launches a pipeline for the session, dialing SSH first when
// the session has no connection yet.
func (g *Gateway) DeploymentStart(c *broker.Client, f frame.Frame) {
	var req startRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}
	if req.TaskName == "" {
		c.SendError("bad-request", "taskName is required")
		return
	}

	sess, ok := g.Registry.Get(c.ID)
	if !ok {
		if req.Request.Host == "" || req.Request.User == "" {
			c.SendError("no-session", "no SSH session; supply host, user and credential")
			return
		}
		params := sshconn.Params{
			Host: req.Request.Host,
			Port: req.Request.SSHPort,
			User: req.Request.User,
		}
		if isPrivateKey(req.Request.Credential) {
			params.PrivateKey = []byte(req.Request.Credential)
		} else {
			params.Password = req.Request.Credential
		}
		var err error
		sess, err = g.Registry.Connect(c.Ctx(), c.ID, params)
		if err != nil {
			c.SendError("ssh-connect", "could not connect: "+err.Error())
			return
		}
	}

	dep := pipeline.DeployRequest{
		ContainerName: req.Request.ContainerName,
		Image:         req.Request.Image,
		Port:          req.Request.Port,
		DataPath:      req.Request.DataPath,
		Username:      req.Request.Username,
		Password:      req.Request.Password,
	}
	if dep.ContainerName == "" {
		dep.ContainerName = g.Defaults.Container
	}
	if dep.Image == "" {
		dep.Image = g.Defaults.Image
	}
	if dep.Port == 0 {
		dep.Port = g.Defaults.AppPort
	}
	if dep.DataPath == "" {
		dep.DataPath = "/opt/" + dep.ContainerName + "/data"
	}

	err := g.Orch.Start(c.ID, sess.Host, sess, req.TaskName, dep, pipeline.Mode(req.Mode))
	switch {
	case err == nil:
		log.Printf("[gateway] session %s: task %q started", logutil.SanitizeForLog(c.ID), req.TaskName)
	case errors.Is(err, orchestrator.ErrBusy):
		c.SendError("busy", err.Error())
	case errors.Is(err, orchestrator.ErrUnknownTask):
		c.SendError("unknown-task", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		c.SendError("invalid-request", err.Error())
	default:
		c.SendError("internal", err.Error())
	}
}

func isPrivateKey(credential string) bool {
	return strings.Contains(credential, "-----BEGIN")
}

type confirmRequest struct {
	StepID string `json:"stepId"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// DeploymentConfirm resolves a pending confirmation for the session.
func (g *Gateway) DeploymentConfirm(c *broker.Client, f frame.Frame) {
	var req confirmRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}
	if req.StepID == "" || req.Action == "" {
		c.SendError("bad-request", "stepId and action are required")
		return
	}
	g.Orch.HandleConfirmation(c.ID, req.StepID, req.Action, req.Reason)
}

// DeploymentCancel aborts the session's active pipeline. Safe when nothing
// runs.
func (g *Gateway) DeploymentCancel(c *broker.Client, f frame.Frame) {
	g.Orch.Cancel(c.ID)
}
