package handlers

import (
	"errors"
	"log"

	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/datasync"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/logutil"
)

type exportRequest struct {
	ContainerName string `json:"containerName"`
}

// DataExport streams the container's data directory into a downloadable
// artifact. The handler blocks its worker for the duration of the transfer;
// a disconnecting client cancels it through the channel context.
func (g *Gateway) DataExport(c *broker.Client, f frame.Frame) {
	var req exportRequest
	if len(f.Body) > 0 {
		if err := parseBody(f, &req); err != nil {
			c.SendError("bad-request", err.Error())
			return
		}
	}
	container := req.ContainerName
	if container == "" {
		container = g.Defaults.Container
	}

	sess, ok := g.session(c)
	if !ok {
		return
	}

	emit := func(p datasync.Progress) {
		g.Broker.TrySend(c.ID, "data/export-progress", p)
	}
	art, err := g.Data.Export(c.Ctx(), c.ID, sess, container, emit)
	if err != nil {
		if errors.Is(err, datasync.ErrBusy) {
			c.SendError("busy", err.Error())
			return
		}
		log.Printf("[gateway] session %s: export failed: %v", logutil.SanitizeForLog(c.ID), err)
		c.SendError("export-failed", err.Error())
		return
	}

	g.Broker.Send(c.ID, "data/export-ready", exportReady{
		DownloadURL: "/download/" + art.Token + "?session=" + c.ID,
		Filename:    art.Filename,
		SizeBytes:   art.CompressedSize,
		ExpiresAt:   art.ExpiresAt,
	})
}

type importRequest struct {
	UploadedFileName string `json:"uploadedFileName"`
	ContainerName    string `json:"containerName"`
}

// DataImport applies an uploaded archive onto the target. The operation
// overwrites remote data, so only admin clients may invoke it.
func (g *Gateway) DataImport(c *broker.Client, f frame.Frame) {
	if !c.Identity().Admin() {
		c.SendError("forbidden", "data import requires an admin token")
		return
	}
	var req importRequest
	if err := parseBody(f, &req); err != nil {
		c.SendError("bad-request", err.Error())
		return
	}
	container := req.ContainerName
	if container == "" {
		container = g.Defaults.Container
	}

	sess, ok := g.session(c)
	if !ok {
		return
	}

	emit := func(p datasync.Progress) {
		g.Broker.Send(c.ID, "data/import-progress", p)
	}
	if err := g.Data.Import(c.Ctx(), c.ID, sess, req.UploadedFileName, container, emit); err != nil {
		log.Printf("[gateway] session %s: import failed: %v", logutil.SanitizeForLog(c.ID), err)
		g.Broker.Send(c.ID, "data/import-progress", datasync.Progress{Stage: "error", Message: err.Error()})
		switch {
		case errors.Is(err, datasync.ErrBusy):
			c.SendError("busy", err.Error())
		case errors.Is(err, datasync.ErrArchiveStructure),
			errors.Is(err, datasync.ErrTooLarge),
			errors.Is(err, datasync.ErrBadUpload):
			c.SendError("data-error", err.Error())
		default:
			c.SendError("import-failed", err.Error())
		}
	}
}
