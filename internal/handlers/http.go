package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deckhand-sh/deckhand/internal/datasync"
	"github.com/deckhand-sh/deckhand/internal/logging"
)

// Routes mounts the gateway's HTTP surface on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws", g.Broker.ServeWS)
	r.Get("/download/{token}", g.Download)
	r.Get("/health", g.Health)
	r.Get("/debug/logtail", g.LogTail)
}

// Download streams an export artifact. The token is single-use and bound to
// the session that produced the export; ?session= names the caller.
func (g *Gateway) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	session := r.URL.Query().Get("session")

	art, err := g.Data.Resolve(token, session)
	switch {
	case err == nil:
	case errors.Is(err, datasync.ErrExpired):
		http.Error(w, "artifact expired", http.StatusGone)
		return
	case errors.Is(err, datasync.ErrForbidden):
		http.Error(w, "token does not belong to this session", http.StatusUnauthorized)
		return
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(art.Path)
	if err != nil {
		log.Printf("[gateway] open artifact %s: %v", art.ID, err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Filename+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(art.CompressedSize, 10))
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("[gateway] stream artifact %s: %v", art.ID, err)
	}
}

// LogTail returns the last lines of the gateway log file for quick
// inspection without shell access to the host. ?lines= caps at 1000.
func (g *Gateway) LogTail(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "lines must be a positive integer", http.StatusBadRequest)
			return
		}
		lines = n
	}
	if lines > 1000 {
		lines = 1000
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		log.Printf("[gateway] read log tail: %v", err)
		http.Error(w, "log unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, tail)
}

// Health reports liveness plus the gateway's current load.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"clients":     g.Broker.Count(),
		"sessions":    g.Registry.Count(),
		"deployments": g.Orch.RunningCount(),
	})
}
