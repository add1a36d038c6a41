// Package datasync moves application data between the target machine and the
// gateway: export streams the container's data directory into a local zip
// artifact downloadable with a one-time token, import applies an uploaded
// archive onto the target with snapshot and rollback.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/pkg/sftp"

	"github.com/deckhand-sh/deckhand/internal/crypto"
	"github.com/deckhand-sh/deckhand/internal/logutil"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

var (
	ErrBusy      = errors.New("a transfer is already running for this session")
	ErrNotFound  = errors.New("artifact not found")
	ErrExpired   = errors.New("artifact expired")
	ErrForbidden = errors.New("artifact belongs to another session")

	// ErrBadUpload covers upload names that do not resolve to a staged file.
	ErrBadUpload = errors.New("invalid upload")
	// ErrArchiveStructure covers archives that do not look like exported data.
	ErrArchiveStructure = errors.New("archive structure invalid")
	// ErrTooLarge covers archives over the configured uncompressed ceiling.
	ErrTooLarge = errors.New("archive exceeds the size ceiling")
)

// mountPoint is where the application keeps its data inside the container;
// docker inspect resolves it to the host path.
const mountPoint = "/home/node/app/data"

// Exec timeouts. Transfers themselves are bounded by ctx, not a timeout.
const (
	probeTimeout   = 30 * time.Second
	controlTimeout = 2 * time.Minute
)

// Conn is what a transfer needs from the session: remote command execution
// and an SFTP channel. *sshconn.Session satisfies it.
type Conn interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (sshconn.ExecResult, error)
	Sftp() (*sftp.Client, error)
}

// remoteFS is the slice of SFTP the tree copy code uses.
type remoteFS interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
}

// sftpFS adapts *sftp.Client to remoteFS.
type sftpFS struct{ c *sftp.Client }

func (f sftpFS) ReadDir(path string) ([]os.FileInfo, error) { return f.c.ReadDir(path) }
func (f sftpFS) Open(path string) (io.ReadCloser, error)    { return f.c.Open(path) }
func (f sftpFS) Create(path string) (io.WriteCloser, error) { return f.c.Create(path) }
func (f sftpFS) MkdirAll(path string) error                 { return f.c.MkdirAll(path) }

// Progress is one transfer progress update.
type Progress struct {
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	BytesSent int64  `json:"bytesSent,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

// ProgressFunc receives transfer progress. May be nil.
type ProgressFunc func(Progress)

// Artifact is one export awaiting download.
type Artifact struct {
	ID             string
	SessionID      string
	Filename       string
	Path           string
	SizeBytes      int64
	CompressedSize int64
	Files          int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Token          string

	consumed bool
}

// snapshotRecord remembers a target-side import snapshot due for deletion.
type snapshotRecord struct {
	sessionID   string
	path        string
	deleteAfter time.Time
}

// Options tune the service. Zero values get defaults.
type Options struct {
	DataDir           string
	UploadDir         string
	ExportTTL         time.Duration
	ImportMaxBytes    int64
	SnapshotRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.ExportTTL <= 0 {
		o.ExportTTL = time.Hour
	}
	if o.ImportMaxBytes <= 0 {
		o.ImportMaxBytes = 2 << 30
	}
	if o.SnapshotRetention <= 0 {
		o.SnapshotRetention = 24 * time.Hour
	}
	return o
}

// Service owns export artifacts, download tokens and snapshot bookkeeping.
// At most one transfer runs per session at a time.
type Service struct {
	opts Options
	key  *fernet.Key

	mu        sync.Mutex
	busy      map[string]bool
	artifacts map[string]*Artifact
	snapshots []snapshotRecord
}

func New(opts Options, key *fernet.Key) *Service {
	return &Service{
		opts:      opts.withDefaults(),
		key:       key,
		busy:      make(map[string]bool),
		artifacts: make(map[string]*Artifact),
	}
}

// acquire claims the session's transfer slot.
func (s *Service) acquire(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[sessionID] {
		return ErrBusy
	}
	s.busy[sessionID] = true
	return nil
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.busy, sessionID)
	s.mu.Unlock()
}

// tokenPayload binds a download token to its artifact and owning session.
type tokenPayload struct {
	Artifact string `json:"artifact"`
	Session  string `json:"session"`
}

func (s *Service) mintToken(artifactID, sessionID string) (string, error) {
	payload, err := json.Marshal(tokenPayload{Artifact: artifactID, Session: sessionID})
	if err != nil {
		return "", fmt.Errorf("encode download token: %w", err)
	}
	return crypto.Seal(s.key, payload)
}

// Resolve validates a download token for the requesting session and marks the
// artifact consumed. Tokens are single-use: a second resolve reports the
// artifact expired.
func (s *Service) Resolve(token, sessionID string) (*Artifact, error) {
	payload, ok := crypto.Open(s.key, token, 0)
	if !ok {
		return nil, ErrNotFound
	}
	var tp tokenPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[tp.Artifact]
	if !ok {
		return nil, ErrNotFound
	}
	if tp.Session != art.SessionID || (sessionID != "" && sessionID != art.SessionID) {
		return nil, ErrForbidden
	}
	if art.consumed || time.Now().After(art.ExpiresAt) {
		return nil, ErrExpired
	}
	art.consumed = true
	return art, nil
}

// Artifacts returns the number of registered export artifacts.
func (s *Service) Artifacts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// SweepArtifacts deletes expired and consumed artifacts and their files.
func (s *Service) SweepArtifacts() int {
	now := time.Now()
	s.mu.Lock()
	var doomed []*Artifact
	for id, art := range s.artifacts {
		if art.consumed || now.After(art.ExpiresAt) {
			doomed = append(doomed, art)
			delete(s.artifacts, id)
		}
	}
	s.mu.Unlock()

	for _, art := range doomed {
		if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("[datasync] remove artifact %s: %v", art.ID, err)
		}
	}
	if len(doomed) > 0 {
		log.Printf("[datasync] swept %d export artifact(s)", len(doomed))
	}
	return len(doomed)
}

// rememberSnapshot schedules a target-side snapshot for deletion after the
// retention window.
func (s *Service) rememberSnapshot(sessionID, path string) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshotRecord{
		sessionID:   sessionID,
		path:        path,
		deleteAfter: time.Now().Add(s.opts.SnapshotRetention),
	})
	s.mu.Unlock()
}

// SweepSnapshots deletes due import snapshots on targets whose session is
/// still connected. Records whose session is gone are dropped: the snapshot
// stays on the target, which is the safe side.
func (s *Service) SweepSnapshots(resolve func(sessionID string) (Conn, bool)) int {
	now := time.Now()
	s.mu.Lock()
	var due []snapshotRecord
	kept := s.snapshots[:0]
	for _, rec := range s.snapshots {
		if now.After(rec.deleteAfter) {
			due = append(due, rec)
		} else {
			kept = append(kept, rec)
		}
	}
	s.snapshots = kept
	s.mu.Unlock()

	removed := 0
	for _, rec := range due {
		conn, ok := resolve(rec.sessionID)
		if !ok {
			log.Printf("[datasync] session %s gone, leaving snapshot %s on the target",
				logutil.SanitizeForLog(rec.sessionID), rec.path)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		res, err := conn.Exec(ctx, "rm -rf "+quote(rec.path), controlTimeout)
		cancel()
		if err != nil || res.ExitCode != 0 {
			log.Printf("[datasync] delete snapshot %s: err=%v exit=%d", rec.path, err, res.ExitCode)
			continue
		}
		removed++
	}
	return removed
}

// quote wraps a string in single quotes, escaping embedded single quotes.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// resolveDataPath asks docker where the container's data mount lives on the
// host.
func resolveDataPath(ctx context.Context, conn Conn, container string) (string, error) {
	tmpl := `{{range .Mounts}}{{if eq .Destination "` + mountPoint + `"}}{{.Source}}{{end}}{{end}}`
	cmd := "docker inspect --format " + quote(tmpl) + " " + quote(container)
	res, err := conn.Exec(ctx, cmd, probeTimeout)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", container, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("inspect container %s: exit %d: %s", container, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	path := strings.TrimSpace(res.Stdout)
	if path == "" {
		return "", fmt.Errorf("container %s has no data mount at %s", container, mountPoint)
	}
	return path, nil
}

// ctxReader aborts reads once ctx fires, so a cancelled transfer unblocks
// promptly instead of finishing the file.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
