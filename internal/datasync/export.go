package datasync

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// Emission pacing for byte-count progress.
const (
	minEmitInterval = 100 * time.Millisecond
	maxEmitInterval = time.Second
)

// meter throttles byte-count progress between 1 and 10 Hz.
type meter struct {
	emit  ProgressFunc
	stage string
	total int64
	done  int64
	last  time.Time
}

func newMeter(emit ProgressFunc, stage string, total int64) *meter {
	return &meter{emit: emit, stage: stage, total: total}
}

func (m *meter) add(n int64) {
	m.done += n
	since := time.Since(m.last)
	if since < minEmitInterval {
		return
	}
	m.flush()
}

func (m *meter) flush() {
	if m.emit == nil {
		return
	}
	m.last = time.Now()
	msg := units.HumanSize(float64(m.done)) + " transferred"
	if m.total > 0 {
		msg = fmt.Sprintf("%s of %s transferred", units.HumanSize(float64(m.done)), units.HumanSize(float64(m.total)))
	}
	m.emit(Progress{Stage: m.stage, Message: msg, BytesSent: m.done, Total: m.total})
}

// tick re-emits the current counters when the stream has been quiet for a
// full interval, so the client sees at least one update per second.
func (m *meter) tick() {
	if time.Since(m.last) >= maxEmitInterval {
		m.flush()
	}
}

func emitStage(emit ProgressFunc, stage, message string) {
	if emit != nil {
		emit(Progress{Stage: stage, Message: message})
	}
}

// Export streams the container's data directory into a local zip artifact and
// returns it with a one-time download token attached.
func (s *Service) Export(ctx context.Context, sessionID string, conn Conn, container string, emit ProgressFunc) (*Artifact, error) {
	if err := s.acquire(sessionID); err != nil {
		return nil, err
	}
	defer s.release(sessionID)

	emitStage(emit, "resolve", "locating the data directory for "+container)
	dataPath, err := resolveDataPath(ctx, conn, container)
	if err != nil {
		return nil, err
	}

	client, err := conn.Sftp()
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	rfs := sftpFS{client}

	dir := filepath.Join(s.opts.DataDir, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create exports dir: %w", err)
	}
	id := uuid.NewString()
	localPath := filepath.Join(dir, id+".zip")

	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}

	emitStage(emit, "transfer", "copying "+dataPath)
	m := newMeter(emit, "transfer", 0)
	zw := zip.NewWriter(f)
	files, bytes, err := exportTree(ctx, rfs, dataPath, "data", zw, m)
	if err == nil {
		err = zw.Close()
	} else {
		zw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("export %s: %w", dataPath, err)
	}
	m.flush()

	info, err := os.Stat(localPath)
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	now := time.Now()
	art := &Artifact{
		ID:             id,
		SessionID:      sessionID,
		Filename:       fmt.Sprintf("%s-data-%s.zip", container, now.Format("20060102-150405")),
		Path:           localPath,
		SizeBytes:      bytes,
		CompressedSize: info.Size(),
		Files:          files,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.ExportTTL),
	}
	art.Token, err = s.mintToken(art.ID, sessionID)
	if err != nil {
		os.Remove(localPath)
		return nil, err
	}

	s.mu.Lock()
	s.artifacts[art.ID] = art
	s.mu.Unlock()

	log.Printf("[datasync] session %s exported %d file(s), %s (%s compressed)",
		logutil.SanitizeForLog(sessionID), files, units.HumanSize(float64(bytes)), units.HumanSize(float64(info.Size())))
	emitStage(emit, "ready", fmt.Sprintf("%s ready (%s)", art.Filename, units.HumanSize(float64(info.Size()))))
	return art, nil
}

// exportTree writes the remote directory root into zw under prefix, returning
// file count and uncompressed byte total. Directories are listed in name
// order so archives are reproducible.
func exportTree(ctx context.Context, rfs remoteFS, root, prefix string, zw *zip.Writer, m *meter) (int, int64, error) {
	entries, err := rfs.ReadDir(root)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := 0
	var total int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return files, total, err
		}
		remote := path.Join(root, entry.Name())
		name := prefix + "/" + entry.Name()

		if entry.IsDir() {
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Modified: entry.ModTime()}); err != nil {
				return files, total, fmt.Errorf("archive dir %s: %w", name, err)
			}
			n, b, err := exportTree(ctx, rfs, remote, name, zw, m)
			files += n
			total += b
			if err != nil {
				return files, total, err
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			// symlinks and specials are not data
			continue
		}

		src, err := rfs.Open(remote)
		if err != nil {
			return files, total, fmt.Errorf("open %s: %w", remote, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: entry.ModTime()})
		if err != nil {
			src.Close()
			return files, total, fmt.Errorf("archive %s: %w", name, err)
		}
		n, err := io.Copy(meterWriter{w, m}, ctxReader{ctx, src})
		src.Close()
		if err != nil {
			return files, total, fmt.Errorf("copy %s: %w", remote, err)
		}
		files++
		total += n
		m.tick()
	}
	return files, total, nil
}

// meterWriter counts bytes into the progress meter as they pass through.
type meterWriter struct {
	w io.Writer
	m *meter
}

func (mw meterWriter) Write(p []byte) (int, error) {
	n, err := mw.w.Write(p)
	if n > 0 {
		mw.m.add(int64(n))
	}
	return n, err
}
