package datasync

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// importVerifyAttempts paces the post-import container health check.
const (
	importVerifyAttempts = 5
	importVerifyDelay    = 2 * time.Second
)

// Import applies an uploaded archive onto the target's data directory:
// snapshot, stop, staged extract, swap, restart, verify. Any failure after
// the snapshot rolls the data directory back and restarts the container.
func (s *Service) Import(ctx context.Context, sessionID string, conn Conn, uploadName, container string, emit ProgressFunc) error {
	if err := s.acquire(sessionID); err != nil {
		return err
	}
	defer s.release(sessionID)

	if err := validateUploadName(uploadName); err != nil {
		return err
	}
	archivePath := filepath.Join(s.opts.UploadDir, uploadName)

	emitStage(emit, "validate", "checking "+uploadName)
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %s is not a readable zip archive", ErrBadUpload, uploadName)
	}
	defer zr.Close()
	total, err := validateArchive(&zr.Reader, s.opts.ImportMaxBytes)
	if err != nil {
		return err
	}

	dataPath, err := resolveDataPath(ctx, conn, container)
	if err != nil {
		return err
	}

	client, err := conn.Sftp()
	if err != nil {
		return fmt.Errorf("open sftp channel: %w", err)
	}
	rfs := sftpFS{client}

	ts := time.Now().Unix()
	snapshot := fmt.Sprintf("%s.bak.%d", dataPath, ts)
	staging := fmt.Sprintf("%s.staging.%d", dataPath, ts)

	emitStage(emit, "snapshot", "snapshotting "+dataPath)
	if err := s.execOK(ctx, conn, "cp -a "+quote(dataPath)+" "+quote(snapshot)); err != nil {
		return fmt.Errorf("snapshot data directory: %w", err)
	}

	emitStage(emit, "stop", "stopping container "+container)
	if err := s.execOK(ctx, conn, "docker stop "+quote(container)); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}

	emitStage(emit, "upload", fmt.Sprintf("uploading %s of data", units.HumanSize(float64(total))))
	m := newMeter(emit, "upload", total)
	if err := uploadTree(ctx, &zr.Reader, rfs, staging, m); err != nil {
		s.exec(ctx, conn, "rm -rf "+quote(staging))
		s.exec(ctx, conn, "docker start "+quote(container))
		return fmt.Errorf("rollback-applied: extract failed: %w", err)
	}
	m.flush()

	emitStage(emit, "swap", "activating the imported data")
	old := fmt.Sprintf("%s.old.%d", dataPath, ts)
	swap := "mv " + quote(dataPath) + " " + quote(old) +
		" && mv " + quote(staging) + " " + quote(dataPath) +
		" && rm -rf " + quote(old)
	if err := s.execOK(ctx, conn, swap); err != nil {
		s.exec(ctx, conn, "rm -rf "+quote(staging))
		s.exec(ctx, conn, "docker start "+quote(container))
		return fmt.Errorf("rollback-applied: swap failed: %w", err)
	}

	emitStage(emit, "start", "starting container "+container)
	err = s.execOK(ctx, conn, "docker start "+quote(container))
	if err == nil {
		err = s.verifyRunning(ctx, conn, container)
	}
	if err != nil {
		emitStage(emit, "rollback", "container unhealthy, restoring the snapshot")
		s.exec(ctx, conn, "docker stop "+quote(container))
		s.exec(ctx, conn, "rm -rf "+quote(dataPath))
		s.exec(ctx, conn, "cp -a "+quote(snapshot)+" "+quote(dataPath))
		s.exec(ctx, conn, "docker start "+quote(container))
		return fmt.Errorf("rollback-applied: %w", err)
	}

	s.rememberSnapshot(sessionID, snapshot)
	log.Printf("[datasync] session %s imported %s onto %s (%s)",
		logutil.SanitizeForLog(sessionID), uploadName, container, units.HumanSize(float64(total)))
	emitStage(emit, "complete", "import applied")
	return nil
}

// execOK runs a remote command and fails on a non-zero exit.
func (s *Service) execOK(ctx context.Context, conn Conn, cmd string) error {
	res, err := conn.Exec(ctx, cmd, controlTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("exit %d: %s", res.ExitCode, detail)
	}
	return nil
}

// exec is execOK for cleanup paths where the result only gets logged.
func (s *Service) exec(ctx context.Context, conn Conn, cmd string) {
	if err := s.execOK(ctx, conn, cmd); err != nil {
		log.Printf("[datasync] cleanup %q: %v", cmd, err)
	}
}

func (s *Service) verifyRunning(ctx context.Context, conn Conn, container string) error {
	probe := "docker ps --filter name=^" + container + "$ --format '{{.Names}}'"
	var last error
	for attempt := 0; attempt < importVerifyAttempts; attempt++ {
		res, err := conn.Exec(ctx, probe, probeTimeout)
		if err != nil {
			return err
		}
		if strings.TrimSpace(res.Stdout) == container {
			return nil
		}
		last = fmt.Errorf("container %s is not running", container)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(importVerifyDelay):
		}
	}
	return last
}

// validateUploadName rejects names that could escape the upload directory.
func validateUploadName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: bad filename %q", ErrBadUpload, name)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return fmt.Errorf("%w: %q is not a .zip archive", ErrBadUpload, name)
	}
	return nil
}

// validateArchive checks the shape of an import archive: every entry under a
// top-level data/ directory, no escaping paths, uncompressed total under the
// ceiling. Returns the uncompressed total.
func validateArchive(zr *zip.Reader, maxBytes int64) (int64, error) {
	if len(zr.File) == 0 {
		return 0, fmt.Errorf("%w: archive is empty", ErrArchiveStructure)
	}
	var total int64
	sawData := false
	for _, f := range zr.File {
		name := f.Name
		if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
			return 0, fmt.Errorf("%w: entry %q has an absolute or non-portable path", ErrArchiveStructure, name)
		}
		clean := path.Clean(name)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return 0, fmt.Errorf("%w: entry %q escapes the archive root", ErrArchiveStructure, name)
		}
		top, _, _ := strings.Cut(clean, "/")
		if top != "data" {
			return 0, fmt.Errorf("%w: unexpected top-level entry %q, expected data/", ErrArchiveStructure, name)
		}
		if clean != "data" {
			sawData = true
		}
		total += int64(f.UncompressedSize64)
	}
	if !sawData {
		return 0, fmt.Errorf("%w: missing top-level data/ directory", ErrArchiveStructure)
	}
	if maxBytes > 0 && total > maxBytes {
		return 0, fmt.Errorf("%w: %s uncompressed, limit %s", ErrTooLarge,
			units.HumanSize(float64(total)), units.HumanSize(float64(maxBytes)))
	}
	return total, nil
}

// uploadTree extracts the archive's data/ subtree into staging on the target.
func uploadTree(ctx context.Context, zr *zip.Reader, rfs remoteFS, staging string, m *meter) error {
	if err := rfs.MkdirAll(staging); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(path.Clean(f.Name), "data")
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}
		target := staging + "/" + rel

		if f.FileInfo().IsDir() {
			if err := rfs.MkdirAll(target); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if dir := path.Dir(target); dir != staging {
			if err := rfs.MkdirAll(dir); err != nil {
				return fmt.Errorf("create dir %s: %w", dir, err)
			}
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		dst, err := rfs.Create(target)
		if err != nil {
			src.Close()
			return fmt.Errorf("create %s: %w", target, err)
		}
		_, err = io.Copy(meterWriter{dst, m}, ctxReader{ctx, src})
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		m.tick()
	}
	return nil
}
