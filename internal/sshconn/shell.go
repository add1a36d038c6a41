package sshconn

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// shell is a PTY-backed login shell on the remote machine.
type shell struct {
	session   *ssh.Session
	stdin     io.WriteCloser
	stdout    io.Reader
	closeOnce sync.Once
}

func newShell(client *ssh.Client, cols, rows uint16) (*shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shell{session: sess, stdin: stdin, stdout: stdout}, nil
}

func (sh *shell) resize(cols, rows uint16) error {
	return sh.session.WindowChange(int(rows), int(cols))
}

func (sh *shell) close() {
	sh.closeOnce.Do(func() {
		sh.stdin.Close()
		sh.session.Close()
	})
}

// ClampWindow bounds terminal dimensions to the permitted range, applying
// defaults for zero values.
func ClampWindow(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// OpenShell starts the interactive shell for this session, replacing any
// shell already open. Output is delivered to onOutput in chunks of up to
// 32 KiB; onExit fires once when the shell ends, with nil on a clean exit.
func (s *Session) OpenShell(cols, rows uint16, onOutput func(chunk []byte), onExit func(err error)) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	cols, rows = ClampWindow(cols, rows)

	sh, err := newShell(s.client, cols, rows)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sh.close()
		return ErrSessionClosed
	}
	old := s.shell
	s.shell = sh
	s.mu.Unlock()

	if old != nil {
		old.close()
		log.Printf("[ssh] %s: replaced interactive shell", logutil.SanitizeForLog(s.ID))
	}

	go s.pumpShell(sh, onOutput, onExit)
	return nil
}

// WriteShell feeds input bytes to the interactive shell.
func (s *Session) WriteShell(data []byte) error {
	s.mu.Lock()
	sh := s.shell
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if sh == nil {
		return ErrNoShell
	}
	s.Touch()
	if _, err := sh.stdin.Write(data); err != nil {
		return fmt.Errorf("write shell input: %w", err)
	}
	return nil
}

// ResizeShell changes the PTY window size, clamping out-of-range values.
func (s *Session) ResizeShell(cols, rows uint16) error {
	s.mu.Lock()
	sh := s.shell
	s.mu.Unlock()
	if sh == nil {
		return ErrNoShell
	}
	cols, rows = ClampWindow(cols, rows)
	if err := sh.resize(cols, rows); err != nil {
		return fmt.Errorf("resize shell: %w", err)
	}
	return nil
}

// CloseShell shuts the interactive shell, if one is open. The session stays
// usable for exec and SFTP.
func (s *Session) CloseShell() {
	s.mu.Lock()
	sh := s.shell
	s.shell = nil
	s.mu.Unlock()
	if sh != nil {
		sh.close()
	}
}

// HasShell reports whether an interactive shell is currently open.
func (s *Session) HasShell() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell != nil
}

func (s *Session) pumpShell(sh *shell, onOutput func([]byte), onExit func(error)) {
	buf := make([]byte, shellReadBuffer)
	for {
		n, err := sh.stdout.Read(buf)
		if n > 0 {
			s.Touch()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			s.mu.Lock()
			if s.shell == sh {
				s.shell = nil
			}
			s.mu.Unlock()
			sh.close()
			if onExit != nil {
				if errors.Is(err, io.EOF) {
					onExit(nil)
				} else {
					onExit(err)
				}
			}
			return
		}
	}
}
