// Package sshconn manages SSH sessions to remote target machines.
//
// It consolidates three concerns into a single package:
//   - Session (session.go): one authenticated SSH connection per channel
//     session, with command execution, an optional interactive shell, and a
//     lazily opened SFTP subsystem.
//   - Registry (registry.go): the session table keyed by channel session ID,
//     with idle sweeping and lifecycle events.
//
// A Session multiplexes everything over a single TCP connection. Liveness is
// tracked with application-level keepalives; three consecutive misses mark
// the session dead and tear it down.
package sshconn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

const (
	// connectTimeout bounds TCP dial plus SSH handshake.
	connectTimeout = 30 * time.Second

	// keepaliveInterval is how often keepalive requests are sent; a request
	// unanswered within the same interval counts as a miss.
	keepaliveInterval = 30 * time.Second

	// keepaliveMaxMisses is how many consecutive misses mark a session dead.
	keepaliveMaxMisses = 3

	// shellReadBuffer is the read chunk size for interactive shell output.
	shellReadBuffer = 32 * 1024
)

// Terminal window bounds. Requests outside these are clamped.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
	MaxCols     uint16 = 500
	MaxRows     uint16 = 500
)

var (
	ErrSessionClosed = errors.New("ssh session closed")
	ErrNoShell       = errors.New("no interactive shell open")
)

// Params are the credentials and address for one target machine.
type Params struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte // PEM-encoded; used before Password when both are set
	Passphrase string
}

// ExecResult is the outcome of a completed remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is one managed SSH connection to a target machine. All methods are
// safe for concurrent use.
type Session struct {
	ID   string
	Host string
	Port int
	User string

	client *ssh.Client

	mu         sync.Mutex
	shell      *shell
	sftpClient *sftp.Client
	closed     bool
	reason     string
	lastActive time.Time
	onClose    func(s *Session, reason string)

	connectedAt time.Time
	closeOnce   sync.Once
	keepCancel  context.CancelFunc
	done        chan struct{}
}

// Dial connects to a target machine and starts liveness tracking. The whole
// dial (TCP plus handshake) is bounded by connectTimeout and by ctx.
func Dial(ctx context.Context, id string, p Params) (*Session, error) {
	if p.Host == "" {
		return nil, fmt.Errorf("dial: host is empty")
	}
	port := p.Port
	if port == 0 {
		port = 22
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("dial: invalid port %d", port)
	}
	user := p.User
	if user == "" {
		user = "root"
	}

	var methods []ssh.AuthMethod
	if len(p.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if p.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(p.PrivateKey, []byte(p.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(p.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("dial: parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if p.Password != "" {
		methods = append(methods, ssh.Password(p.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("dial: no credentials provided")
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(port))

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, cfg)
	}()

	select {
	case <-ctx.Done():
		go func() {
			<-dialDone
			if client != nil {
				client.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), dialErr)
		}
	}

	now := time.Now()
	s := &Session{
		ID:          id,
		Host:        p.Host,
		Port:        port,
		User:        user,
		client:      client,
		lastActive:  now,
		connectedAt: now,
		done:        make(chan struct{}),
	}
	keepCtx, keepCancel := context.WithCancel(context.Background())
	s.keepCancel = keepCancel
	go s.keepalive(keepCtx)
	go s.watchTransport()

	log.Printf("[ssh] %s: connected to %s as %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(addr), logutil.SanitizeForLog(user))
	return s, nil
}

// Exec runs a command in a fresh exec channel and waits for it to finish.
// A non-zero remote exit status is not an error; it is reported in the
// result. When timeout elapses (or ctx is cancelled) the channel is torn
// down and a timeout error returned.
func (s *Session) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	if s.Closed() {
		return ExecResult{ExitCode: -1}, ErrSessionClosed
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1},
			fmt.Errorf("exec %s: %w", logutil.Truncate(cmd, 80), ctx.Err())
	case runErr := <-done:
		s.Touch()
		res := ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
		if runErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(runErr, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			res.ExitCode = -1
			return res, fmt.Errorf("exec %s: %w", logutil.Truncate(cmd, 80), runErr)
		}
		return res, nil
	}
}

// ExecStream runs a command and delivers its combined stdout and stderr to
// onLine, line by line, as output arrives. It returns the remote exit code.
func (s *Session) ExecStream(ctx context.Context, cmd string, onLine func(line string)) (int, error) {
	if s.Closed() {
		return -1, ErrSessionClosed
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if err := sess.Start(cmd); err != nil {
		pw.Close()
		return -1, fmt.Errorf("start %s: %w", logutil.Truncate(cmd, 80), err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sess.Wait()
		pw.Close()
	}()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-finished:
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.Touch()
		onLine(scanner.Text())
	}

	runErr := <-waitCh
	if ctx.Err() != nil {
		return -1, fmt.Errorf("exec %s: %w", logutil.Truncate(cmd, 80), ctx.Err())
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("exec %s: %w", logutil.Truncate(cmd, 80), runErr)
	}
	return 0, nil
}

// Sftp returns the session's SFTP client, opening the subsystem on first use.
func (s *Session) Sftp() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	s.sftpClient = c
	return c, nil
}

// Touch records activity for idle tracking.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long ago the session last saw activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// ConnectedAt reports when the session was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason reports why the session closed, or "" while it is alive.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed when the session is torn down for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Disconnect tears the session down: shell first, then SFTP, then the
// connection. It is idempotent and never fails.
func (s *Session) Disconnect() { s.closeWith("disconnected by request") }

func (s *Session) setOnClose(fn func(*Session, string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.reason = reason
		sh := s.shell
		s.shell = nil
		sc := s.sftpClient
		s.sftpClient = nil
		cb := s.onClose
		s.mu.Unlock()

		s.keepCancel()
		if sh != nil {
			sh.close()
		}
		if sc != nil {
			if err := sc.Close(); err != nil {
				log.Printf("[ssh] %s: close sftp: %v", logutil.SanitizeForLog(s.ID), err)
			}
		}
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[ssh] %s: close connection: %v", logutil.SanitizeForLog(s.ID), err)
		}
		close(s.done)
		log.Printf("[ssh] %s: closed (%s)", logutil.SanitizeForLog(s.ID), reason)
		if cb != nil {
			cb(s, reason)
		}
	})
}

// keepalive sends periodic keepalive requests; a request that errors or goes
// unanswered for a full interval counts as a miss.
func (s *Session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reply := make(chan error, 1)
			go func() {
				_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
				reply <- err
			}()
			select {
			case <-ctx.Done():
				return
			case err := <-reply:
				if err != nil {
					misses++
				} else {
					misses = 0
				}
			case <-time.After(keepaliveInterval):
				misses++
			}
			if misses >= keepaliveMaxMisses {
				log.Printf("[ssh] %s: %d keepalives missed, marking dead", logutil.SanitizeForLog(s.ID), misses)
				s.closeWith("keepalive failed")
				return
			}
		}
	}
}

// watchTransport tears the session down as soon as the underlying connection
// fails, without waiting for the next keepalive.
func (s *Session) watchTransport() {
	err := s.client.Wait()
	if err != nil {
		s.closeWith(fmt.Sprintf("connection lost: %v", err))
		return
	}
	s.closeWith("connection closed")
}
