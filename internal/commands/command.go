// Package commands is the library of pipeline steps: OS and tool probes,
// mirror configuration, Docker installation, and the container deployment
// sequence. Every command drives the target through plain shell fragments
// executed over the session's exec channel; none of them touches the
// interactive shell.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// Per-call exec timeouts. Probes are quick; package installs and image
// pulls get long leashes.
const (
	probeTimeout   = 30 * time.Second
	configTimeout  = 2 * time.Minute
	refreshTimeout = 5 * time.Minute
	installTimeout = 10 * time.Minute
	pullTimeout    = 15 * time.Minute
)

// lockFile serializes configuration writes on the target across concurrent
// operators.
const lockFile = "/var/lock/st-orchestrator.lock"

// backupKeep is how many timestamped backups of a rewritten config file are
// retained on the target.
const backupKeep = 5

// Mirrors carries the regional mirror endpoints commands substitute when the
// target is behind the great firewall.
type Mirrors struct {
	Apt    string // mirror host for apt sources, e.g. mirrors.aliyun.com
	Yum    string // mirror host for yum/dnf repos
	Docker string // registry mirror URL for /etc/docker/daemon.json
}

// meta carries the static description of a command; concrete commands embed
// it and implement Execute.
type meta struct {
	id       string
	name     string
	estimate time.Duration
	gated    bool
}

func (m meta) ID() string                       { return m.id }
func (m meta) DisplayName() string              { return m.name }
func (m meta) EstimatedDuration() time.Duration { return m.estimate }
func (m meta) RequiresConfirmation() bool       { return m.gated }

// run executes one remote command under the pipeline's cancel token.
func run(pc *pipeline.Context, cmd string, timeout time.Duration) (sshconn.ExecResult, error) {
	return pc.Target().Exec(pc.Ctx(), cmd, timeout)
}

// shellQuote wraps a string in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// sudoWrap runs script with root powers: directly for root logins, via
// non-interactive sudo otherwise.
func sudoWrap(os pipeline.OSInfo, script string) string {
	if os.Uid0 {
		return "sh -c " + shellQuote(script)
	}
	return "sudo -n sh -c " + shellQuote(script)
}

// flockWrap serializes script against other configuration writers on the
// same host.
func flockWrap(script string) string {
	return "flock " + lockFile + " -c " + shellQuote(script)
}

// backupScript snapshots path as <path>.bak.<timestamp> and prunes old
// backups beyond backupKeep.
func backupScript(path string) string {
	q := shellQuote(path)
	return fmt.Sprintf("test -f %s && cp %s %s.bak.$(date +%%s); ls -t %s.bak.* 2>/dev/null | tail -n +%d | xargs -r rm --; true",
		q, q, q, q, backupKeep+1)
}

// tail returns the last n characters of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// errDetail picks the most useful fragment of a failed exec for an operator.
func errDetail(res sshconn.ExecResult) string {
	if d := tail(res.Stderr, 200); d != "" {
		return d
	}
	return tail(res.Stdout, 200)
}

// firstLine returns the first line of s, trimmed.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
