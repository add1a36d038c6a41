package commands

import "github.com/deckhand-sh/deckhand/internal/pipeline"

// errorKind classifies a failure for the advice table.
type errorKind string

const (
	kindConfig     errorKind = "config"
	kindTransport  errorKind = "transport"
	kindRemoteExec errorKind = "remote-exec"
	kindTimeout    errorKind = "timeout"
	kindUnsupportd errorKind = "unsupported"
	kindPrivilege  errorKind = "privilege"
)

// advice maps (command id, error kind) to the suggested next step appended
// to every failure message. Unlisted pairs fall back to the per-kind default.
var advice = map[string]string{
	"detect_os/unsupported":            "connect to a supported distribution (Ubuntu, Debian, CentOS, RHEL, Rocky, Alma, Fedora, Arch, Manjaro, Alpine)",
	"detect_os/remote-exec":            "check that /etc/os-release exists and is readable on the target",
	"install_docker/privilege":         "log in as root or grant the user passwordless sudo, then retry",
	"install_docker/remote-exec":       "inspect the named sub-step output above, fix the package source, and re-run in confirmation mode",
	"install_docker/timeout":           "the package install exceeded its window; check network speed to the package mirror and retry",
	"configure_system_mirrors/privilege": "log in as root or grant passwordless sudo; mirror files live under /etc",
	"configure_docker_mirror/privilege":  "log in as root or grant passwordless sudo; /etc/docker/daemon.json is root-owned",
	"pull_image/remote-exec":           "verify the image reference exists and the registry (or its mirror) is reachable from the target",
	"pull_image/timeout":               "the pull exceeded 15 minutes; configure a registry mirror or pick a smaller image",
	"create_container/remote-exec":     "remove the conflicting container or free the host port, then re-run deploy",
	"verify/remote-exec":               "inspect `docker logs` for the container and confirm the app listens on its port",
	"configure_external_access/remote-exec": "check that the data path is writable and the container can restart",
}

var kindDefaults = map[errorKind]string{
	kindConfig:     "fix the request parameters and start a new pipeline",
	kindTransport:  "reconnect the session and retry",
	kindRemoteExec: "inspect the command output on the target and retry",
	kindTimeout:    "retry once the target is responsive",
	kindUnsupportd: "use a supported target platform",
	kindPrivilege:  "grant root privileges on the target",
}

// failWith builds a Failure whose message ends with the suggested next step.
func failWith(cmdID string, kind errorKind, reason string, retryable bool) pipeline.Result {
	next, ok := advice[cmdID+"/"+string(kind)]
	if !ok {
		next = kindDefaults[kind]
	}
	return pipeline.Fail(reason+"; next: "+next, retryable)
}
