// Package pipeline runs ordered command sequences against one target machine.
//
// A Context carries the accumulated facts commands learn about the target
// (OS, location, tool probes) plus the deployment request; the Runner
// executes commands one at a time, translating their results into progress
// events, confirmation gates, retries and a terminal state.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// Execer runs commands on the target machine. *sshconn.Session satisfies it.
type Execer interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (sshconn.ExecResult, error)
	ExecStream(ctx context.Context, cmd string, onLine func(string)) (int, error)
}

// Key names one slot of shared pipeline data.
type Key string

const (
	KeyOSInfo         Key = "OS_INFO"
	KeyLocation       Key = "LOCATION_INFO"
	KeyDockerStatus   Key = "DOCKER_STATUS"
	KeyDeployRequest  Key = "DEPLOYMENT_REQUEST"
	KeyExternalAccess Key = "EXTERNAL_ACCESS"
)

// ToolInstalledKey is the slot for a CheckTool probe result.
func ToolInstalledKey(tool string) Key { return Key(strings.ToUpper(tool) + "_INSTALLED") }

// ToolVersionKey is the slot for a CheckTool version string.
func ToolVersionKey(tool string) Key { return Key(strings.ToUpper(tool) + "_VERSION") }

// OSInfo describes the target operating system. HasRoot means root powers
// are available somehow; Uid0 distinguishes "is root" from "can sudo" so
// later commands know whether to prefix sudo.
type OSInfo struct {
	ID        string `json:"id"`
	VersionID string `json:"versionId"`
	Codename  string `json:"codename,omitempty"`
	PkgMgr    string `json:"pkgMgr"`
	HasRoot   bool   `json:"hasRoot"`
	Uid0      bool   `json:"-"`
	CPUCores  int    `json:"cpuCores"`
	MemMB     int    `json:"memMB"`
	DiskMB    int    `json:"diskMB"`
}

// LocationInfo is the geolocation decision for mirror selection.
type LocationInfo struct {
	CountryCode    string `json:"countryCode"`
	UseChinaMirror bool   `json:"useChinaMirror"`
	Method         string `json:"method"`
}

// DockerStatus is the Docker probe outcome.
type DockerStatus struct {
	Installed      bool   `json:"installed"`
	ServiceRunning bool   `json:"serviceRunning"`
	Version        string `json:"version,omitempty"`
}

// DeployRequest describes the container the caller wants running.
type DeployRequest struct {
	ContainerName string `json:"containerName"`
	Image         string `json:"image"`
	Port          int    `json:"port"`
	DataPath      string `json:"dataPath"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
}

// ExternalAccess is how the operator reaches the deployed app.
type ExternalAccess struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Context is the shared state of one pipeline run. The runner is the only
// writer during execution; commands that fan out internally must funnel
// results back and mutate from the command goroutine.
type Context struct {
	sessionID string
	target    Execer
	ctx       context.Context
	emit      func(ProgressEvent)

	mu     sync.RWMutex
	values map[Key]any

	stage   string
	percent int
}

// NewContext builds the context for one run. ctx is the run's cancel token;
// emit may be nil when no one is listening.
func NewContext(ctx context.Context, sessionID string, target Execer, emit func(ProgressEvent)) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		sessionID: sessionID,
		target:    target,
		ctx:       ctx,
		emit:      emit,
		values:    make(map[Key]any),
	}
}

// SessionID identifies the channel session this run belongs to.
func (c *Context) SessionID() string { return c.sessionID }

// Target is the machine commands execute against.
func (c *Context) Target() Execer { return c.target }

// Ctx is the run's cancel token.
func (c *Context) Ctx() context.Context { return c.ctx }

// Cancelled reports whether the cancel token has fired.
func (c *Context) Cancelled() bool { return c.ctx.Err() != nil }

// Set stores a value under key.
func (c *Context) Set(key Key, v any) {
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
}

// Get returns the raw value under key.
func (c *Context) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) SetOSInfo(v OSInfo) { c.Set(KeyOSInfo, v) }

func (c *Context) OSInfo() (OSInfo, bool) {
	v, ok := c.Get(KeyOSInfo)
	if !ok {
		return OSInfo{}, false
	}
	info, ok := v.(OSInfo)
	return info, ok
}

func (c *Context) SetLocation(v LocationInfo) { c.Set(KeyLocation, v) }

func (c *Context) Location() (LocationInfo, bool) {
	v, ok := c.Get(KeyLocation)
	if !ok {
		return LocationInfo{}, false
	}
	loc, ok := v.(LocationInfo)
	return loc, ok
}

// UseChinaMirror is the mirror decision, false when location is unknown.
func (c *Context) UseChinaMirror() bool {
	loc, ok := c.Location()
	return ok && loc.UseChinaMirror
}

func (c *Context) SetDockerStatus(v DockerStatus) { c.Set(KeyDockerStatus, v) }

func (c *Context) DockerStatus() (DockerStatus, bool) {
	v, ok := c.Get(KeyDockerStatus)
	if !ok {
		return DockerStatus{}, false
	}
	st, ok := v.(DockerStatus)
	return st, ok
}

func (c *Context) SetDeployRequest(v DeployRequest) { c.Set(KeyDeployRequest, v) }

func (c *Context) DeployRequest() (DeployRequest, bool) {
	v, ok := c.Get(KeyDeployRequest)
	if !ok {
		return DeployRequest{}, false
	}
	req, ok := v.(DeployRequest)
	return req, ok
}

func (c *Context) SetExternalAccess(v ExternalAccess) { c.Set(KeyExternalAccess, v) }

func (c *Context) ExternalAccess() (ExternalAccess, bool) {
	v, ok := c.Get(KeyExternalAccess)
	if !ok {
		return ExternalAccess{}, false
	}
	acc, ok := v.(ExternalAccess)
	return acc, ok
}

func (c *Context) SetToolInstalled(tool string, installed bool, version string) {
	c.Set(ToolInstalledKey(tool), installed)
	if version != "" {
		c.Set(ToolVersionKey(tool), version)
	}
}

func (c *Context) ToolInstalled(tool string) (bool, bool) {
	v, ok := c.Get(ToolInstalledKey(tool))
	if !ok {
		return false, false
	}
	installed, ok := v.(bool)
	return installed, ok
}

// setStage records which command is running, so sub-step progress emitted via
// Progress carries the right stage and percent.
func (c *Context) setStage(stage string, percent int) {
	c.mu.Lock()
	c.stage = stage
	c.percent = percent
	c.mu.Unlock()
}

// Progress emits a sub-step progress event for the running command.
func (c *Context) Progress(level Level, message string) {
	if c.emit == nil {
		return
	}
	c.mu.RLock()
	ev := ProgressEvent{Stage: c.stage, Percent: c.percent, Level: level, Message: message}
	c.mu.RUnlock()
	c.emit(ev)
}
