package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// ConfigureExternalAccess turns on authenticated remote access: it merges
// credentials into the application's config.yaml on the host-mounted data
// path, restarts the container, and publishes the reachable URL.
type ConfigureExternalAccess struct {
	meta
	host string
}

func NewConfigureExternalAccess(host string) *ConfigureExternalAccess {
	return &ConfigureExternalAccess{
		meta: meta{id: "configure_external_access", name: "Configure external access", estimate: 30 * time.Second, gated: true},
		host: host,
	}
}

func (c *ConfigureExternalAccess) Execute(pc *pipeline.Context) pipeline.Result {
	req, ok := pc.DeployRequest()
	if !ok {
		return failWith(c.id, kindConfig, "no deployment request", false)
	}
	os, _ := pc.OSInfo()

	username := req.Username
	if username == "" {
		username = "admin"
	}
	password := req.Password
	if password == "" {
		var err error
		password, err = randomPassword()
		if err != nil {
			return failWith(c.id, kindConfig, fmt.Sprintf("generate password: %v", err), false)
		}
	}

	cfgPath := strings.TrimRight(req.DataPath, "/") + "/config.yaml"
	res, err := run(pc, sudoWrap(os, "cat "+shellQuote(cfgPath)+" 2>/dev/null; true"), probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("read config.yaml: %v", err), true)
	}

	merged, err := mergeAccessConfig([]byte(res.Stdout), username, password)
	if err != nil {
		return failWith(c.id, kindConfig, fmt.Sprintf("merge config.yaml: %v", err), false)
	}

	pc.Progress(pipeline.LevelInfo, "writing access credentials to config.yaml")
	script := backupScript(cfgPath) + " && " + writeFileScript(cfgPath, merged)
	wres, err := run(pc, sudoWrap(os, flockWrap(script)), configTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("write config.yaml: %v", err), true)
	}
	if wres.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "write config.yaml: "+errDetail(wres), false)
	}

	pc.Progress(pipeline.LevelInfo, "restarting container to apply credentials")
	rres, err := run(pc, sudoWrap(os, "docker restart "+shellQuote(req.ContainerName)), configTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("restart container: %v", err), true)
	}
	if rres.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "restart container: "+errDetail(rres), true)
	}

	access := pipeline.ExternalAccess{
		URL:      fmt.Sprintf("http://%s:%d/", c.host, req.Port),
		Username: username,
		Password: password,
	}
	pc.SetExternalAccess(access)
	pc.Progress(pipeline.LevelInfo, "application reachable at "+access.URL+" as "+username)
	return pipeline.Success()
}

// mergeAccessConfig enables listening and basic auth in the application
// config, preserving every other key. An empty or missing file yields a
// minimal config.
func mergeAccessConfig(current []byte, username, password string) ([]byte, error) {
	cfg := map[string]any{}
	if len(strings.TrimSpace(string(current))) > 0 {
		if err := yaml.Unmarshal(current, &cfg); err != nil {
			return nil, fmt.Errorf("parse existing config: %w", err)
		}
	}
	cfg["listen"] = true
	cfg["whitelistMode"] = false
	cfg["basicAuthMode"] = true
	cfg["basicAuthUser"] = map[string]any{"username": username, "password": password}
	return yaml.Marshal(cfg)
}

func randomPassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
