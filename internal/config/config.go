// Package config loads gateway settings from the environment.
//
// Every key is optional and has a default suitable for a single-node
// deployment. Keys are read without a prefix so operators can set e.g.
// GATEWAY_LISTEN=:9090 directly.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// GatewayListen is the HTTP listen address for /ws, /download and /health.
	GatewayListen string `envconfig:"GATEWAY_LISTEN" default:":8080"`

	// FrameMaxBytes bounds a single channel frame, text or binary.
	FrameMaxBytes int64 `envconfig:"FRAME_MAX_BYTES" default:"2097152"`
	// InboundQueue bounds frames queued between the decoder and the worker pool.
	InboundQueue int `envconfig:"INBOUND_QUEUE" default:"1000"`
	// WriterQueue bounds frames buffered per client channel.
	WriterQueue int `envconfig:"WRITER_QUEUE" default:"256"`
	// WorkerPoolMin and WorkerPoolMax bound the handler dispatch pool.
	WorkerPoolMin int `envconfig:"WORKER_POOL_MIN" default:"4"`
	WorkerPoolMax int `envconfig:"WORKER_POOL_MAX" default:"8"`

	// HeartbeatInterval is how often the broker sends HEARTBEAT frames. A
	// channel with no inbound frame for twice this interval is declared dead.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`

	// SessionIdleTTL evicts SSH sessions with no byte I/O and no pipeline
	// activity for this long.
	SessionIdleTTL time.Duration `envconfig:"SESSION_IDLE_TTL" default:"30m"`
	// ExportTTL is the lifetime of export artifacts awaiting download.
	ExportTTL time.Duration `envconfig:"EXPORT_TTL" default:"1h"`
	// ConfirmTTL auto-cancels a pipeline stuck waiting for user confirmation.
	ConfirmTTL time.Duration `envconfig:"CONFIRM_TTL" default:"10m"`
	// SnapshotRetention keeps target-side import snapshots before the sweeper
	// deletes them.
	SnapshotRetention time.Duration `envconfig:"SNAPSHOT_RETENTION" default:"24h"`

	// GeoEndpoints are IP geolocation services tried in order; "{host}" is
	// substituted with the target address.
	GeoEndpoints []string `envconfig:"GEO_ENDPOINTS" default:"http://ip-api.com/json/{host},https://ipinfo.io/{host}/json,https://ifconfig.co/json?ip={host}"`

	// Mirror hosts used when the target is located in China.
	DockerMirrorCN string `envconfig:"DOCKER_MIRROR_CN" default:"https://docker.m.daocloud.io"`
	AptMirrorCN    string `envconfig:"APT_MIRROR_CN" default:"mirrors.aliyun.com"`
	YumMirrorCN    string `envconfig:"YUM_MIRROR_CN" default:"mirrors.aliyun.com"`

	// DataDir holds the fernet key, export artifacts and the log file.
	DataDir string `envconfig:"DATA_DIR" default:"/var/lib/deckhand"`
	// UploadDir is where the upload collaborator stages import archives.
	// Empty means <DataDir>/uploads.
	UploadDir string `envconfig:"UPLOAD_DIR" default:""`
	// LogPath overrides the log file location. Empty means <DataDir>/deckhand.log.
	LogPath string `envconfig:"LOG_PATH" default:""`

	// AuthKey is a base64 fernet key shared with the token issuer. Empty means
	// a key is generated and persisted under DataDir on first start.
	AuthKey string `envconfig:"AUTH_KEY" default:""`
	// AllowAnonymous admits user-role clients without a token.
	AllowAnonymous bool `envconfig:"ALLOW_ANONYMOUS" default:"true"`

	// ImportMaxBytes caps the uncompressed size of an import archive.
	ImportMaxBytes int64 `envconfig:"IMPORT_MAX_BYTES" default:"2147483648"`

	// Defaults for data export when the session has not deployed in this
	// connection: which container and service port to address.
	DefaultContainer string `envconfig:"DEFAULT_CONTAINER" default:"sillytavern"`
	DefaultImage     string `envconfig:"DEFAULT_IMAGE" default:"ghcr.io/sillytavern/sillytavern:latest"`
	DefaultAppPort   int    `envconfig:"DEFAULT_APP_PORT" default:"8000"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.UploadDir == "" {
		Cfg.UploadDir = Cfg.DataDir + "/uploads"
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = Cfg.DataDir + "/deckhand.log"
	}
}
