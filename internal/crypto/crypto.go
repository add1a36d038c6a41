// Package crypto manages the gateway's fernet key and token operations.
//
// One key signs both the auth tokens consumed by the CONNECT interceptor and
// the one-time download tokens for export artifacts. The key is either
// supplied via AUTH_KEY (shared with an external token issuer) or generated on
// first start and persisted under the data dir with mode 0600.
package crypto

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

const keyFile = "fernet.key"

// EnsureKey returns the gateway fernet key. A non-empty encoded key takes
// precedence; otherwise the key is loaded from dir, or generated and saved
// there on first start.
func EnsureKey(dir, encoded string) (*fernet.Key, error) {
	if encoded != "" {
		key, err := fernet.DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode AUTH_KEY: %w", err)
		}
		return key, nil
	}

	path := filepath.Join(dir, keyFile)
	if data, err := os.ReadFile(path); err == nil {
		key, err := fernet.DecodeKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var key fernet.Key
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Encode()), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	log.Printf("[crypto] fernet key generated and saved to %s", path)
	return &key, nil
}

// Seal encrypts and signs payload into a fernet token.
func Seal(key *fernet.Key, payload []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(payload, key)
	if err != nil {
		return "", fmt.Errorf("seal token: %w", err)
	}
	return string(tok), nil
}

// Open verifies a fernet token and returns its payload. Tokens older than ttl
// are rejected; ttl <= 0 disables the age check. Returns false for any
// malformed, forged or expired token.
func Open(key *fernet.Key, token string, ttl time.Duration) ([]byte, bool) {
	if token == "" {
		return nil, false
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, []*fernet.Key{key})
	if msg == nil {
		return nil, false
	}
	return msg, true
}

// Mask hides all but the last four characters of a secret for logging.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
