// Package auth validates the optional auth-token presented on CONNECT and
// mints tokens for operators. Tokens are fernet-sealed JSON claims, so the
// gateway needs no session table.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/deckhand-sh/deckhand/internal/crypto"
)

// Role is the privilege level attached to a channel connection.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
	RoleAnonymous Role = "anonymous"
)

// TokenTTL bounds how long a minted token verifies.
const TokenTTL = 24 * time.Hour

var (
	ErrInvalidToken  = errors.New("invalid auth token")
	ErrTokenRequired = errors.New("auth token required")
)

// Identity is the authenticated principal for one connection.
type Identity struct {
	Principal string `json:"principal"`
	Role      Role   `json:"role"`
}

// Admin reports whether the identity may run privileged operations.
func (id Identity) Admin() bool { return id.Role == RoleAdmin }

// Authenticator checks tokens against the gateway key.
type Authenticator struct {
	key            *fernet.Key
	allowAnonymous bool
}

func New(key *fernet.Key, allowAnonymous bool) *Authenticator {
	return &Authenticator{key: key, allowAnonymous: allowAnonymous}
}

// Authenticate resolves a CONNECT token into an identity. An empty token is
// accepted as anonymous when the gateway allows it; a present but invalid or
// expired token is always rejected.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	if token == "" {
		if a.allowAnonymous {
			return Identity{Principal: "anonymous", Role: RoleAnonymous}, nil
		}
		return Identity{}, ErrTokenRequired
	}
	payload, ok := crypto.Open(a.key, token, TokenTTL)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	if id.Role != RoleAdmin && id.Role != RoleUser {
		return Identity{}, fmt.Errorf("%w: role %q", ErrInvalidToken, id.Role)
	}
	if id.Principal == "" {
		return Identity{}, fmt.Errorf("%w: missing principal", ErrInvalidToken)
	}
	return id, nil
}

// Mint seals a token for principal with the given role.
func (a *Authenticator) Mint(principal string, role Role) (string, error) {
	if role != RoleAdmin && role != RoleUser {
		return "", fmt.Errorf("mint token: role %q not mintable", role)
	}
	if principal == "" {
		return "", errors.New("mint token: empty principal")
	}
	payload, err := json.Marshal(Identity{Principal: principal, Role: role})
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return crypto.Seal(a.key, payload)
}
