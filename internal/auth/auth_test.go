package auth

import (
	"errors"
	"testing"

	"github.com/fernet/fernet-go"
)

func testKey(t *testing.T) *fernet.Key {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &k
}

func TestMintAuthenticateRoundTrip(t *testing.T) {
	a := New(testKey(t), false)
	for _, role := range []Role{RoleAdmin, RoleUser} {
		tok, err := a.Mint("ops", role)
		if err != nil {
			t.Fatalf("mint %s: %v", role, err)
		}
		id, err := a.Authenticate(tok)
		if err != nil {
			t.Fatalf("authenticate %s: %v", role, err)
		}
		if id.Principal != "ops" || id.Role != role {
			t.Errorf("identity = %+v, want ops/%s", id, role)
		}
	}
}

func TestAuthenticateEmptyToken(t *testing.T) {
	open := New(testKey(t), true)
	id, err := open.Authenticate("")
	if err != nil {
		t.Fatalf("anonymous allowed: %v", err)
	}
	if id.Role != RoleAnonymous || id.Admin() {
		t.Errorf("identity = %+v, want anonymous", id)
	}

	closed := New(testKey(t), false)
	if _, err := closed.Authenticate(""); !errors.Is(err, ErrTokenRequired) {
		t.Errorf("err = %v, want ErrTokenRequired", err)
	}
}

func TestAuthenticateRejectsForeignToken(t *testing.T) {
	minter := New(testKey(t), true)
	tok, err := minter.Mint("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	other := New(testKey(t), true)
	if _, err := other.Authenticate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign key err = %v, want ErrInvalidToken", err)
	}
	if _, err := other.Authenticate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage err = %v, want ErrInvalidToken", err)
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	a := New(testKey(t), false)
	if _, err := a.Mint("ops", RoleAnonymous); err == nil {
		t.Error("minting anonymous role should fail")
	}
	if _, err := a.Mint("", RoleUser); err == nil {
		t.Error("minting empty principal should fail")
	}
}
