package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/deckhand-sh/deckhand/internal/auth"
	"github.com/deckhand-sh/deckhand/internal/broker"
	"github.com/deckhand-sh/deckhand/internal/datasync"
	"github.com/deckhand-sh/deckhand/internal/frame"
	"github.com/deckhand-sh/deckhand/internal/orchestrator"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// fakeData resolves download tokens from a fixed table; transfer methods are
// never reached in these tests.
type fakeData struct {
	artifacts map[string]*datasync.Artifact
	errs      map[string]error
}

func (d *fakeData) Export(ctx context.Context, sessionID string, conn datasync.Conn, container string, emit datasync.ProgressFunc) (*datasync.Artifact, error) {
	return nil, errors.New("export not wired in this test")
}

func (d *fakeData) Import(ctx context.Context, sessionID string, conn datasync.Conn, uploadName, container string, emit datasync.ProgressFunc) error {
	return errors.New("import not wired in this test")
}

func (d *fakeData) Resolve(token, sessionID string) (*datasync.Artifact, error) {
	if err, ok := d.errs[token]; ok {
		return nil, err
	}
	if art, ok := d.artifacts[token]; ok {
		return art, nil
	}
	return nil, datasync.ErrNotFound
}

type nullGeo struct{}

func (nullGeo) Lookup(ctx context.Context, host string) (string, string, error) {
	return "", "", errors.New("no geo in tests")
}

func testAuth(token string) (auth.Identity, error) {
	if token == "admin" {
		return auth.Identity{Principal: "root", Role: auth.RoleAdmin}, nil
	}
	return auth.Identity{Principal: "anonymous", Role: auth.RoleAnonymous}, nil
}

func startGateway(t *testing.T, data DataService) (*Gateway, string) {
	t.Helper()
	b := broker.New(broker.Options{}, testAuth)
	reg := sshconn.NewRegistry()
	orch := orchestrator.New(orchestrator.Config{}, nullGeo{}, NewNotifier(b))
	g := New(b, reg, orch, data, Defaults{Container: "sillytavern", Image: "ghcr.io/sillytavern/sillytavern:latest", AppPort: 8000})
	g.Register()

	r := chi.NewRouter()
	g.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		b.Stop()
		srv.Close()
	})
	return g, srv.URL
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
	id   string
}

func dialWS(t *testing.T, baseURL, token string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	c := &wsClient{t: t, conn: conn, ctx: ctx}

	headers := map[string]string{}
	if token != "" {
		headers[frame.HdrAuthToken] = token
	}
	c.send(frame.New(frame.CONNECT, headers, nil))
	reply := c.recv()
	if reply.Command != frame.CONNECTED {
		t.Fatalf("handshake reply = %v", reply.Command)
	}
	c.id = reply.Header(frame.HdrSession)
	return c
}

func (c *wsClient) send(f frame.Frame) {
	c.t.Helper()
	if err := c.conn.Write(c.ctx, websocket.MessageText, f.Encode()); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) sendOp(op string, body string) {
	c.t.Helper()
	c.send(frame.New(frame.SEND, map[string]string{frame.HdrDestination: "/app/" + op}, []byte(body)))
}

func (c *wsClient) recv() frame.Frame {
	c.t.Helper()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.t.Fatalf("read frame: %v", err)
		}
		f, err := frame.Decode(data, 0)
		if err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if f.Command != frame.HEARTBEAT {
			return f
		}
	}
}

func (c *wsClient) expectError(code string) frame.Frame {
	c.t.Helper()
	f := c.recv()
	if f.Command != frame.ERROR {
		c.t.Fatalf("reply = %v, want ERROR", f.Command)
	}
	if got := f.Header("code"); got != code {
		c.t.Fatalf("error code = %q, want %q (message %q)", got, code, f.Header(frame.HdrMessage))
	}
	return f
}

func TestHealthEndpoint(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestLogTail(t *testing.T) {
	_, base := startGateway(t, &fakeData{})

	resp, err := http.Get(base + "/debug/logtail")
	if err != nil {
		t.Fatalf("get logtail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/debug/logtail?lines=bogus")
	if err != nil {
		t.Fatalf("get logtail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad lines param: status = %d", resp.StatusCode)
	}
}

func TestDownloadStates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "art.zip")
	if err := os.WriteFile(path, []byte("zip-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	data := &fakeData{
		artifacts: map[string]*datasync.Artifact{
			"good": {ID: "a1", Filename: "sillytavern-data.zip", Path: path, CompressedSize: 9},
		},
		errs: map[string]error{
			"gone":  datasync.ErrExpired,
			"alien": datasync.ErrForbidden,
		},
	}
	_, base := startGateway(t, data)

	cases := []struct {
		token string
		code  int
	}{
		{"good", http.StatusOK},
		{"gone", http.StatusGone},
		{"alien", http.StatusUnauthorized},
		{"missing", http.StatusNotFound},
	}
	for _, c := range cases {
		resp, err := http.Get(base + "/download/" + c.token)
		if err != nil {
			t.Fatalf("get %s: %v", c.token, err)
		}
		if resp.StatusCode != c.code {
			t.Errorf("token %s: status = %d, want %d", c.token, resp.StatusCode, c.code)
		}
		if c.code == http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "zip-bytes" {
				t.Errorf("body = %q", body)
			}
			if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "sillytavern-data.zip") {
				t.Errorf("content-disposition = %q", cd)
			}
		}
		resp.Body.Close()
	}
}

func TestTerminalInputWithoutSession(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("terminal/input", `{"data":"`+base64.StdEncoding.EncodeToString([]byte("ls\n"))+`"}`)
	c.expectError("no-session")
}

func TestTerminalInputTooLarge(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	huge := base64.StdEncoding.EncodeToString(make([]byte, maxInputBytes+1))
	c.sendOp("terminal/input", `{"data":"`+huge+`"}`)
	c.expectError("bad-request")
}

func TestTerminalInputBadBase64(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("terminal/input", `{"data":"not base64!!"}`)
	c.expectError("bad-request")
}

func TestTerminalOpenRequiresHost(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("terminal/open", `{"user":"root"}`)
	c.expectError("bad-request")
}

func TestTerminalResizeWithoutSession(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("terminal/resize", `{"cols":120,"rows":40}`)
	c.expectError("no-session")
}

func TestDeploymentStartWithoutSessionOrCreds(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("deployment/start", `{"taskName":"deploy"}`)
	c.expectError("no-session")
}

func TestDeploymentStartRequiresTask(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("deployment/start", `{"mode":"trust"}`)
	c.expectError("bad-request")
}

func TestDeploymentConfirmValidation(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("deployment/confirm", `{"action":"confirm"}`)
	c.expectError("bad-request")
}

func TestDataExportWithoutSession(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("data/export", `{}`)
	c.expectError("no-session")
}

func TestDataImportRequiresAdmin(t *testing.T) {
	_, base := startGateway(t, &fakeData{})

	anon := dialWS(t, base, "")
	anon.sendOp("data/import", `{"uploadedFileName":"backup.zip"}`)
	anon.expectError("forbidden")

	// An admin passes the gate and fails later, on the missing SSH session.
	admin := dialWS(t, base, "admin")
	admin.sendOp("data/import", `{"uploadedFileName":"backup.zip"}`)
	admin.expectError("no-session")
}

func TestDeploymentCancelIdle(t *testing.T) {
	_, base := startGateway(t, &fakeData{})
	c := dialWS(t, base, "")
	c.sendOp("deployment/cancel", `{}`)

	// The gateway must stay healthy; a follow-up request still routes.
	c.sendOp("deployment/confirm", `{"action":"x"}`)
	c.expectError("bad-request")
}
