package sshconn

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const testPassword = "secret"

// testServer is a minimal in-process SSH server with exec, shell and sftp
// support, enough to exercise Session end to end.
type testServer struct {
	t      *testing.T
	host   string
	port   int
	keyPEM []byte

	ln    net.Listener
	exec  func(cmd string) (stdout, stderr string, exit int)
	mu    sync.Mutex
	conns []net.Conn
}

func defaultExec(cmd string) (string, string, int) {
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return rest + "\n", "", 0
	}
	return "", "command not found: " + cmd + "\n", 127
}

func startServer(t *testing.T, exec func(string) (string, string, int)) *testServer {
	t.Helper()
	if exec == nil {
		exec = defaultExec
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	pemBlock, err := gossh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if string(pass) == testPassword {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ts := &testServer{
		t:      t,
		host:   host,
		port:   port,
		keyPEM: pem.EncodeToMemory(pemBlock),
		ln:     ln,
		exec:   exec,
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns = append(ts.conns, conn)
			ts.mu.Unlock()
			go ts.serveConn(conn, cfg)
		}
	}()

	t.Cleanup(ts.kill)
	return ts
}

func (ts *testServer) params() Params {
	return Params{Host: ts.host, Port: ts.port, User: "root", Password: testPassword}
}

// kill closes the listener and every accepted connection, simulating the
// target machine dropping off the network.
func (ts *testServer) kill() {
	ts.ln.Close()
	ts.mu.Lock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
	ts.mu.Unlock()
}

func (ts *testServer) serveConn(conn net.Conn, cfg *gossh.ServerConfig) {
	defer conn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	// Answer keepalives.
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ts.serveSession(ch, requests)
	}
}

func (ts *testServer) serveSession(ch gossh.Channel, requests <-chan *gossh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			gossh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			go func() {
				stdout, stderr, exit := ts.exec(payload.Command)
				io.WriteString(ch, stdout)
				io.WriteString(ch.Stderr(), stderr)
				ch.SendRequest("exit-status", false, gossh.Marshal(&struct{ Status uint32 }{uint32(exit)}))
				ch.Close()
			}()
		case "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch) // echo until stdin EOF
				ch.SendRequest("exit-status", false, gossh.Marshal(&struct{ Status uint32 }{0}))
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			gossh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				ch.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
