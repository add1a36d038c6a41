// Package frame implements the channel wire format between browser clients
// and the gateway.
//
// A frame is a command line, zero or more header lines, a blank line, the
// body, and a NUL terminator:
//
//	COMMAND LF
//	header-name ":" header-value LF
//	LF
//	body-bytes NUL
//
// Header names are case-insensitive and stored lowercase; on duplicates the
// first value wins. The content-length header is framing metadata owned by
// the codec: Encode emits it for non-empty bodies and Decode consumes it, so
// it never appears in Frame.Headers.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Command is the frame verb.
type Command string

const (
	CONNECT     Command = "CONNECT"
	CONNECTED   Command = "CONNECTED"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	SEND        Command = "SEND"
	MESSAGE     Command = "MESSAGE"
	DISCONNECT  Command = "DISCONNECT"
	ERROR       Command = "ERROR"
	HEARTBEAT   Command = "HEARTBEAT"
)

var commands = map[Command]bool{
	CONNECT: true, CONNECTED: true, SUBSCRIBE: true, UNSUBSCRIBE: true,
	SEND: true, MESSAGE: true, DISCONNECT: true, ERROR: true, HEARTBEAT: true,
}

// Valid reports whether c is a recognized frame command.
func (c Command) Valid() bool { return commands[c] }

// DefaultMaxBytes is the default bound on a whole encoded frame.
const DefaultMaxBytes = 2 * 1024 * 1024

// contentLength is reserved for the codec.
const contentLength = "content-length"

var (
	// ErrTooLarge means the encoded frame exceeds the configured bound.
	ErrTooLarge = errors.New("frame too large")
	// ErrMalformed means the bytes do not parse as a frame.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownCommand means the command line is not in the closed command set.
	ErrUnknownCommand = errors.New("unknown frame command")
	// ErrContentLength means the content-length header disagrees with the body.
	ErrContentLength = errors.New("content-length mismatch")
)

// Frame is one decoded channel message.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    []byte
}

// New builds a frame with canonicalized (lowercase) header names.
func New(cmd Command, headers map[string]string, body []byte) Frame {
	f := Frame{Command: cmd, Body: body}
	if len(headers) > 0 {
		f.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			f.Headers[strings.ToLower(k)] = v
		}
	}
	return f
}

// Header returns the value for a case-insensitive header name, or "".
func (f Frame) Header(name string) string {
	return f.Headers[strings.ToLower(name)]
}

// Heartbeat is the empty keep-alive frame.
func Heartbeat() Frame { return Frame{Command: HEARTBEAT} }

// Encode serializes the frame. Headers are emitted in sorted order so
// encoding is deterministic; a caller-set content-length header is ignored.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')

	names := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if strings.ToLower(k) == contentLength {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		buf.WriteString(strings.ToLower(k))
		buf.WriteByte(':')
		buf.WriteString(f.Headers[k])
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(contentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Decode parses one frame from data. max bounds the whole encoded frame;
// max <= 0 means DefaultMaxBytes.
func Decode(data []byte, max int64) (Frame, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if int64(len(data)) > max {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), max)
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return Frame{}, fmt.Errorf("%w: missing command line", ErrMalformed)
	}
	cmd := Command(strings.TrimRight(string(data[:nl]), "\r"))
	if !cmd.Valid() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd))
	}
	rest := data[nl+1:]

	f := Frame{Command: cmd}
	bodyLen := -1
	for {
		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return Frame{}, fmt.Errorf("%w: unterminated headers", ErrMalformed)
		}
		line := strings.TrimRight(string(rest[:nl]), "\r")
		rest = rest[nl+1:]
		if line == "" {
			break // end of headers
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return Frame{}, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		if name == contentLength {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformed, value)
			}
			if bodyLen == -1 {
				bodyLen = n
			}
			continue
		}
		if f.Headers == nil {
			f.Headers = make(map[string]string)
		}
		if _, dup := f.Headers[name]; !dup { // first wins
			f.Headers[name] = value
		}
	}

	switch {
	case bodyLen >= 0:
		if len(rest) < bodyLen+1 {
			return Frame{}, fmt.Errorf("%w: body shorter than declared", ErrContentLength)
		}
		if rest[bodyLen] != 0 {
			return Frame{}, fmt.Errorf("%w: body longer than declared", ErrContentLength)
		}
		if len(rest) > bodyLen+1 {
			return Frame{}, fmt.Errorf("%w: bytes after terminator", ErrMalformed)
		}
		if bodyLen > 0 {
			f.Body = rest[:bodyLen]
		}
	default:
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
		}
		if nul < len(rest)-1 {
			return Frame{}, fmt.Errorf("%w: bytes after terminator", ErrMalformed)
		}
		if nul > 0 {
			f.Body = rest[:nul]
		}
	}
	return f, nil
}
