// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// STOMP commands handled by the WebSocket transport.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdSend        = "SEND"
	CmdAck         = "ACK"
	CmdNack        = "NACK"

	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// STOMP headers used by the transport.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrHeartBeat     = "heart-beat"
	HdrID            = "id"
	HdrDestination   = "destination"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrLastEventID   = "last-event-id"
	HdrEvent         = "event"
	HdrEventID       = "event-id"
)

const stompVersion = "1.2"

// Frame decoding errors.
var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Header is one STOMP header line. Order is preserved because STOMP gives
// the first occurrence of a repeated header precedence.
type Header struct {
	Key   string
	Value string
}

// Frame is a single STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating key, value pairs.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value of key.
func (f *Frame) Get(key string) string {
	v, _ := f.Lookup(key)
	return v
}

// Lookup returns the first value of key and whether it was present.
func (f *Frame) Lookup(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Set appends a header.
func (f *Frame) Set(key, value string) {
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Marshal encodes the frame, NUL terminator included.
func (f *Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	raw := rawHeaders(f.Command)
	for _, h := range f.Headers {
		if raw {
			b.WriteString(h.Key)
			b.WriteByte(':')
			b.WriteString(h.Value)
		} else {
			b.WriteString(escapeHeader(h.Key))
			b.WriteByte(':')
			b.WriteString(escapeHeader(h.Value))
		}
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Lookup(HdrContentLength); !ok {
			b.WriteString(HdrContentLength)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(len(f.Body)))
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// ParseFrame decodes one frame from a WebSocket message. A message holding
// only end-of-line bytes is a heart-beat and returns ErrEmptyFrame.
func ParseFrame(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("%w: missing command terminator", ErrMalformedFrame)
	}
	f := &Frame{Command: string(line)}
	if f.Command == "" {
		return nil, fmt.Errorf("%w: blank command", ErrMalformedFrame)
	}
	raw := rawHeaders(f.Command)

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		}
		if len(line) == 0 {
			break
		}
		key, value, found := bytes.Cut(line, []byte{':'})
		if !found || len(key) == 0 {
			return nil, fmt.Errorf("%w: header %q", ErrMalformedFrame, line)
		}
		h := Header{Key: string(key), Value: string(value)}
		if !raw {
			var err error
			if h.Key, err = unescapeHeader(h.Key); err != nil {
				return nil, err
			}
			if h.Value, err = unescapeHeader(h.Value); err != nil {
				return nil, err
			}
		}
		f.Headers = append(f.Headers, h)
	}

	if cl, ok := f.Lookup(HdrContentLength); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n >= len(rest) || rest[n] != 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformedFrame, cl)
		}
		f.Body = rest[:n]
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	f.Body = rest[:end]
	return f, nil
}

// cutLine splits at the first LF, dropping an optional preceding CR.
func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = data[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, data[i+1:], true
}

// CONNECT and CONNECTED frames carry their headers unescaped.
func rawHeaders(command string) bool {
	return command == CmdConnect || command == CmdConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedFrame)
		}
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}

// supportsVersion reports whether an accept-version header admits 1.2. An
// absent header means the client predates version negotiation and is
// accepted.
func supportsVersion(accept string) bool {
	if accept == "" {
		return true
	}
	for _, v := range strings.Split(accept, ",") {
		if strings.TrimSpace(v) == stompVersion {
			return true
		}
	}
	return false
}
