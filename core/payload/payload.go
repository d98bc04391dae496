// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package payload defines the logical payload schemas carried inside a
// reconstructed request: the mode discriminant byte, the line oriented
// HTTP request and response records, and the tunnel burst metadata.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	// ModeHTTP selects structured HTTP dispatch at the exit.
	ModeHTTP = 0x00

	// ModeTunnel selects raw TCP tunnel dispatch at the exit.
	ModeTunnel = 0x01

	// SessionIDSize is the size of a tunnel session identifier.
	SessionIDSize = 32
)

// ErrMalformedRecord is returned, wrapped with detail, when a payload
// record fails to parse.
var ErrMalformedRecord = errors.New("payload: malformed record")

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("payload: cbor encoder init: " + err.Error())
	}
}

// TunnelMetadata describes one tunnel burst.  All bursts belonging to
// the same proxied TCP connection share a session id, so the exit can
// map them onto one upstream socket.
type TunnelMetadata struct {
	Host      string              `cbor:"host"`
	Port      uint16              `cbor:"port"`
	SessionID [SessionIDSize]byte `cbor:"session_id"`

	// IsClose signals session teardown.
	IsClose bool `cbor:"is_close"`
}

// Encode serializes the metadata.
func (m *TunnelMetadata) Encode() ([]byte, error) {
	return cborEnc.Marshal(m)
}

// DecodeTunnelMetadata parses tunnel burst metadata.
func DecodeTunnelMetadata(b []byte) (*TunnelMetadata, error) {
	m := new(TunnelMetadata)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: tunnel metadata: %v", ErrMalformedRecord, err)
	}
	return m, nil
}

// HTTPRequest is the structured request record dispatched by an exit in
// HTTP mode.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Encode serializes the request in the line oriented record format:
// method, url, header count, one line per header, body length, body.
func (r *HTTPRequest) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL)
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(len(r.Headers)))
	b.WriteByte('\n')
	for k, v := range r.Headers {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString(strconv.Itoa(len(r.Body)))
	b.WriteByte('\n')
	b.Write(r.Body)
	return b.Bytes()
}

// DecodeHTTPRequest parses a line oriented request record.
func DecodeHTTPRequest(b []byte) (*HTTPRequest, error) {
	p := &recordParser{rest: b}
	r := new(HTTPRequest)

	var err error
	if r.Method, err = p.line("method"); err != nil {
		return nil, err
	}
	if r.URL, err = p.line("url"); err != nil {
		return nil, err
	}
	if r.Headers, err = p.headers(); err != nil {
		return nil, err
	}
	if r.Body, err = p.body(); err != nil {
		return nil, err
	}
	return r, nil
}

// HTTPResponse is the structured response record shipped back to the
// client in HTTP mode.
type HTTPResponse struct {
	Status  uint16
	Headers map[string]string
	Body    []byte
}

// Encode serializes the response in the line oriented record format:
// status, header count, one line per header, body length, body.
func (r *HTTPResponse) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(strconv.Itoa(int(r.Status)))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(len(r.Headers)))
	b.WriteByte('\n')
	for k, v := range r.Headers {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString(strconv.Itoa(len(r.Body)))
	b.WriteByte('\n')
	b.Write(r.Body)
	return b.Bytes()
}

// DecodeHTTPResponse parses a line oriented response record.
func DecodeHTTPResponse(b []byte) (*HTTPResponse, error) {
	p := &recordParser{rest: b}
	r := new(HTTPResponse)

	statusLine, err := p.line("status")
	if err != nil {
		return nil, err
	}
	status, err := strconv.ParseUint(statusLine, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid status: %v", ErrMalformedRecord, err)
	}
	r.Status = uint16(status)
	if r.Headers, err = p.headers(); err != nil {
		return nil, err
	}
	if r.Body, err = p.body(); err != nil {
		return nil, err
	}
	return r, nil
}

type recordParser struct {
	rest []byte
}

func (p *recordParser) line(what string) (string, error) {
	i := bytes.IndexByte(p.rest, '\n')
	if i < 0 {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedRecord, what)
	}
	s := string(p.rest[:i])
	p.rest = p.rest[i+1:]
	return s, nil
}

func (p *recordParser) headers() (map[string]string, error) {
	countLine, err := p.line("header count")
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: invalid header count %q", ErrMalformedRecord, countLine)
	}

	headers := make(map[string]string, count)
	for i := 0; i < count; i++ {
		hl, err := p.line("header")
		if err != nil {
			return nil, err
		}
		if k, v, ok := strings.Cut(hl, ":"); ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return headers, nil
}

func (p *recordParser) body() ([]byte, error) {
	lenLine, err := p.line("body length")
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(lenLine)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: invalid body length %q", ErrMalformedRecord, lenLine)
	}
	if n > len(p.rest) {
		return nil, fmt.Errorf("%w: body length %d, have %d bytes", ErrMalformedRecord, n, len(p.rest))
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	copy(body, p.rest[:n])
	return body, nil
}

// BuildTunnelBurst frames one tunnel burst payload: the mode byte, a
// 4 byte big endian metadata length, the metadata, then the raw bytes.
func BuildTunnelBurst(m *TunnelMetadata, data []byte) ([]byte, error) {
	meta, err := m.Encode()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 5+len(meta)+len(data))
	b = append(b, ModeTunnel)
	b = append(b,
		byte(len(meta)>>24), byte(len(meta)>>16), byte(len(meta)>>8), byte(len(meta)))
	b = append(b, meta...)
	b = append(b, data...)
	return b, nil
}

// ParseTunnelBurst splits a tunnel mode payload, sans the leading mode
// byte, into its metadata and raw bytes.
func ParseTunnelBurst(b []byte) (*TunnelMetadata, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated tunnel burst", ErrMalformedRecord)
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if n < 0 || n > len(b)-4 {
		return nil, nil, fmt.Errorf("%w: tunnel metadata length %d", ErrMalformedRecord, n)
	}
	m, err := DecodeTunnelMetadata(b[4 : 4+n])
	if err != nil {
		return nil, nil, err
	}
	return m, b[4+n:], nil
}

// BuildHTTPBurst frames an HTTP mode payload: the mode byte followed by
// the line oriented request record.
func BuildHTTPBurst(r *HTTPRequest) []byte {
	rec := r.Encode()
	b := make([]byte, 0, 1+len(rec))
	b = append(b, ModeHTTP)
	return append(b, rec...)
}
