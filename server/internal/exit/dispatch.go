// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package exit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

const (
	// DefaultMaxResponseSize caps fetched HTTP bodies.
	DefaultMaxResponseSize = 16 * 1024 * 1024

	maxRedirects    = 10
	dispatchTimeout = 30 * time.Second
)

// dispatcher performs the HTTP mode fetch against the public
// Internet.  Failures never propagate as errors: every outcome is a
// structured response record so the client always learns what
// happened.
type dispatcher struct {
	log *logging.Logger

	client      *http.Client
	blocked     []string
	maxResponse int64
}

func newDispatcher(log *logging.Logger, blockedDomains []string, maxResponse int64) *dispatcher {
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseSize
	}
	blocked := make([]string, 0, len(blockedDomains))
	for _, d := range blockedDomains {
		blocked = append(blocked, strings.ToLower(strings.TrimPrefix(d, ".")))
	}
	return &dispatcher{
		log: log,
		client: &http.Client{
			Timeout: dispatchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		blocked:     blocked,
		maxResponse: maxResponse,
	}
}

func (d *dispatcher) dispatch(req *payload.HTTPRequest) *payload.HTTPResponse {
	u, err := url.Parse(req.URL)
	if err != nil {
		return errorResponse(502, fmt.Sprintf("bad url: %v", err))
	}
	if d.isBlocked(u.Hostname()) {
		d.log.Noticef("Refusing blocked host %s", u.Hostname())
		return errorResponse(451, "blocked domain")
	}

	hr, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(502, fmt.Sprintf("bad request: %v", err))
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	resp, err := d.client.Do(hr)
	if err != nil {
		d.log.Debugf("Dispatch to %s failed: %v", u.Hostname(), err)
		return errorResponse(502, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponse+1))
	if err != nil {
		return errorResponse(502, fmt.Sprintf("body read failed: %v", err))
	}
	if int64(len(body)) > d.maxResponse {
		return errorResponse(502, "response exceeds size cap")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &payload.HTTPResponse{
		Status:  uint16(resp.StatusCode),
		Headers: headers,
		Body:    body,
	}
}

func (d *dispatcher) isBlocked(host string) bool {
	host = strings.ToLower(host)
	for _, b := range d.blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

func errorResponse(status uint16, msg string) *payload.HTTPResponse {
	return &payload.HTTPResponse{
		Status:  status,
		Headers: map[string]string{"Exit-Error": msg},
	}
}
