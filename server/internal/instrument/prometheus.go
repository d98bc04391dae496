// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !noprometheus
// +build !noprometheus

// Package instrument exposes the registered metrics over HTTP.
package instrument

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener serves /metrics until Shutdown.
type Listener struct {
	srv *http.Server
}

// StartMetricsListener exposes the registered metrics on addr.
func StartMetricsListener(addr string) *Listener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	l := &Listener{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		_ = l.srv.ListenAndServe()
	}()
	return l
}

// Shutdown stops the listener.
func (l *Listener) Shutdown() {
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = l.srv.Shutdown(ctx)
}
