// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"expvar"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/muxrpc"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// metricsVar is the expvar name under which the muxrpc counters are
// published.
const metricsVar = "muxrpc"

var publishOnce sync.Once

// metricsRegistry returns a Prometheus registry that exports the muxrpc
// counters as the labelled gauge muxrpc_counter{name=...}, along with the Go
// runtime collectors.
func metricsRegistry() *prometheus.Registry {
	publishOnce.Do(func() { expvar.Publish(metricsVar, muxrpc.Metrics()) })

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewExpvarCollector(map[string]*prometheus.Desc{
			metricsVar: prometheus.NewDesc(
				"muxrpc_counter", "Call, frame, and session counters.",
				[]string{"name"}, nil,
			),
		}),
	)
	return reg
}

// metricsHandler returns an HTTP handler serving /metrics in the Prometheus
// exposition format and /debug/vars in expvar JSON format.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	return r
}

// startMetrics starts an HTTP server for metrics on addr. The caller must
// close the server when it is no longer needed.
func startMetrics(addr string, log zerolog.Logger) (*http.Server, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	hs := &http.Server{Handler: metricsHandler(metricsRegistry())}
	go func() {
		if err := hs.Serve(lst); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", lst.Addr().String()).Msg("serving metrics")
	return hs, nil
}
