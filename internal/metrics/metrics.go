// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics is the daemon's diagnostic observability surface: a
// Prometheus registry plus a small httprouter-served /metrics endpoint on
// a loopback listener. Not the control bus (§4.8) — this is for operators
// and dashboards, never for daemon/client commands.
//
// Grounded on lib/api/api.go's use of github.com/julienschmidt/httprouter
// for its REST surface and its Serve(ctx context.Context) error shape as
// a suture.Service; metrics.Server mirrors that same method signature so
// it supervises alongside every other long-lived component.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okets/folder-mcp/internal/scheduler"
)

// Registry bundles the counters and gauges the rest of the daemon updates.
type Registry struct {
	TasksAdmitted  *prometheus.CounterVec // labels: kind, priority
	TasksCompleted *prometheus.CounterVec // labels: kind, priority, outcome
	WorkerRestarts prometheus.Counter
	FMDMPublishes  prometheus.Counter
	QueueDepth     *prometheus.GaugeVec // labels: folder
}

// New registers and returns a fresh Registry against its own
// prometheus.Registry, so tests can construct one without colliding with
// the global default registry.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Registry{
		TasksAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foldermcp_tasks_admitted_total",
			Help: "Tasks admitted to the scheduler, by kind and priority.",
		}, []string{"kind", "priority"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foldermcp_tasks_completed_total",
			Help: "Tasks completed by the scheduler, by kind, priority, and outcome.",
		}, []string{"kind", "priority", "outcome"}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foldermcp_worker_restarts_total",
			Help: "Embedder worker restarts.",
		}),
		FMDMPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foldermcp_fmdm_publishes_total",
			Help: "FMDM snapshots published by the broadcaster.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foldermcp_queue_depth",
			Help: "Pending tasks per folder queue.",
		}, []string{"folder"}),
	}
	reg.MustRegister(r.TasksAdmitted, r.TasksCompleted, r.WorkerRestarts, r.FMDMPublishes, r.QueueDepth)
	return r, reg
}

// ObserveAdmit records a task admission; call from the scheduler's Admit path.
func (r *Registry) ObserveAdmit(kind scheduler.Kind, priority scheduler.Priority) {
	r.TasksAdmitted.WithLabelValues(kindLabel(kind), priority.String()).Inc()
}

// ObserveComplete records a task's terminal outcome.
func (r *Registry) ObserveComplete(kind scheduler.Kind, priority scheduler.Priority, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.TasksCompleted.WithLabelValues(kindLabel(kind), priority.String(), outcome).Inc()
}

func kindLabel(k scheduler.Kind) string {
	switch k {
	case scheduler.ScanFolder:
		return "scan"
	case scheduler.EmbedDocument:
		return "embed"
	case scheduler.WriteResults:
		return "write_results"
	default:
		return "unknown"
	}
}

// Server serves reg's metrics over HTTP on a loopback listener.
type Server struct {
	addr string
	reg  *prometheus.Registry
}

// NewServer binds to addr (e.g. "127.0.0.1:8384", the MetricsOptions
// default); the listener is opened in Serve so Server is safe to
// construct without side effects.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	return &Server{addr: addr, reg: reg}
}

// Serve implements suture.Service, serving /metrics until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	mux := httprouter.New()
	handler := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
	mux.HandlerFunc(http.MethodGet, "/metrics", handler.ServeHTTP)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
