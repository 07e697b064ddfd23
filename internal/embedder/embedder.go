// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package embedder implements the embedding subprocess manager (spec
// component C5): a small pool of worker processes, each speaking the
// internal/workerproto wire protocol, with model-residency, keep-alive,
// and agent-active window policy per §4.5.
//
// Worker selection is grounded on the teacher's internal/model/
// deviceactivity.go: the same "track outstanding requests per candidate,
// pick the least busy" shape, generalized here from per-remote-device BEP
// request routing to per-local-worker model residency — since a worker
// that already has the right model loaded is always preferred over the
// least-busy one, pickLocked layers that preference on top of the teacher's
// usage counters rather than replacing them.
package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/okets/folder-mcp/internal/config"
	"github.com/okets/folder-mcp/internal/workerproto"
)

// WorkerState is a worker's busy/idle state: whether it currently holds the
// single in-flight request §4.4/§4.5 allow it at a time.
type WorkerState int

const (
	Idle WorkerState = iota
	Busy
)

func (s WorkerState) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Health is a worker's most recent probe outcome (§4.5). It is tracked
// separately from WorkerState: a worker can be BUSY and HEALTHY at once, or
// IDLE and UNHEALTHY while it waits to be restarted.
type Health int

const (
	HealthUnknown Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ErrDimensionalityMismatch is the fatal fault of §6.2: a model's reported
// vector width changed across restarts.
var ErrDimensionalityMismatch = errors.New("embedder: model dimensionality changed across restart")

// ErrWorkerRestarted is returned for an in-flight call whose worker process
// exited or failed its health probe mid-request (§4.5).
var ErrWorkerRestarted = errors.New("embedder: worker restarted")

// restoreModelTimeout bounds the load_model call issued after a restart to
// put the worker's previously-loaded model back in place.
const restoreModelTimeout = 30 * time.Second

// Spawner starts a worker subprocess and returns its stdin/stdout pipes.
// Exists as a seam so tests don't need a real executable.
type Spawner func(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)

// ExecSpawner builds a Spawner around os/exec.Cmd for the given binary and
// arguments — the production path; workers never run without this.
func ExecSpawner(name string, args ...string) Spawner {
	return func(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		return stdin, stdout, cmd.Wait, nil
	}
}

// Worker is one EmbedderWorker: a subprocess plus the policy state that
// governs which model it holds and when it may be evicted.
type Worker struct {
	id      string
	spawner Spawner
	clock   config.Clock

	mu          sync.Mutex
	state       WorkerState
	health      Health
	loadedModel string
	session     *workerproto.Session
	stdin       io.WriteCloser
	wait        func() error
	cancel      context.CancelFunc // kills the current subprocess, if any

	keepAlive   time.Duration
	keepAliveT  config.Timer
	restarts    int
	maxRestarts int
	restartWait time.Duration
	autoRestart bool

	// restarting is set for the duration of restart(), so a process exit
	// caused by restart()'s own kill-if-still-running step doesn't trigger
	// a second, overlapping restart from monitorExit.
	restarting bool

	// shuttingDown suppresses the restart path when Shutdown intentionally
	// terminates the subprocess, as opposed to an unexpected exit.
	shuttingDown bool
}

// Pool manages a small set of Workers and the agent-active pause window
// shared across all of them (§4.5: the window is a manager-wide pause on
// BACKGROUND admission, not a per-worker one).
type Pool struct {
	mu      sync.Mutex
	workers []*Worker
	usage   map[string]int // worker id -> outstanding requests, à la deviceActivity

	dims *lru.Cache[string, int] // model id -> last known-good dimensionality

	clock       config.Clock
	agentActive time.Duration

	agentActiveT config.Timer
	paused       bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool constructs a Pool with n workers, each spawned via spawner, and
// starts one health-probe loop per worker (§4.5: probe at probeInterval,
// restart on UNHEALTHY or process exit if autoRestart and attempts < max).
func NewPool(n int, spawner Spawner, clock config.Clock, keepAlive, agentActive, restartDelay, probeInterval, probeTimeout time.Duration, maxRestarts int, autoRestart bool) (*Pool, error) {
	dims, err := lru.New[string, int](64)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		usage:       make(map[string]int),
		dims:        dims,
		clock:       clock,
		agentActive: agentActive,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < n; i++ {
		w := &Worker{
			id:          fmt.Sprintf("worker-%d", i),
			spawner:     spawner,
			clock:       clock,
			keepAlive:   keepAlive,
			maxRestarts: maxRestarts,
			restartWait: restartDelay,
			autoRestart: autoRestart,
		}
		p.workers = append(p.workers, w)
		p.usage[w.id] = 0
		go w.healthLoop(ctx, probeInterval, probeTimeout)
	}
	return p, nil
}

// pickLocked returns the best worker for modelID: a worker already holding
// it if one exists, else the least-busy worker (deviceActivity.leastBusy,
// generalized). Must be called with p.mu held.
func (p *Pool) pickLocked(modelID string) *Worker {
	for _, w := range p.workers {
		w.mu.Lock()
		loaded, unavailable := w.loadedModel, w.state == Busy || w.health == Unhealthy
		w.mu.Unlock()
		if loaded == modelID && !unavailable {
			return w
		}
	}
	var best *Worker
	lowest := 1<<31 - 1
	for _, w := range p.workers {
		w.mu.Lock()
		unavailable := w.state == Busy || w.health == Unhealthy
		w.mu.Unlock()
		if unavailable {
			continue
		}
		if u := p.usage[w.id]; u < lowest {
			lowest = u
			best = w
		}
	}
	if best == nil && len(p.workers) > 0 {
		best = p.workers[0]
	}
	return best
}

// pickAndMarkBusyLocked selects a worker via pickLocked and marks it BUSY
// before p.mu is released, so a second concurrent Embed call can never
// observe the same worker as free — closing the race pickLocked alone left
// open between selection and embed() actually setting BUSY. Must be called
// with p.mu held.
func (p *Pool) pickAndMarkBusyLocked(modelID string) *Worker {
	w := p.pickLocked(modelID)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.state = Busy
	w.mu.Unlock()
	return w
}

// Embed routes an embed request to a worker holding (or willing to load)
// modelID. priority controls agent-active pausing side effects: Immediate
// and Interactive requests reset the agent-active window; Background
// requests never do, and are rejected outright while the window is active
// and no worker already holds the right model (§4.4 rule 4b / §4.5).
func (p *Pool) Embed(ctx context.Context, modelID string, priority Priority, texts []string) ([][]float32, error) {
	p.mu.Lock()
	if priority == Immediate || priority == Interactive {
		p.armAgentActiveLocked()
	} else if p.paused && !p.anyWorkerHoldsLocked(modelID) {
		p.mu.Unlock()
		return nil, errors.New("embedder: background admission paused during agent-active window")
	}
	w := p.pickAndMarkBusyLocked(modelID)
	if w == nil {
		p.mu.Unlock()
		return nil, errors.New("embedder: no worker available")
	}
	p.usage[w.id]++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.usage[w.id]--
		p.mu.Unlock()
	}()

	return w.embed(ctx, modelID, texts, p.dims)
}

func (p *Pool) anyWorkerHoldsLocked(modelID string) bool {
	for _, w := range p.workers {
		w.mu.Lock()
		loaded := w.loadedModel
		w.mu.Unlock()
		if loaded == modelID {
			return true
		}
	}
	return false
}

// armAgentActiveLocked (re)starts the agent-active window; must be called
// with p.mu held.
func (p *Pool) armAgentActiveLocked() {
	p.paused = true
	if p.agentActiveT != nil {
		p.agentActiveT.Stop()
	}
	p.agentActiveT = p.clock.NewTimer(p.agentActive)
	timer := p.agentActiveT
	go func() {
		<-timer.C()
		p.mu.Lock()
		if p.agentActiveT == timer {
			p.paused = false
		}
		p.mu.Unlock()
	}()
}

// Priority mirrors scheduler.Priority without importing it, keeping
// embedder free of a dependency on the task-queue package; the daemon
// wiring converts between the two at the call site.
type Priority int

const (
	Background Priority = iota
	Interactive
	Immediate
)

// Shutdown sends shutdown to every worker and waits up to grace for each to
// exit before the caller force-terminates (§4.5).
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) {
	p.cancel()
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.shutdown(ctx, grace)
		}(w)
	}
	wg.Wait()
}

func (w *Worker) ensureStarted(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session != nil {
		return nil
	}
	return w.startLocked(ctx)
}

// startLocked spawns the subprocess, wraps it in a Session, and starts the
// goroutine that watches for an unexpected exit. Must be called with w.mu
// held; does not touch w.state, since callers are already tracking it
// (BUSY from a fresh Embed, or about to be set IDLE after a restart). The
// subprocess's own context is derived from parent so restart() can kill it
// independently of any one request's ctx.
func (w *Worker) startLocked(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	stdin, stdout, wait, err := w.spawner(ctx)
	if err != nil {
		cancel()
		return err
	}
	w.stdin = stdin
	w.wait = wait
	w.cancel = cancel
	w.session = workerproto.NewSession(stdin, stdout)
	w.health = Healthy
	w.shuttingDown = false
	if wait != nil {
		go w.monitorExit(wait)
	}
	return nil
}

// monitorExit blocks until the subprocess exits, then triggers the §4.5
// restart path — unless the exit was requested by Shutdown, or is already
// being handled by a restart() in progress (its own kill-if-still-running
// step causes exactly this exit).
func (w *Worker) monitorExit(wait func() error) {
	_ = wait()

	w.mu.Lock()
	shuttingDown, restarting := w.shuttingDown, w.restarting
	w.session = nil
	if !shuttingDown && !restarting {
		w.health = Unhealthy
	}
	w.mu.Unlock()

	if !shuttingDown && !restarting {
		w.restart()
	}
}

func (w *Worker) embed(ctx context.Context, modelID string, texts []string, dims *lru.Cache[string, int]) ([][]float32, error) {
	if err := w.ensureStarted(ctx); err != nil {
		w.mu.Lock()
		w.state = Idle
		w.mu.Unlock()
		return nil, err
	}

	w.mu.Lock()
	needsLoad := w.loadedModel != modelID
	session := w.session
	w.state = Busy
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.state = Idle
		w.resetKeepAliveLocked()
		w.mu.Unlock()
	}()

	if needsLoad {
		payload, err := session.Call(ctx, workerproto.MethodLoadModel, map[string]string{"modelId": modelID})
		if err != nil {
			if errors.Is(err, workerproto.ErrSessionClosed) {
				return nil, ErrWorkerRestarted
			}
			return nil, fmt.Errorf("load_model %s: %w", modelID, err)
		}
		var resp struct {
			Dimensions int `json:"dimensions"`
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("load_model %s: decode response: %w", modelID, err)
		}
		if prior, ok := dims.Get(modelID); ok && prior != resp.Dimensions {
			return nil, fmt.Errorf("%w: model %s reported %d, previously %d", ErrDimensionalityMismatch, modelID, resp.Dimensions, prior)
		}
		dims.Add(modelID, resp.Dimensions)

		w.mu.Lock()
		w.loadedModel = modelID
		w.mu.Unlock()
	}

	payload, err := session.Call(ctx, workerproto.MethodEmbed, map[string][]string{"texts": texts})
	if err != nil {
		if errors.Is(err, workerproto.ErrSessionClosed) {
			return nil, ErrWorkerRestarted
		}
		return nil, fmt.Errorf("embed: %w", err)
	}
	var resp struct {
		Vectors [][]float32 `json:"vectors"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	return resp.Vectors, nil
}

// resetKeepAliveLocked rearms the keep-alive timer; must be called with
// w.mu held. Expiry itself carries no callback — nothing currently evicts
// an idle model once the keep-alive window elapses, since only one model
// can be resident per worker and swap decisions are driven by demand in
// pickLocked, not by a timeout.
func (w *Worker) resetKeepAliveLocked() {
	if w.keepAliveT != nil {
		w.keepAliveT.Stop()
	}
	w.keepAliveT = w.clock.NewTimer(w.keepAlive)
}

// healthLoop probes the worker at probeInterval until ctx is canceled
// (§4.5: "the manager performs a health probe at a configured cadence").
func (w *Worker) healthLoop(ctx context.Context, probeInterval, probeTimeout time.Duration) {
	for {
		timer := w.clock.NewTimer(probeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		w.probe(ctx, probeTimeout)
	}
}

// probe issues one health call and updates health to HEALTHY, DEGRADED, or
// UNHEALTHY. A worker that has never started, or is mid-embed, is skipped
// for this cycle rather than probed — a probe must never race the single
// in-flight request a BUSY worker is already serving.
func (w *Worker) probe(ctx context.Context, probeTimeout time.Duration) {
	w.mu.Lock()
	session := w.session
	skip := session == nil || w.state == Busy
	w.mu.Unlock()
	if skip {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	start := w.clock.Now()
	_, err := session.Call(probeCtx, workerproto.MethodHealth, nil)
	elapsed := w.clock.Now().Sub(start)
	cancel()

	w.mu.Lock()
	switch {
	case err != nil:
		w.health = Unhealthy
	case elapsed > probeTimeout/2:
		w.health = Degraded
	default:
		w.health = Healthy
	}
	unhealthy := w.health == Unhealthy
	w.mu.Unlock()

	if unhealthy {
		w.restart()
	}
}

// restart implements §4.5's auto-restart: kill the subprocess if it is
// still running, wait restartDelay, respawn, and restore the last loaded
// model. A worker that exhausts its restart budget stays UNHEALTHY and
// pickLocked leaves it out of rotation.
func (w *Worker) restart() {
	w.mu.Lock()
	if w.restarting || !w.autoRestart || w.restarts >= w.maxRestarts {
		w.mu.Unlock()
		return
	}
	w.restarting = true
	w.restarts++
	lastModel := w.loadedModel
	w.loadedModel = ""
	cancel := w.cancel
	wait := w.restartWait
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	timer := w.clock.NewTimer(wait)
	<-timer.C()

	w.mu.Lock()
	err := w.startLocked(context.Background())
	w.restarting = false
	if err != nil {
		w.mu.Unlock()
		return
	}
	w.state = Idle
	w.mu.Unlock()

	if lastModel != "" {
		w.restoreModel(lastModel)
	}
}

// restoreModel reloads the model a worker held before it restarted.
func (w *Worker) restoreModel(modelID string) {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restoreModelTimeout)
	defer cancel()
	if _, err := session.Call(ctx, workerproto.MethodLoadModel, map[string]string{"modelId": modelID}); err != nil {
		return
	}
	w.mu.Lock()
	w.loadedModel = modelID
	w.mu.Unlock()
}

func (w *Worker) shutdown(ctx context.Context, grace time.Duration) {
	w.mu.Lock()
	w.shuttingDown = true
	session := w.session
	wait := w.wait
	w.mu.Unlock()
	if session == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	_, _ = session.Call(shutdownCtx, workerproto.MethodShutdown, nil)

	if wait != nil {
		done := make(chan struct{})
		go func() { wait(); close(done) }()
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}
}
