// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package embedder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/okets/folder-mcp/internal/config"
	"github.com/okets/folder-mcp/internal/workerproto"
)

// fakeWorkerSpawner simulates a worker subprocess entirely in-process with
// io.Pipe, answering load_model with a fixed dimensionality and embed with
// one zero vector per input text.
func fakeWorkerSpawner(t *testing.T, dimensions int) Spawner {
	return func(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
		daemonToWorker, workerStdin := io.Pipe()
		workerStdout, daemonFromWorker := io.Pipe()

		go func() {
			scanner := bufio.NewScanner(daemonToWorker)
			for scanner.Scan() {
				var req workerproto.Request
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
					continue
				}
				var resp workerproto.Response
				switch req.Method {
				case workerproto.MethodLoadModel:
					resp = workerproto.Response{ID: req.ID, OK: true, Payload: mustJSON(map[string]int{"dimensions": dimensions})}
				case workerproto.MethodEmbed:
					var p struct {
						Texts []string `json:"texts"`
					}
					json.Unmarshal(req.Params, &p)
					vecs := make([][]float32, len(p.Texts))
					for i := range vecs {
						vecs[i] = make([]float32, dimensions)
					}
					resp = workerproto.Response{ID: req.ID, OK: true, Payload: mustJSON(map[string][][]float32{"vectors": vecs})}
				case workerproto.MethodShutdown:
					resp = workerproto.Response{ID: req.ID, OK: true}
				default:
					resp = workerproto.Response{ID: req.ID, OK: false, Error: &workerproto.ResponseError{Kind: "Internal", Message: "unknown method"}}
				}
				line, _ := json.Marshal(resp)
				line = append(line, '\n')
				daemonFromWorker.Write(line)
			}
		}()

		wait := func() error {
			<-ctx.Done()
			return ctx.Err()
		}
		return workerStdin, workerStdout, wait, nil
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestEmbedLoadsModelAndReturnsVectors(t *testing.T) {
	pool, err := NewPool(1, fakeWorkerSpawner(t, 384), config.RealClock{}, time.Minute, time.Minute, time.Millisecond, time.Minute, time.Second, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Shutdown(context.Background(), time.Second) })

	vecs, err := pool.Embed(context.Background(), "model-a", Interactive, []string{"hello", "world"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 384 {
		t.Fatalf("unexpected vectors: %d x %d", len(vecs), len(vecs[0]))
	}
}

func TestEmbedDetectsDimensionalityMismatch(t *testing.T) {
	pool, err := NewPool(1, fakeWorkerSpawner(t, 384), config.RealClock{}, time.Minute, time.Minute, time.Millisecond, time.Minute, time.Second, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Shutdown(context.Background(), time.Second) })

	if _, err := pool.Embed(context.Background(), "model-a", Interactive, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	pool.dims.Add("model-a", 512) // simulate a restart with a stale recorded dimensionality

	_, err = pool.Embed(context.Background(), "model-a", Interactive, []string{"x"})
	if err == nil {
		t.Fatal("expected a dimensionality mismatch error")
	}
}

func TestBackgroundPausedDuringAgentActiveWindow(t *testing.T) {
	clock := config.NewFakeClock(time.Unix(0, 0))
	pool, err := NewPool(1, fakeWorkerSpawner(t, 8), clock, time.Minute, 5*time.Second, time.Millisecond, time.Minute, time.Second, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Shutdown(context.Background(), time.Second) })

	if _, err := pool.Embed(context.Background(), "model-a", Immediate, []string{"x"}); err != nil {
		t.Fatal(err)
	}

	_, err = pool.Embed(context.Background(), "model-b", Background, []string{"x"})
	if err == nil {
		t.Fatal("expected background admission to be paused")
	}

	clock.Advance(6 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if _, err := pool.Embed(context.Background(), "model-b", Background, []string{"x"}); err != nil {
		t.Fatalf("expected background admission to resume, got %v", err)
	}
}
