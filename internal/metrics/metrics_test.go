// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/okets/folder-mcp/internal/scheduler"
)

func TestObserveAdmitAndComplete(t *testing.T) {
	r, _ := New()

	r.ObserveAdmit(scheduler.ScanFolder, scheduler.Background)
	r.ObserveComplete(scheduler.ScanFolder, scheduler.Background, nil)

	if got := testutil.ToFloat64(r.TasksAdmitted.WithLabelValues("scan", "background")); got != 1 {
		t.Fatalf("expected 1 admitted scan task, got %v", got)
	}
	if got := testutil.ToFloat64(r.TasksCompleted.WithLabelValues("scan", "background", "ok")); got != 1 {
		t.Fatalf("expected 1 completed scan task, got %v", got)
	}
}

func TestObserveCompleteRecordsError(t *testing.T) {
	r, _ := New()
	r.ObserveComplete(scheduler.EmbedDocument, scheduler.Interactive, errTest)

	if got := testutil.ToFloat64(r.TasksCompleted.WithLabelValues("embed", "interactive", "error")); got != 1 {
		t.Fatalf("expected 1 errored embed task, got %v", got)
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }
