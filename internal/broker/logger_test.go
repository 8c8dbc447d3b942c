// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package broker

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/tomtom215/causeway/internal/logging"
)

func TestZerologAdapterWritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewLoggerAdapterWith(logging.NewTestLogger(&buf))

	adapter.Info("publisher started", watermill.LogFields{"topic": "events.raw"})

	out := buf.String()
	if !strings.Contains(out, "publisher started") {
		t.Errorf("Expected message in output, got %s", out)
	}
	if !strings.Contains(out, "events.raw") {
		t.Errorf("Expected topic field in output, got %s", out)
	}
}

func TestZerologAdapterErrorIncludesError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewLoggerAdapterWith(logging.NewTestLogger(&buf))

	adapter.Error("publish failed", errors.New("connection refused"), nil)

	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("Expected error in output, got %s", buf.String())
	}
}

func TestZerologAdapterWithCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := NewLoggerAdapterWith(logging.NewTestLogger(&buf)).
		With(watermill.LogFields{"handler": "event-writer"})

	adapter.Info("running", nil)

	if !strings.Contains(buf.String(), "event-writer") {
		t.Errorf("Expected carried field in output, got %s", buf.String())
	}
}
