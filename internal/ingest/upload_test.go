// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package ingest

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/broker"
	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/events"
)

func testUploader(t *testing.T, pub *fakePublisher) *Uploader {
	t.Helper()
	cfg := testIngestConfig(t)
	gw := NewGateway(pub, cfg)
	return NewUploader(gw, pub, cfg, &config.SecurityConfig{
		UploadSigningSecret: "upload-signing-secret-for-tests",
	})
}

// signedParams extracts the expires and signature query values from an
// issued upload path.
func signedParams(t *testing.T, upload *SignedUpload) (expires, signature string) {
	t.Helper()
	parsed, err := url.Parse(upload.URL)
	if err != nil {
		t.Fatalf("Parse upload path failed: %v", err)
	}
	return parsed.Query().Get("expires"), parsed.Query().Get("signature")
}

func TestCreateAndVerifyUploadURL(t *testing.T) {
	t.Parallel()

	u := testUploader(t, newFakePublisher())

	upload, err := u.CreateUploadURL()
	if err != nil {
		t.Fatalf("CreateUploadURL failed: %v", err)
	}
	if !strings.HasSuffix(upload.Object, uploadObjectSuffix) {
		t.Errorf("Expected ndjson object name, got %q", upload.Object)
	}

	expires, signature := signedParams(t, upload)
	if err := u.VerifyUploadURL(upload.Object, expires, signature); err != nil {
		t.Errorf("Expected issued URL to verify, got %v", err)
	}
}

func TestVerifyUploadURLRejectsTampering(t *testing.T) {
	t.Parallel()

	u := testUploader(t, newFakePublisher())
	upload, err := u.CreateUploadURL()
	if err != nil {
		t.Fatalf("CreateUploadURL failed: %v", err)
	}
	expires, signature := signedParams(t, upload)

	if err := u.VerifyUploadURL("other.ndjson", expires, signature); !errors.Is(err, ErrUploadSignatureInvalid) {
		t.Errorf("Expected signature rejection for swapped object, got %v", err)
	}

	extended := strconv.FormatInt(time.Now().Add(24*time.Hour).Unix(), 10)
	if err := u.VerifyUploadURL(upload.Object, extended, signature); !errors.Is(err, ErrUploadSignatureInvalid) {
		t.Errorf("Expected signature rejection for extended expiry, got %v", err)
	}

	if err := u.VerifyUploadURL("../escape", expires, signature); !errors.Is(err, ErrUploadObjectInvalid) {
		t.Errorf("Expected object rejection for path traversal, got %v", err)
	}
}

func TestVerifyUploadURLRejectsExpired(t *testing.T) {
	t.Parallel()

	u := testUploader(t, newFakePublisher())

	past := time.Now().UTC().Add(-time.Minute).Unix()
	object := "expired.ndjson"
	signature := u.sign(object, past)

	if err := u.VerifyUploadURL(object, strconv.FormatInt(past, 10), signature); !errors.Is(err, ErrUploadExpired) {
		t.Errorf("Expected expiry rejection, got %v", err)
	}
}

func TestReceiveUploadStoresFileAndPublishes(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher()
	u := testUploader(t, pub)

	body := `{"event_type":"click","anonymous_id":"anon-1"}` + "\n"
	completed, err := u.ReceiveUpload(context.Background(), "analyst-1", "batch.ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("ReceiveUpload failed: %v", err)
	}
	if completed.SizeBytes != int64(len(body)) {
		t.Errorf("Expected %d bytes recorded, got %d", len(body), completed.SizeBytes)
	}

	stored, err := os.ReadFile(filepath.Join(u.cfg.UploadDir, "batch.ndjson"))
	if err != nil {
		t.Fatalf("Expected stored file: %v", err)
	}
	if string(stored) != body {
		t.Errorf("Stored body mismatch: %q", stored)
	}
	if pub.count(events.TopicUploadsCompleted) != 1 {
		t.Errorf("Expected 1 completion publish, got %d", pub.count(events.TopicUploadsCompleted))
	}
}

func TestReceiveUploadEnforcesSizeLimit(t *testing.T) {
	t.Parallel()

	u := testUploader(t, newFakePublisher())
	u.cfg.MaxPayloadBytes = 16

	body := strings.Repeat("x", 64)
	if _, err := u.ReceiveUpload(context.Background(), "analyst-1", "big.ndjson", strings.NewReader(body)); !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("Expected size limit rejection, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(u.cfg.UploadDir, "big.ndjson")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected oversized upload to be removed")
	}
}

func TestIngestFileFeedsEventsThroughGateway(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher()
	u := testUploader(t, pub)

	lines := []string{
		`{"event_type":"impression","anonymous_id":"anon-1","occurred_at":"2026-03-01T10:00:00Z"}`,
		`{"event_type":"conversion","anonymous_id":"anon-2","occurred_at":"2026-03-01T11:00:00Z","revenue_usd":49.99}`,
		`{"anonymous_id":"anon-3","occurred_at":"2026-03-01T12:00:00Z"}`,
	}
	path := filepath.Join(u.cfg.UploadDir, "batch.ndjson")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o640); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	accepted, rejected, err := u.IngestFile(context.Background(), &CompletedUpload{
		Object:    "batch.ndjson",
		Principal: "analyst-1",
	})
	if err != nil {
		t.Fatalf("IngestFile failed: %v", err)
	}
	if accepted != 2 {
		t.Errorf("Expected 2 accepted events, got %d", accepted)
	}
	// The third line has no event_type.
	if rejected != 1 {
		t.Errorf("Expected 1 rejected event, got %d", rejected)
	}
	if pub.count(events.TopicEventsRaw) != 2 {
		t.Errorf("Expected 2 raw event publishes, got %d", pub.count(events.TopicEventsRaw))
	}
}

func TestHandleCompletedPermanentOnBadNotice(t *testing.T) {
	t.Parallel()

	u := testUploader(t, newFakePublisher())

	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	msg.SetContext(context.Background())
	if err := u.HandleCompleted(msg); !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed notice, got %v", err)
	}

	payload, _ := json.Marshal(&CompletedUpload{Object: "missing.ndjson"})
	msg = message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.Background())
	if err := u.HandleCompleted(msg); !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for missing file, got %v", err)
	}
}

func TestHandleCompletedIngestsFile(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher()
	u := testUploader(t, pub)

	line := `{"event_type":"click","anonymous_id":"anon-1","occurred_at":"2026-03-01T10:00:00Z"}` + "\n"
	if err := os.WriteFile(filepath.Join(u.cfg.UploadDir, "ok.ndjson"), []byte(line), 0o640); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	payload, _ := json.Marshal(&CompletedUpload{Object: "ok.ndjson", Principal: "analyst-1"})
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.Background())

	if err := u.HandleCompleted(msg); err != nil {
		t.Fatalf("HandleCompleted failed: %v", err)
	}
	if pub.count(events.TopicEventsRaw) != 1 {
		t.Errorf("Expected 1 raw event publish, got %d", pub.count(events.TopicEventsRaw))
	}
}
