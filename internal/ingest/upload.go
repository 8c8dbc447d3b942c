// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
)

// Upload URL errors surfaced to the API layer.
var (
	ErrUploadExpired          = errors.New("upload url expired")
	ErrUploadSignatureInvalid = errors.New("upload signature invalid")
	ErrUploadTooLarge         = errors.New("upload exceeds size limit")
	ErrUploadObjectInvalid    = errors.New("upload object name invalid")
)

// uploadObjectSuffix is appended to generated object names.
const uploadObjectSuffix = ".ndjson"

// SignedUpload describes an issued upload slot.
type SignedUpload struct {
	Object    string    `json:"object"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompletedUpload is the notification published when an upload lands.
type CompletedUpload struct {
	Object      string    `json:"object"`
	Principal   string    `json:"principal"`
	SizeBytes   int64     `json:"size_bytes"`
	CompletedAt time.Time `json:"completed_at"`
}

// Uploader issues signed upload URLs, receives upload bodies, and turns
// completed NDJSON uploads into individual events on the raw topic.
// Signatures are HMAC-SHA256 over the object name and expiry, so a URL
// cannot be redirected to another object or extended.
type Uploader struct {
	gateway   *Gateway
	publisher Publisher
	secret    []byte
	cfg       *config.IngestConfig
}

// NewUploader creates an uploader sharing the gateway's publisher.
func NewUploader(gateway *Gateway, publisher Publisher, cfg *config.IngestConfig, secCfg *config.SecurityConfig) *Uploader {
	return &Uploader{
		gateway:   gateway,
		publisher: publisher,
		secret:    []byte(secCfg.UploadSigningSecret),
		cfg:       cfg,
	}
}

// CreateUploadURL issues a signed PUT slot with a fresh object name.
func (u *Uploader) CreateUploadURL() (*SignedUpload, error) {
	ttl := u.cfg.UploadURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	object := uuid.NewString() + uploadObjectSuffix
	expiresAt := time.Now().UTC().Add(ttl).Truncate(time.Second)

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	q.Set("signature", u.sign(object, expiresAt.Unix()))

	metrics.UploadURLsIssued.Inc()
	return &SignedUpload{
		Object:    object,
		URL:       "/v1/uploads/" + object + "?" + q.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyUploadURL checks the signature and expiry for a PUT request.
func (u *Uploader) VerifyUploadURL(object, expires, signature string) error {
	if object == "" || object != filepath.Base(object) {
		return ErrUploadObjectInvalid
	}
	expiresUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrUploadSignatureInvalid
	}
	expected := u.sign(object, expiresUnix)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrUploadSignatureInvalid
	}
	if time.Now().UTC().After(time.Unix(expiresUnix, 0)) {
		return ErrUploadExpired
	}
	return nil
}

// ReceiveUpload stores the body under the upload directory and publishes
// the completion notification. The body is capped at the configured
// payload limit; one byte past it aborts the upload.
func (u *Uploader) ReceiveUpload(ctx context.Context, principal, object string, body io.Reader) (*CompletedUpload, error) {
	if object == "" || object != filepath.Base(object) {
		return nil, ErrUploadObjectInvalid
	}
	if err := os.MkdirAll(u.cfg.UploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	limit := u.cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = 32 << 20
	}

	path := filepath.Join(u.cfg.UploadDir, object)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written > limit {
		err = ErrUploadTooLarge
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	completed := &CompletedUpload{
		Object:      object,
		Principal:   principal,
		SizeBytes:   written,
		CompletedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("marshal completion: %w", err)
	}
	if err := u.publisher.PublishPayload(ctx, events.TopicUploadsCompleted, object, payload); err != nil {
		// The file is durable; the API reports the publish failure and
		// the client retries the PUT, which overwrites in place.
		return nil, fmt.Errorf("publish completion: %w", err)
	}

	metrics.UploadsCompleted.Inc()
	logging.Ctx(ctx).Info().
		Str("object", object).
		Int64("size_bytes", written).
		Msg("Upload completed")

	return completed, nil
}

// IngestFile reads a completed NDJSON upload and feeds each line through
// the gateway. Lines that fail to parse or validate are counted and
// skipped; one bad line never blocks the rest of the batch.
func (u *Uploader) IngestFile(ctx context.Context, notice *CompletedUpload) (accepted, rejected int, err error) {
	if notice.Object == "" || notice.Object != filepath.Base(notice.Object) {
		return 0, 0, ErrUploadObjectInvalid
	}

	path := filepath.Join(u.cfg.UploadDir, notice.Object)
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open upload %s: %w", notice.Object, err)
	}
	defer f.Close()

	log := logging.Ctx(ctx)
	dec := json.NewDecoder(f)
	for dec.More() {
		var event events.Event
		if err := dec.Decode(&event); err != nil {
			metrics.EventsParseFailed.Inc()
			rejected++
			log.Warn().Err(err).Str("object", notice.Object).Msg("Skipping malformed upload line")
			// The decoder cannot resync after a syntax error.
			break
		}
		event.Source = events.SourceUpload

		if _, err := u.gateway.SubmitEvent(ctx, notice.Principal, &event); err != nil {
			var verr *events.ValidationError
			if errors.As(err, &verr) {
				rejected++
				log.Warn().Err(err).Str("object", notice.Object).Msg("Skipping invalid upload event")
				continue
			}
			// Publish failure: stop so the batch is retried.
			return accepted, rejected, err
		}
		accepted++
	}

	log.Info().
		Str("object", notice.Object).
		Int("accepted", accepted).
		Int("rejected", rejected).
		Msg("Upload ingested")

	return accepted, rejected, nil
}

// sign computes the URL signature for an object and expiry.
func (u *Uploader) sign(object string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, u.secret)
	mac.Write([]byte(object))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expiresUnix, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
