// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package ingest

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/broker"
)

// HandleCompleted consumes uploads.completed notifications and ingests
// the referenced file. A notification for a file that no longer exists
// is permanent: redelivery cannot bring the file back.
func (u *Uploader) HandleCompleted(msg *message.Message) error {
	var notice CompletedUpload
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		return broker.Permanent(fmt.Errorf("unmarshal completion %s: %w", msg.UUID, err))
	}
	if notice.Object == "" {
		return broker.Permanent(errors.New("completion notice missing object"))
	}

	_, _, err := u.IngestFile(msg.Context(), &notice)
	if errors.Is(err, ErrUploadObjectInvalid) || errors.Is(err, fs.ErrNotExist) {
		return broker.Permanent(err)
	}
	return err
}
