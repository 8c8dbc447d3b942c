// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package broker provides the messaging layer: Watermill publishers and
// subscribers over NATS JetStream, the handler router with retry and
// poison queue middleware, stream provisioning, and an optional embedded
// NATS server for single-binary deployments.
package broker

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/tomtom215/causeway/internal/logging"
)

// ZerologAdapter bridges Watermill's LoggerAdapter to the application
// zerolog logger so broker internals log in the same format as the rest
// of the process.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewLoggerAdapter creates a Watermill logger writing through zerolog.
func NewLoggerAdapter() *ZerologAdapter {
	return &ZerologAdapter{logger: logging.WithComponent("broker")}
}

// NewLoggerAdapterWith wraps a specific zerolog logger.
func NewLoggerAdapterWith(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

func (a *ZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), msg, fields)
}

func (a *ZerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Info(), msg, fields)
}

func (a *ZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), msg, fields)
}

func (a *ZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), msg, fields)
}

// With returns a logger carrying the given fields on every entry.
func (a *ZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &ZerologAdapter{logger: ctx.Logger()}
}

func (a *ZerologAdapter) event(e *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
