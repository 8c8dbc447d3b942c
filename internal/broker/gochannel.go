// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package broker

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewInProcessPubSub creates an in-memory pub/sub for tests and for
// running without NATS. It honors the same message.Publisher and
// message.Subscriber contracts as the JetStream transport, minus
// durability.
func NewInProcessPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = NewLoggerAdapter()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
}

// InProcessTransport bundles an in-memory pub/sub as both halves of the
// broker interface pair.
type InProcessTransport struct {
	pubSub *gochannel.GoChannel
}

// NewInProcessTransport creates the bundled in-memory transport.
func NewInProcessTransport(logger watermill.LoggerAdapter) *InProcessTransport {
	return &InProcessTransport{pubSub: NewInProcessPubSub(logger)}
}

// Publisher returns the publishing half.
func (t *InProcessTransport) Publisher() message.Publisher {
	return t.pubSub
}

// Subscriber returns the subscribing half.
func (t *InProcessTransport) Subscriber() message.Subscriber {
	return t.pubSub
}

// Close shuts down the transport and closes subscriber channels.
func (t *InProcessTransport) Close() error {
	return t.pubSub.Close()
}
