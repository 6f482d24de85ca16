// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubTrail publishes audit entries to a Google Cloud Pub/Sub topic.
//
// # Description
//
// Messages carry the flattened entry as JSON and an "event" attribute so
// subscribers can filter without decoding. Publish is asynchronous: the
// publish result is awaited on a background goroutine and failures are
// only logged.
type PubSubTrail struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubTrail connects to projectID and binds topicID.
func NewPubSubTrail(ctx context.Context, projectID, topicID string) (*PubSubTrail, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubTrail{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Record implements Trail.
func (p *PubSubTrail) Record(ctx context.Context, entry Entry) {
	data, err := json.Marshal(entry.Flatten())
	if err != nil {
		slog.Error("audit.pubsub.marshal_failed", "event", entry.Event, "error", err)
		return
	}

	pubCtx := context.WithoutCancel(ctx)
	res := p.topic.Publish(pubCtx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event": entry.Event,
		},
	})

	go func() {
		getCtx, cancel := context.WithTimeout(pubCtx, 10*time.Second)
		defer cancel()
		if _, err := res.Get(getCtx); err != nil {
			slog.Error("audit.pubsub.publish_failed", "event", entry.Event, "error", err)
		}
	}()
}

// Close flushes pending messages and closes the client.
func (p *PubSubTrail) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

var _ Trail = (*PubSubTrail)(nil)
