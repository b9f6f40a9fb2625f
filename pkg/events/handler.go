// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
)

// Publisher is the interface for event notification backends.
type Publisher interface {
	// Name returns the publisher identifier (e.g., "redis", "kafka").
	Name() string

	// Publish sends an event. key identifies the job and is used for
	// channel naming or partitioning.
	Publish(ctx context.Context, key string, event []byte) error

	Close() error
}

// Handler processes job_event tasks and delivers them to every publisher.
type Handler struct {
	publishers []Publisher
}

// NewHandler creates an event handler.
func NewHandler(publishers []Publisher) *Handler {
	return &Handler{publishers: publishers}
}

func (h *Handler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeJobEvent
}

// Handle delivers the event. A failure of any publisher fails the task so it
// is retried; publishers that already succeeded may then see it twice.
func (h *Handler) Handle(ctx context.Context, task *taskqueue.Task) error {
	var event JobEvent
	if err := json.Unmarshal(task.Payload, &event); err != nil {
		return taskqueue.Permanent(fmt.Errorf("invalid job event payload: %w", err))
	}
	if len(h.publishers) == 0 {
		return nil
	}

	var errs, retryable []error
	for _, pub := range h.publishers {
		err := pub.Publish(ctx, event.Job.JobID, task.Payload)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("publisher", pub.Name()).
				Str("job_id", event.Job.JobID).
				Str("event", event.EventName).
				Msg("failed to publish job event")
			EventsDeliveryErrorsTotal.WithLabelValues(pub.Name()).Inc()
			errs = append(errs, err)
			if !taskqueue.IsPermanent(err) {
				retryable = append(retryable, err)
			}
			continue
		}
		EventsDeliveredTotal.WithLabelValues(pub.Name()).Inc()
		logger.Debug().
			Str("publisher", pub.Name()).
			Str("job_id", event.Job.JobID).
			Str("event", event.EventName).
			Msg("delivered job event")
	}

	if len(errs) == 0 {
		return nil
	}
	if len(retryable) == 0 {
		return taskqueue.Permanent(errors.Join(errs...))
	}
	return errors.Join(retryable...)
}

// Close closes every publisher.
func (h *Handler) Close() error {
	var errs []error
	for _, pub := range h.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NewPublishers builds the publishers enabled in cfg. On error, publishers
// created so far are closed.
func NewPublishers(cfg Config) ([]Publisher, error) {
	cfg.Validate()

	var pubs []Publisher
	fail := func(err error) ([]Publisher, error) {
		for _, p := range pubs {
			p.Close()
		}
		return nil, err
	}

	if cfg.Redis.Enabled {
		p, err := NewRedisPublisher(cfg.Redis)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if cfg.Kafka.Enabled {
		p, err := NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if cfg.Webhook.Enabled {
		p, err := NewWebhookPublisher(cfg.Webhook)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}
