// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

const (
	DefaultAttempts       = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultAttemptTimeout = 5 * time.Minute
)

// RetryConfig bounds the retries of a Retrying transcriber.
type RetryConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// Retrying retries transient failures of the wrapped Transcriber.
type Retrying struct {
	inner   Transcriber
	cfg     RetryConfig
	limiter Limiter
	name    string
}

// NewRetrying wraps inner. name labels metrics and logs; limiter may be nil.
func NewRetrying(inner Transcriber, name string, cfg RetryConfig, limiter Limiter) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Retrying{inner: inner, cfg: cfg, limiter: limiter, name: name}
}

// Transcribe calls the wrapped transcriber up to Attempts times.
func (r *Retrying) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkInput(path); err != nil {
		requestsTotal.WithLabelValues(r.name, "rejected").Inc()
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := utils.JitterUp(utils.Backoff(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt-1), 0.2)
			logger.Ctx(ctx).Warn().
				Err(lastErr).
				Str("path", path).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("stt: retrying transcription")
			if err := utils.Sleep(ctx, delay); err != nil {
				return "", err
			}
			retriesTotal.WithLabelValues(r.name).Inc()
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		text, err := r.attempt(ctx, path)
		if err == nil {
			requestsTotal.WithLabelValues(r.name, "ok").Inc()
			return text, nil
		}
		if ctx.Err() != nil {
			requestsTotal.WithLabelValues(r.name, "cancelled").Inc()
			return "", ctx.Err()
		}
		lastErr = err
		if !IsTransient(err) {
			requestsTotal.WithLabelValues(r.name, "failed").Inc()
			return "", err
		}
	}

	requestsTotal.WithLabelValues(r.name, "exhausted").Inc()
	return "", fmt.Errorf("stt: giving up after %d attempts: %w", r.cfg.Attempts, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, path string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	text, err := r.inner.Transcribe(attemptCtx, path)
	requestDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return "", Transient(fmt.Errorf("attempt timed out after %s: %w", r.cfg.AttemptTimeout, err))
	}
	return text, err
}
