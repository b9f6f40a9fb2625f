// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"io"
)

// StorageType identifies the backend storage implementation
type StorageType string

const (
	StorageTypeLocal  StorageType = "local"  // Local filesystem
	StorageTypeS3     StorageType = "s3"     // S3-compatible
	StorageTypeMemory StorageType = "memory" // In-process, tests and dry runs
)

// BackendStorage stores pipeline outputs (transcripts, captions) by key.
type BackendStorage interface {
	// Type returns the storage type
	Type() StorageType

	// Write stores data under key, replacing any previous object atomically
	Write(ctx context.Context, key string, data io.Reader, size int64) error

	// Read opens the object stored under key
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data from the backend
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size of the stored data
	Size(ctx context.Context, key string) (int64, error)

	// Close releases any resources
	Close() error
}

// BackendConfig contains configuration for creating a backend storage instance
type BackendConfig struct {
	Type      StorageType `mapstructure:"type" json:"type"`
	Endpoint  string      `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Bucket    string      `mapstructure:"bucket" json:"bucket,omitempty"`
	Prefix    string      `mapstructure:"prefix" json:"prefix,omitempty"`
	Path      string      `mapstructure:"path" json:"path,omitempty"`
	Region    string      `mapstructure:"region" json:"region,omitempty"`
	AccessKey string      `mapstructure:"access_key" json:"access_key,omitempty"`
	SecretKey string      `mapstructure:"secret_key" json:"secret_key,omitempty"`
}
