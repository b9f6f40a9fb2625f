// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
	"sync"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	Env string

	once sync.Once
)

func IsLocal() bool {
	return Env == Local
}

// ZAPSCRIBE_ENV wins over ENV so the service can share a host with other tools.
func init() {
	once.Do(func() {
		Env = os.Getenv("ZAPSCRIBE_ENV")
		if Env == "" {
			Env = os.Getenv("ENV")
		}
		if Env == "" {
			Env = Local
		}
	})
}
