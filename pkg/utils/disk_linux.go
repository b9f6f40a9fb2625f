// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package utils

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync syncs file data to disk without flushing unnecessary metadata.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// Disk returns total and available bytes of the filesystem holding path.
func Disk(path string) (DiskStatus, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return DiskStatus{}, err
	}
	return DiskStatus{
		All:  fs.Blocks * uint64(fs.Bsize),
		Free: fs.Bavail * uint64(fs.Bsize),
	}, nil
}
