// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"encoding/hex"
	"hash"
	"io"
	"sync"

	"github.com/minio/sha256-simd"
)

// CopyBufferSize is the buffer size used when streaming chunks to disk.
const CopyBufferSize = 1 << 20

var (
	copyBufPool = sync.Pool{
		New: func() any {
			buf := make([]byte, CopyBufferSize)
			return &buf
		},
	}
	sha256Pool = sync.Pool{
		New: func() any {
			return sha256.New()
		},
	}
)

func Sha256PoolGetHasher() hash.Hash {
	return sha256Pool.Get().(hash.Hash)
}

func Sha256PoolPutHasher(h hash.Hash) {
	h.Reset()
	sha256Pool.Put(h)
}

// CopyBuffered copies src to dst through a pooled 1MiB buffer.
func CopyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}

// Sha256Hex returns the hex SHA-256 of r and the number of bytes read.
func Sha256Hex(r io.Reader) (string, int64, error) {
	h := Sha256PoolGetHasher()
	defer Sha256PoolPutHasher(h)
	n, err := CopyBuffered(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
