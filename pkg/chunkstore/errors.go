// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies chunk store failures for callers and the HTTP layer.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeInvalid
	ErrCodeNotFound
	ErrCodeMissingChunks
	ErrCodeTooLarge
	ErrCodeInsufficientStorage
	ErrCodeChecksumMismatch
	ErrCodeSizeMismatch
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalid:
		return "invalid_request"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeMissingChunks:
		return "missing_chunks"
	case ErrCodeTooLarge:
		return "chunk_too_large"
	case ErrCodeInsufficientStorage:
		return "insufficient_storage"
	case ErrCodeChecksumMismatch:
		return "checksum_mismatch"
	case ErrCodeSizeMismatch:
		return "size_mismatch"
	case ErrCodeInternal:
		return "internal"
	default:
		return "none"
	}
}

// Error is returned by every Store operation that fails.
type Error struct {
	Code    ErrorCode
	Message string
	// MissingChunks lists absent chunk numbers when Code is ErrCodeMissingChunks.
	MissingChunks []int
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func invalidf(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf(format, args...)}
}

func internal(msg string, err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: msg, Err: err}
}

func missing(numbers []int) *Error {
	return &Error{
		Code:          ErrCodeMissingChunks,
		Message:       fmt.Sprintf("missing %d chunk(s): %v", len(numbers), numbers),
		MissingChunks: numbers,
	}
}
