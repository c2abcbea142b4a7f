// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"
)

// Error kinds. Components wrap these sentinels so callers can classify
// failures with errors.Is without caring about the originating layer.
var (
	// ErrInvalidInput marks schema or validation failures. No state change.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict marks invariant violations such as a second non-terminal
	// task of the same kind or a duplicate subdomain. No state change.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown app, task, or credential id.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks network or engine transport failures that the task
	// engine may retry.
	ErrTransient = errors.New("transient failure")
	// ErrBuildFailure marks an image build that failed with captured log.
	ErrBuildFailure = errors.New("build failure")
	// ErrDeployFailure marks a container start, health, or proxy reload
	// failure during deploy.
	ErrDeployFailure = errors.New("deploy failure")
	// ErrCanceled marks user-requested cancellation. Cleanup still runs.
	ErrCanceled = errors.New("cancellation requested")
)

// Transient reports whether err should be retried by the task engine.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Terminal reports whether err must not be retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrBuildFailure) ||
		errors.Is(err, ErrDeployFailure) ||
		errors.Is(err, ErrCanceled) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound)
}

// maxUserLog bounds the log excerpt included in user-visible messages.
const maxUserLog = 64 << 10

// TruncateLog returns the last at-most-64KiB of a build or runtime log.
func TruncateLog(s string) string {
	if len(s) <= maxUserLog {
		return s
	}
	return s[len(s)-maxUserLog:]
}
