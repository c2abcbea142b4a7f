// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
)

// CommandOptions configures one docker CLI invocation.
type CommandOptions struct {
	// Input provides stdin to the command.
	Input io.Reader
	// Output streams combined stdout/stderr to the writer (if nil, output is
	// discarded).
	Output io.Writer
	// Dir is the directory in which the command is run.
	Dir string
}

// CommandExecutor abstracts command execution so the CLI engine can be tested
// without a docker binary.
type CommandExecutor interface {
	// Execute runs a command with the given options, returning an error on
	// non-zero exit. Comparable to exec.CommandContext(...).Run().
	Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error
	// LookPath reports where the named binary resolves on PATH.
	LookPath(file string) (string, error)
}

type realCommandExecutor struct{}

// NewRealCommandExecutor returns a CommandExecutor backed by os/exec.
func NewRealCommandExecutor() CommandExecutor {
	return &realCommandExecutor{}
}

func (r *realCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Input != nil {
		cmd.Stdin = opts.Input
	}
	if opts.Output != nil {
		cmd.Stdout = opts.Output
		cmd.Stderr = opts.Output
	}
	cmd.Dir = opts.Dir
	return cmd.Run()
}

func (r *realCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// capture runs a command and returns its combined output with surrounding
// whitespace trimmed. The output is returned even when the command fails.
func capture(ctx context.Context, ex CommandExecutor, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	err := ex.Execute(ctx, CommandOptions{Output: &buf}, name, args...)
	return strings.TrimSpace(buf.String()), err
}

// lineWriter forwards each completed line written through it to a callback.
// Partial trailing lines are flushed on Close.
type lineWriter struct {
	cb  func(string)
	buf bytes.Buffer
}

func newLineWriter(cb func(string)) *lineWriter {
	return &lineWriter{cb: cb}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered.
			w.buf.WriteString(line)
			break
		}
		if w.cb != nil {
			w.cb(strings.TrimRight(line, "\r\n"))
		}
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	if rest := strings.TrimRight(w.buf.String(), "\r\n"); rest != "" && w.cb != nil {
		w.cb(rest)
	}
	w.buf.Reset()
	return nil
}
