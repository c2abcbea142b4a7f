// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitx clones app repositories into per-task workspaces.
package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// Clone failure kinds.
var (
	ErrUnreachable  = errors.New("repository unreachable")
	ErrAuthRequired = errors.New("authentication required")
	ErrRefNotFound  = errors.New("ref not found")
	ErrCloneTimeout = errors.New("clone timed out")
)

// CloneOptions describes one clone request.
type CloneOptions struct {
	URL        string
	Ref        string
	Credential *model.Secret
	Timeout    time.Duration
}

// Checkout is the result of a successful clone.
type Checkout struct {
	Path       string
	CommitHash string
}

// Fetcher clones repositories under a configured workspace root. Each
// workspace belongs to exactly one task and is removed when the task
// terminates.
type Fetcher struct {
	root string
}

// NewFetcher returns a Fetcher rooted at the given directory.
func NewFetcher(root string) *Fetcher {
	return &Fetcher{root: root}
}

// WorkspacePath returns the directory a task's clone lands in.
func (f *Fetcher) WorkspacePath(taskID string) string {
	return filepath.Join(f.root, "workspaces", taskID)
}

// Clone performs a shallow (depth 1) clone of opts.URL at opts.Ref into the
// task's workspace and reports the checked-out commit. Credentials are held
// in memory only; nothing secret is written outside the workspace.
func (f *Fetcher) Clone(ctx context.Context, taskID string, opts CloneOptions) (Checkout, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	dir := f.WorkspacePath(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Checkout{}, errors.Wrap(err, "creating workspace")
	}
	auth, err := authMethod(opts.Credential)
	if err != nil {
		f.Cleanup(dir)
		return Checkout{}, err
	}
	cloneOpts := &git.CloneOptions{
		URL:          opts.URL,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
	}
	if opts.Ref != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Ref)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		f.Cleanup(dir)
		return Checkout{}, classify(ctx, err)
	}
	head, err := repo.Head()
	if err != nil {
		f.Cleanup(dir)
		return Checkout{}, errors.Wrap(err, "resolving HEAD")
	}
	return Checkout{Path: dir, CommitHash: head.Hash().String()}, nil
}

// Cleanup removes a workspace. Removing an absent workspace is a no-op.
func (f *Fetcher) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

func authMethod(cred *model.Secret) (transport.AuthMethod, error) {
	if cred == nil {
		return nil, nil
	}
	switch cred.AuthKind {
	case model.AuthToken:
		username := cred.Username
		if username == "" {
			username = "token"
		}
		return &githttp.BasicAuth{Username: username, Password: cred.Token}, nil
	case model.AuthSSHKey:
		keys, err := gitssh.NewPublicKeys("git", []byte(cred.SSHKey), "")
		if err != nil {
			return nil, errors.Wrap(err, "parsing ssh key")
		}
		return keys, nil
	default:
		return nil, errors.Wrapf(model.ErrInvalidInput, "unknown auth kind %q", cred.AuthKind)
	}
}

// classify maps go-git failures onto the fetcher's error kinds. Unreachable
// remotes and timeouts are transient; auth and ref failures are terminal.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", model.ErrTransient, ErrCloneTimeout)
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return errors.Wrap(ErrAuthRequired, err.Error())
	case errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, git.NoMatchingRefSpecError{}):
		return errors.Wrap(ErrRefNotFound, err.Error())
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %w: %v", model.ErrTransient, ErrUnreachable, err)
	default:
		return errors.Wrapf(model.ErrTransient, "clone failed: %v", err)
	}
}
