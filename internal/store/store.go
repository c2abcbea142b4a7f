// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the catalog interface: apps, deployments, tasks, and git
// credentials, with the task-claim compare-and-set that keeps concurrent
// pipelines off the same app.
package store

import (
	"context"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// Store is the narrow catalog contract. Implementations must make every
// mutation transactional at the row level.
type Store interface {
	// CreateApp inserts app, assigning ID and CreatedAt. The caller derives
	// and sets Subdomain afterwards through UpdateApp; the store enforces
	// subdomain uniqueness with ErrConflict.
	CreateApp(ctx context.Context, app *model.App) error
	GetApp(ctx context.Context, id int64) (*model.App, error)
	UpdateApp(ctx context.Context, app *model.App) error
	DeleteApp(ctx context.Context, id int64) error
	ListApps(ctx context.Context) ([]*model.App, error)
	ListAppsByOwner(ctx context.Context, ownerID int64) ([]*model.App, error)
	ListPublicApps(ctx context.Context) ([]*model.App, error)
	FindAppBySubdomain(ctx context.Context, subdomain string) (*model.App, error)

	// SetAppStatus updates only the status column.
	SetAppStatus(ctx context.Context, id int64, status model.AppStatus) error

	// ClaimTask records t.ID in the app's task column for t.Kind and inserts
	// the task row, as one atomic step, so a concurrent claimer can never
	// observe the column set without its row. The claim succeeds only when
	// the current column value is empty or names a terminal task; a live
	// claim fails with ErrConflict and inserts nothing. This is the
	// single-non-terminal-task guard and must hold under concurrent callers.
	ClaimTask(ctx context.Context, t *model.Task) error
	// ClearTaskID empties the app's column for kind when it still holds
	// taskID. Stale clears are no-ops.
	ClearTaskID(ctx context.Context, appID int64, kind model.TaskKind, taskID string) error

	CreateDeployment(ctx context.Context, d *model.Deployment) error
	UpdateDeployment(ctx context.Context, d *model.Deployment) error
	LatestDeployment(ctx context.Context, appID int64) (*model.Deployment, error)
	ListDeployments(ctx context.Context, appID int64) ([]*model.Deployment, error)
	// PruneDeployments keeps the newest keep rows per app and deletes the
	// rest, returning the number removed.
	PruneDeployments(ctx context.Context, appID int64, keep int) (int, error)

	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	ListTasksByApp(ctx context.Context, appID int64) ([]*model.Task, error)

	CreateCredential(ctx context.Context, c *model.GitCredential) error
	GetCredential(ctx context.Context, id int64) (*model.GitCredential, error)
	ListCredentialsByOwner(ctx context.Context, ownerID int64) ([]*model.GitCredential, error)
	DeleteCredential(ctx context.Context, id int64) error
}
