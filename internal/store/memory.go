// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// Memory is an in-process Store used for tests and single-node setups
// without a database. All methods are safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	apps        map[int64]*model.App
	deployments map[int64]*model.Deployment
	tasks       map[string]*model.Task
	credentials map[int64]*model.GitCredential
	nextApp     int64
	nextDeploy  int64
	nextCred    int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		apps:        make(map[int64]*model.App),
		deployments: make(map[int64]*model.Deployment),
		tasks:       make(map[string]*model.Task),
		credentials: make(map[int64]*model.GitCredential),
	}
}

func copyApp(a *model.App) *model.App {
	c := *a
	c.EnvVars = append([]model.EnvVar(nil), a.EnvVars...)
	if a.CredentialID != nil {
		id := *a.CredentialID
		c.CredentialID = &id
	}
	if a.LastDeployedAt != nil {
		t := *a.LastDeployedAt
		c.LastDeployedAt = &t
	}
	return &c
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func (m *Memory) CreateApp(ctx context.Context, app *model.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app.Subdomain != "" {
		for _, other := range m.apps {
			if other.Subdomain == app.Subdomain {
				return errors.Wrapf(model.ErrConflict, "subdomain %q taken", app.Subdomain)
			}
		}
	}
	m.nextApp++
	app.ID = m.nextApp
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	m.apps[app.ID] = copyApp(app)
	return nil
}

func (m *Memory) GetApp(ctx context.Context, id int64) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	return copyApp(app), nil
}

func (m *Memory) UpdateApp(ctx context.Context, app *model.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.apps[app.ID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", app.ID)
	}
	if app.Subdomain != "" {
		for id, other := range m.apps {
			if id != app.ID && other.Subdomain == app.Subdomain {
				return errors.Wrapf(model.ErrConflict, "subdomain %q taken", app.Subdomain)
			}
		}
	}
	updated := copyApp(app)
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.apps[app.ID] = updated
	app.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *Memory) DeleteApp(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[id]; !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	delete(m.apps, id)
	for did, d := range m.deployments {
		if d.AppID == id {
			delete(m.deployments, did)
		}
	}
	for tid, t := range m.tasks {
		if t.AppID == id {
			delete(m.tasks, tid)
		}
	}
	return nil
}

func (m *Memory) listApps(filter func(*model.App) bool) []*model.App {
	var out []*model.App
	for _, app := range m.apps {
		if filter(app) {
			out = append(out, copyApp(app))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ListApps(ctx context.Context) ([]*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listApps(func(*model.App) bool { return true }), nil
}

func (m *Memory) ListAppsByOwner(ctx context.Context, ownerID int64) ([]*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listApps(func(a *model.App) bool { return a.OwnerID == ownerID }), nil
}

func (m *Memory) ListPublicApps(ctx context.Context) ([]*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listApps(func(a *model.App) bool { return a.IsPublic }), nil
}

func (m *Memory) FindAppBySubdomain(ctx context.Context, subdomain string) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.apps {
		if app.Subdomain == subdomain {
			return copyApp(app), nil
		}
	}
	return nil, errors.Wrapf(model.ErrNotFound, "subdomain %q", subdomain)
}

func (m *Memory) SetAppStatus(ctx context.Context, id int64, status model.AppStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	app.Status = status
	app.UpdatedAt = time.Now().UTC()
	return nil
}

// terminalTask reports whether the referenced task may be superseded. An id
// that no longer resolves counts as terminal.
func (m *Memory) terminalTask(id string) bool {
	if id == "" {
		return true
	}
	t, ok := m.tasks[id]
	return !ok || t.State.Terminal()
}

func (m *Memory) ClaimTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		return errors.Wrap(model.ErrInvalidInput, "task id required")
	}
	app, ok := m.apps[t.AppID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", t.AppID)
	}
	if !m.terminalTask(app.TaskIDFor(t.Kind)) {
		return errors.Wrapf(model.ErrConflict, "a %s task is already active for app %d", t.Kind, t.AppID)
	}
	if _, ok := m.tasks[t.ID]; ok {
		return errors.Wrapf(model.ErrConflict, "task %s exists", t.ID)
	}
	m.setTaskID(app, t.Kind, t.ID)
	m.tasks[t.ID] = copyTask(t)
	app.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ClearTaskID(ctx context.Context, appID int64, kind model.TaskKind, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", appID)
	}
	if app.TaskIDFor(kind) == taskID {
		m.setTaskID(app, kind, "")
		app.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) setTaskID(app *model.App, kind model.TaskKind, id string) {
	switch kind {
	case model.TaskBuild:
		app.BuildTaskID = id
	case model.TaskDeploy:
		app.DeployTaskID = id
	case model.TaskStop:
		app.StopTaskID = id
	}
}

func (m *Memory) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[d.AppID]; !ok {
		return errors.Wrapf(model.ErrNotFound, "app %d", d.AppID)
	}
	m.nextDeploy++
	d.ID = m.nextDeploy
	if d.DeployedAt.IsZero() {
		d.DeployedAt = time.Now().UTC()
	}
	c := *d
	m.deployments[d.ID] = &c
	return nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return errors.Wrapf(model.ErrNotFound, "deployment %d", d.ID)
	}
	c := *d
	m.deployments[d.ID] = &c
	return nil
}

func (m *Memory) listDeployments(appID int64) []*model.Deployment {
	var out []*model.Deployment
	for _, d := range m.deployments {
		if d.AppID == appID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (m *Memory) LatestDeployment(ctx context.Context, appID int64) (*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.listDeployments(appID)
	if len(ds) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "no deployments for app %d", appID)
	}
	return ds[0], nil
}

func (m *Memory) ListDeployments(ctx context.Context, appID int64) ([]*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDeployments(appID), nil
}

func (m *Memory) PruneDeployments(ctx context.Context, appID int64, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.listDeployments(appID)
	if len(ds) <= keep {
		return 0, nil
	}
	for _, d := range ds[keep:] {
		delete(m.deployments, d.ID)
	}
	return len(ds) - keep, nil
}

func (m *Memory) CreateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := m.tasks[t.ID]; ok {
		return errors.Wrapf(model.ErrConflict, "task %s exists", t.ID)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "task %s", id)
	}
	return copyTask(t), nil
}

func (m *Memory) UpdateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return errors.Wrapf(model.ErrNotFound, "task %s", t.ID)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) ListTasksByApp(ctx context.Context, appID int64) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.AppID == appID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateCredential(ctx context.Context, c *model.GitCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCred++
	c.ID = m.nextCred
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	cc := *c
	m.credentials[c.ID] = &cc
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, id int64) (*model.GitCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "credential %d", id)
	}
	cc := *c
	return &cc, nil
}

func (m *Memory) ListCredentialsByOwner(ctx context.Context, ownerID int64) ([]*model.GitCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.GitCredential
	for _, c := range m.credentials {
		if c.OwnerID == ownerID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteCredential(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[id]; !ok {
		return errors.Wrapf(model.ErrNotFound, "credential %d", id)
	}
	delete(m.credentials, id)
	return nil
}

var _ Store = (*Memory)(nil)
