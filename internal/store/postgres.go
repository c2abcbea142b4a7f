// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// Schema is the catalog DDL. Migrate applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS apps (
    id                BIGSERIAL PRIMARY KEY,
    owner_id          BIGINT NOT NULL,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    git_url           TEXT NOT NULL,
    branch            TEXT NOT NULL DEFAULT 'main',
    entry_file        TEXT NOT NULL DEFAULT 'app.py',
    base_image_choice TEXT NOT NULL DEFAULT 'auto',
    custom_base_image TEXT NOT NULL DEFAULT '',
    custom_overlay    TEXT NOT NULL DEFAULT '',
    credential_id     BIGINT,
    env_vars          JSONB NOT NULL DEFAULT '[]',
    subdomain         TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'stopped',
    container_id      TEXT NOT NULL DEFAULT '',
    image_tag         TEXT NOT NULL DEFAULT '',
    build_task_id     TEXT NOT NULL DEFAULT '',
    deploy_task_id    TEXT NOT NULL DEFAULT '',
    stop_task_id      TEXT NOT NULL DEFAULT '',
    is_public         BOOLEAN NOT NULL DEFAULT FALSE,
    last_deployed_at  TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS apps_subdomain_idx ON apps (subdomain) WHERE subdomain <> '';

CREATE TABLE IF NOT EXISTS deployments (
    id              BIGSERIAL PRIMARY KEY,
    app_id          BIGINT NOT NULL REFERENCES apps (id) ON DELETE CASCADE,
    commit_hash     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    variant         TEXT NOT NULL DEFAULT '',
    dockerfile_hash TEXT NOT NULL DEFAULT '',
    build_log       TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    deployed_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS deployments_app_idx ON deployments (app_id, id DESC);

CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    app_id        BIGINT NOT NULL,
    state         TEXT NOT NULL,
    params        JSONB NOT NULL DEFAULT '{}',
    current       INT NOT NULL DEFAULT 0,
    total         INT NOT NULL DEFAULT 0,
    message       TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ,
    finished_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tasks_app_idx ON tasks (app_id);

CREATE TABLE IF NOT EXISTS git_credentials (
    id         BIGSERIAL PRIMARY KEY,
    owner_id   BIGINT NOT NULL,
    name       TEXT NOT NULL,
    provider   TEXT NOT NULL DEFAULT '',
    auth_kind  TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the production Store.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to catalog database")
	}
	return &Postgres{db: db}, nil
}

// Migrate applies Schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return errors.Wrap(err, "applying schema")
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

type appRow struct {
	ID              int64          `db:"id"`
	OwnerID         int64          `db:"owner_id"`
	Name            string         `db:"name"`
	Description     string         `db:"description"`
	GitURL          string         `db:"git_url"`
	Branch          string         `db:"branch"`
	EntryFile       string         `db:"entry_file"`
	BaseImageChoice string         `db:"base_image_choice"`
	CustomBaseImage string         `db:"custom_base_image"`
	CustomOverlay   string         `db:"custom_overlay"`
	CredentialID    sql.NullInt64  `db:"credential_id"`
	EnvVars         []byte         `db:"env_vars"`
	Subdomain       string         `db:"subdomain"`
	Status          string         `db:"status"`
	ContainerID     string         `db:"container_id"`
	ImageTag        string         `db:"image_tag"`
	BuildTaskID     string         `db:"build_task_id"`
	DeployTaskID    string         `db:"deploy_task_id"`
	StopTaskID      string         `db:"stop_task_id"`
	IsPublic        bool           `db:"is_public"`
	LastDeployedAt  sql.NullTime   `db:"last_deployed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *appRow) toModel() (*model.App, error) {
	app := &model.App{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Name,
		Description:     r.Description,
		GitURL:          r.GitURL,
		Branch:          r.Branch,
		EntryFile:       r.EntryFile,
		BaseImageChoice: model.BaseImageChoice(r.BaseImageChoice),
		CustomBaseImage: r.CustomBaseImage,
		CustomOverlay:   r.CustomOverlay,
		Subdomain:       r.Subdomain,
		Status:          model.AppStatus(r.Status),
		ContainerID:     r.ContainerID,
		ImageTag:        r.ImageTag,
		BuildTaskID:     r.BuildTaskID,
		DeployTaskID:    r.DeployTaskID,
		StopTaskID:      r.StopTaskID,
		IsPublic:        r.IsPublic,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.CredentialID.Valid {
		id := r.CredentialID.Int64
		app.CredentialID = &id
	}
	if r.LastDeployedAt.Valid {
		t := r.LastDeployedAt.Time
		app.LastDeployedAt = &t
	}
	if len(r.EnvVars) > 0 {
		if err := json.Unmarshal(r.EnvVars, &app.EnvVars); err != nil {
			return nil, errors.Wrap(err, "decoding env vars")
		}
	}
	return app, nil
}

func appArgs(app *model.App) (map[string]interface{}, error) {
	env, err := json.Marshal(app.EnvVars)
	if err != nil {
		return nil, errors.Wrap(err, "encoding env vars")
	}
	var cred interface{}
	if app.CredentialID != nil {
		cred = *app.CredentialID
	}
	var last interface{}
	if app.LastDeployedAt != nil {
		last = *app.LastDeployedAt
	}
	return map[string]interface{}{
		"id":                app.ID,
		"owner_id":          app.OwnerID,
		"name":              app.Name,
		"description":       app.Description,
		"git_url":           app.GitURL,
		"branch":            app.Branch,
		"entry_file":        app.EntryFile,
		"base_image_choice": string(app.BaseImageChoice),
		"custom_base_image": app.CustomBaseImage,
		"custom_overlay":    app.CustomOverlay,
		"credential_id":     cred,
		"env_vars":          env,
		"subdomain":         app.Subdomain,
		"status":            string(app.Status),
		"container_id":      app.ContainerID,
		"image_tag":         app.ImageTag,
		"build_task_id":     app.BuildTaskID,
		"deploy_task_id":    app.DeployTaskID,
		"stop_task_id":      app.StopTaskID,
		"is_public":         app.IsPublic,
		"last_deployed_at":  last,
	}, nil
}

// isUniqueViolation matches the postgres unique_violation SQLSTATE.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}

func (p *Postgres) CreateApp(ctx context.Context, app *model.App) error {
	args, err := appArgs(app)
	if err != nil {
		return err
	}
	rows, err := p.db.NamedQueryContext(ctx, `
		INSERT INTO apps (owner_id, name, description, git_url, branch, entry_file,
			base_image_choice, custom_base_image, custom_overlay, credential_id,
			env_vars, subdomain, status, is_public)
		VALUES (:owner_id, :name, :description, :git_url, :branch, :entry_file,
			:base_image_choice, :custom_base_image, :custom_overlay, :credential_id,
			:env_vars, :subdomain, :status, :is_public)
		RETURNING id, created_at, updated_at`, args)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(model.ErrConflict, "subdomain %q taken", app.Subdomain)
		}
		return errors.Wrap(err, "inserting app")
	}
	defer rows.Close()
	if !rows.Next() {
		return errors.New("insert returned no row")
	}
	return errors.Wrap(rows.Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt), "scanning insert result")
}

func (p *Postgres) GetApp(ctx context.Context, id int64) (*model.App, error) {
	var row appRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM apps WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying app")
	}
	return row.toModel()
}

func (p *Postgres) UpdateApp(ctx context.Context, app *model.App) error {
	args, err := appArgs(app)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE apps SET
			name = :name, description = :description, git_url = :git_url,
			branch = :branch, entry_file = :entry_file,
			base_image_choice = :base_image_choice,
			custom_base_image = :custom_base_image,
			custom_overlay = :custom_overlay, credential_id = :credential_id,
			env_vars = :env_vars, subdomain = :subdomain, status = :status,
			container_id = :container_id, image_tag = :image_tag,
			is_public = :is_public, last_deployed_at = :last_deployed_at,
			updated_at = now()
		WHERE id = :id`, args)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(model.ErrConflict, "subdomain %q taken", app.Subdomain)
		}
		return errors.Wrap(err, "updating app")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "updating app")
	}
	if n == 0 {
		return errors.Wrapf(model.ErrNotFound, "app %d", app.ID)
	}
	return nil
}

func (p *Postgres) DeleteApp(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting app")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM tasks WHERE app_id = $1`, id)
	return errors.Wrap(err, "deleting app tasks")
}

func (p *Postgres) queryApps(ctx context.Context, query string, args ...interface{}) ([]*model.App, error) {
	var rows []appRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying apps")
	}
	out := make([]*model.App, 0, len(rows))
	for i := range rows {
		app, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}

func (p *Postgres) ListApps(ctx context.Context) ([]*model.App, error) {
	return p.queryApps(ctx, `SELECT * FROM apps ORDER BY id`)
}

func (p *Postgres) ListAppsByOwner(ctx context.Context, ownerID int64) ([]*model.App, error) {
	return p.queryApps(ctx, `SELECT * FROM apps WHERE owner_id = $1 ORDER BY id`, ownerID)
}

func (p *Postgres) ListPublicApps(ctx context.Context) ([]*model.App, error) {
	return p.queryApps(ctx, `SELECT * FROM apps WHERE is_public ORDER BY id`)
}

func (p *Postgres) FindAppBySubdomain(ctx context.Context, subdomain string) (*model.App, error) {
	var row appRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM apps WHERE subdomain = $1`, subdomain)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrNotFound, "subdomain %q", subdomain)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying app")
	}
	return row.toModel()
}

func (p *Postgres) SetAppStatus(ctx context.Context, id int64, status model.AppStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE apps SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return errors.Wrap(err, "updating status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "app %d", id)
	}
	return nil
}

func taskColumn(kind model.TaskKind) (string, error) {
	switch kind {
	case model.TaskBuild:
		return "build_task_id", nil
	case model.TaskDeploy:
		return "deploy_task_id", nil
	case model.TaskStop:
		return "stop_task_id", nil
	}
	return "", errors.Wrapf(model.ErrInvalidInput, "unknown task kind %q", kind)
}

func (p *Postgres) ClaimTask(ctx context.Context, t *model.Task) error {
	col, err := taskColumn(t.Kind)
	if err != nil {
		return err
	}
	if t.ID == "" {
		return errors.Wrap(model.ErrInvalidInput, "task id required")
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return errors.Wrap(err, "encoding task params")
	}
	// The claim and the task insert run in one transaction under the app's
	// row lock, so a concurrent claimer can never observe the column set
	// without its task row.
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning claim")
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.GetContext(ctx, &current,
		fmt.Sprintf(`SELECT %s FROM apps WHERE id = $1 FOR UPDATE`, col), t.AppID)
	if err == sql.ErrNoRows {
		return errors.Wrapf(model.ErrNotFound, "app %d", t.AppID)
	}
	if err != nil {
		return errors.Wrap(err, "locking app row")
	}
	if current != "" {
		var live bool
		err = tx.GetContext(ctx, &live, `
			SELECT EXISTS (
				SELECT 1 FROM tasks
				WHERE id = $1 AND state NOT IN ('success', 'failure', 'revoked'))`, current)
		if err != nil {
			return errors.Wrap(err, "checking current task")
		}
		if live {
			return errors.Wrapf(model.ErrConflict, "a %s task is already active for app %d", t.Kind, t.AppID)
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE apps SET %s = $1, updated_at = now() WHERE id = $2`, col), t.ID, t.AppID); err != nil {
		return errors.Wrap(err, "recording claim")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, app_id, state, params, current, total, message, error_message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, string(t.Kind), t.AppID, string(t.State), params,
		t.Progress.Current, t.Progress.Total, t.Progress.Message,
		t.ErrorMessage, t.StartedAt, t.FinishedAt); err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(model.ErrConflict, "task %s exists", t.ID)
		}
		return errors.Wrap(err, "inserting task")
	}
	return errors.Wrap(tx.Commit(), "committing claim")
}

func (p *Postgres) ClearTaskID(ctx context.Context, appID int64, kind model.TaskKind, taskID string) error {
	col, err := taskColumn(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE apps SET %[1]s = '', updated_at = now() WHERE id = $1 AND %[1]s = $2`, col)
	_, err = p.db.ExecContext(ctx, q, appID, taskID)
	return errors.Wrap(err, "clearing task id")
}

func (p *Postgres) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO deployments (app_id, commit_hash, status, variant, dockerfile_hash, build_log, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, deployed_at`,
		d.AppID, d.CommitHash, string(d.Status), d.Variant, d.DockerfileHash, d.BuildLog, d.ErrorMessage)
	return errors.Wrap(row.Scan(&d.ID, &d.DeployedAt), "inserting deployment")
}

func (p *Postgres) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE deployments SET commit_hash = $1, status = $2, variant = $3,
			dockerfile_hash = $4, build_log = $5, error_message = $6
		WHERE id = $7`,
		d.CommitHash, string(d.Status), d.Variant, d.DockerfileHash, d.BuildLog, d.ErrorMessage, d.ID)
	if err != nil {
		return errors.Wrap(err, "updating deployment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "deployment %d", d.ID)
	}
	return nil
}

type deploymentRow struct {
	ID             int64     `db:"id"`
	AppID          int64     `db:"app_id"`
	CommitHash     string    `db:"commit_hash"`
	Status         string    `db:"status"`
	Variant        string    `db:"variant"`
	DockerfileHash string    `db:"dockerfile_hash"`
	BuildLog       string    `db:"build_log"`
	ErrorMessage   string    `db:"error_message"`
	DeployedAt     time.Time `db:"deployed_at"`
}

func (r *deploymentRow) toModel() *model.Deployment {
	return &model.Deployment{
		ID:             r.ID,
		AppID:          r.AppID,
		CommitHash:     r.CommitHash,
		Status:         model.DeploymentStatus(r.Status),
		Variant:        r.Variant,
		DockerfileHash: r.DockerfileHash,
		BuildLog:       r.BuildLog,
		ErrorMessage:   r.ErrorMessage,
		DeployedAt:     r.DeployedAt,
	}
}

func (p *Postgres) LatestDeployment(ctx context.Context, appID int64) (*model.Deployment, error) {
	var row deploymentRow
	err := p.db.GetContext(ctx, &row,
		`SELECT * FROM deployments WHERE app_id = $1 ORDER BY id DESC LIMIT 1`, appID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrNotFound, "no deployments for app %d", appID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying deployment")
	}
	return row.toModel(), nil
}

func (p *Postgres) ListDeployments(ctx context.Context, appID int64) ([]*model.Deployment, error) {
	var rows []deploymentRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM deployments WHERE app_id = $1 ORDER BY id DESC`, appID)
	if err != nil {
		return nil, errors.Wrap(err, "querying deployments")
	}
	out := make([]*model.Deployment, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (p *Postgres) PruneDeployments(ctx context.Context, appID int64, keep int) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM deployments WHERE app_id = $1 AND id NOT IN (
			SELECT id FROM deployments WHERE app_id = $1 ORDER BY id DESC LIMIT $2)`,
		appID, keep)
	if err != nil {
		return 0, errors.Wrap(err, "pruning deployments")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "pruning deployments")
}

type taskRow struct {
	ID           string       `db:"id"`
	Kind         string       `db:"kind"`
	AppID        int64        `db:"app_id"`
	State        string       `db:"state"`
	Params       []byte       `db:"params"`
	Current      int          `db:"current"`
	Total        int          `db:"total"`
	Message      string       `db:"message"`
	ErrorMessage string       `db:"error_message"`
	StartedAt    sql.NullTime `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
}

func (r *taskRow) toModel() (*model.Task, error) {
	t := &model.Task{
		ID:           r.ID,
		Kind:         model.TaskKind(r.Kind),
		AppID:        r.AppID,
		State:        model.TaskState(r.State),
		Progress:     model.Progress{Current: r.Current, Total: r.Total, Message: r.Message},
		ErrorMessage: r.ErrorMessage,
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &t.Params); err != nil {
			return nil, errors.Wrap(err, "decoding task params")
		}
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.FinishedAt.Valid {
		v := r.FinishedAt.Time
		t.FinishedAt = &v
	}
	return t, nil
}

func (p *Postgres) CreateTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		return errors.Wrap(model.ErrInvalidInput, "task id required")
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return errors.Wrap(err, "encoding task params")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, app_id, state, params, current, total, message, error_message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, string(t.Kind), t.AppID, string(t.State), params,
		t.Progress.Current, t.Progress.Total, t.Progress.Message,
		t.ErrorMessage, t.StartedAt, t.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(model.ErrConflict, "task %s exists", t.ID)
		}
		return errors.Wrap(err, "inserting task")
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying task")
	}
	return row.toModel()
}

func (p *Postgres) UpdateTask(ctx context.Context, t *model.Task) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET state = $1, current = $2, total = $3, message = $4,
			error_message = $5, started_at = $6, finished_at = $7
		WHERE id = $8`,
		string(t.State), t.Progress.Current, t.Progress.Total, t.Progress.Message,
		t.ErrorMessage, t.StartedAt, t.FinishedAt, t.ID)
	if err != nil {
		return errors.Wrap(err, "updating task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "task %s", t.ID)
	}
	return nil
}

func (p *Postgres) ListTasksByApp(ctx context.Context, appID int64) ([]*model.Task, error) {
	var rows []taskRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE app_id = $1 ORDER BY id`, appID)
	if err != nil {
		return nil, errors.Wrap(err, "querying tasks")
	}
	out := make([]*model.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *Postgres) CreateCredential(ctx context.Context, c *model.GitCredential) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO git_credentials (owner_id, name, provider, auth_kind)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		c.OwnerID, c.Name, c.Provider, string(c.AuthKind))
	return errors.Wrap(row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt), "inserting credential")
}

func (p *Postgres) GetCredential(ctx context.Context, id int64) (*model.GitCredential, error) {
	var c model.GitCredential
	var kind string
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, provider, auth_kind, created_at, updated_at FROM git_credentials WHERE id = $1`, id)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &kind, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrNotFound, "credential %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying credential")
	}
	c.AuthKind = model.AuthKind(kind)
	return &c, nil
}

func (p *Postgres) ListCredentialsByOwner(ctx context.Context, ownerID int64) ([]*model.GitCredential, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner_id, name, provider, auth_kind, created_at, updated_at FROM git_credentials WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "querying credentials")
	}
	defer rows.Close()
	var out []*model.GitCredential
	for rows.Next() {
		var c model.GitCredential
		var kind string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Provider, &kind, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning credential")
		}
		c.AuthKind = model.AuthKind(kind)
		out = append(out, &c)
	}
	return out, errors.Wrap(rows.Err(), "reading credentials")
}

func (p *Postgres) DeleteCredential(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM git_credentials WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrNotFound, "credential %d", id)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
