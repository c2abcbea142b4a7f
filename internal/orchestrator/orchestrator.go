// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is the composition root: it validates requests,
// derives app identity, and dispatches lifecycle work to the task engine,
// proxy manager, and container engine. Callers (HTTP layer, CLI) talk only
// to this package.
package orchestrator

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/config"
	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/pipeline"
	"github.com/sungreong/openstream-gallery/internal/reconcile"
	"github.com/sungreong/openstream-gallery/internal/slug"
	"github.com/sungreong/openstream-gallery/internal/store"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/compose"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/nginx"
	"github.com/sungreong/openstream-gallery/pkg/pyreq"
)

// Orchestrator exposes the request surface over the assembled components.
type Orchestrator struct {
	store   store.Store
	engine  container.Engine
	proxy   *nginx.Manager
	tasks   *taskengine.Engine
	catalog *compose.Catalog
	rec     *reconcile.Reconciler
	cfg     config.Config
}

// New wires an Orchestrator. The task engine must already have its runners
// registered.
func New(st store.Store, engine container.Engine, proxy *nginx.Manager, tasks *taskengine.Engine, catalog *compose.Catalog, rec *reconcile.Reconciler, cfg config.Config) *Orchestrator {
	return &Orchestrator{store: st, engine: engine, proxy: proxy, tasks: tasks, catalog: catalog, rec: rec, cfg: cfg}
}

// CreateApp validates and persists app, then derives its immutable
// subdomain from the name and assigned id.
func (o *Orchestrator) CreateApp(ctx context.Context, app *model.App) error {
	if err := validateAppInput(app); err != nil {
		return err
	}
	if app.Status == "" {
		app.Status = model.AppStopped
	}
	if err := o.store.CreateApp(ctx, app); err != nil {
		return err
	}
	app.Subdomain = slug.Make(app.Name, app.ID)
	if !slug.Valid(app.Subdomain) {
		return errors.Wrapf(model.ErrInvalidInput, "derived subdomain %q is not usable", app.Subdomain)
	}
	return o.store.UpdateApp(ctx, app)
}

func validateAppInput(app *model.App) error {
	if app.Name == "" {
		return errors.Wrap(model.ErrInvalidInput, "name is required")
	}
	if app.GitURL == "" {
		return errors.Wrap(model.ErrInvalidInput, "git url is required")
	}
	if app.EntryFile == "" {
		app.EntryFile = "app.py"
	}
	if app.BaseImageChoice == "" {
		app.BaseImageChoice = model.BaseAuto
	}
	if !model.ValidBaseImageChoice(app.BaseImageChoice) {
		return errors.Wrapf(model.ErrInvalidInput, "unknown base image choice %q", app.BaseImageChoice)
	}
	if app.CustomOverlay != "" {
		if err := compose.ValidateOverlay(app.CustomOverlay); err != nil {
			return err
		}
	}
	return nil
}

// GetApp returns one app by id.
func (o *Orchestrator) GetApp(ctx context.Context, id int64) (*model.App, error) {
	return o.store.GetApp(ctx, id)
}

// ListApps returns every cataloged app.
func (o *Orchestrator) ListApps(ctx context.Context) ([]*model.App, error) {
	return o.store.ListApps(ctx)
}

// ListAppsByOwner returns the owner's apps.
func (o *Orchestrator) ListAppsByOwner(ctx context.Context, ownerID int64) ([]*model.App, error) {
	return o.store.ListAppsByOwner(ctx, ownerID)
}

// ListPublicApps returns the gallery listing.
func (o *Orchestrator) ListPublicApps(ctx context.Context) ([]*model.App, error) {
	return o.store.ListPublicApps(ctx)
}

// UpdateApp applies the editable fields of in to the stored app. Updates
// are only accepted while the app is stopped or in error; the subdomain and
// runtime fields are never touched.
func (o *Orchestrator) UpdateApp(ctx context.Context, in *model.App) (*model.App, error) {
	cur, err := o.store.GetApp(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.AppStopped && cur.Status != model.AppError {
		return nil, errors.Wrapf(model.ErrConflict, "app is %s; stop it before editing", cur.Status)
	}
	if err := validateAppInput(in); err != nil {
		return nil, err
	}
	cur.Name = in.Name
	cur.Description = in.Description
	cur.GitURL = in.GitURL
	cur.Branch = in.Branch
	cur.EntryFile = in.EntryFile
	cur.BaseImageChoice = in.BaseImageChoice
	cur.CustomBaseImage = in.CustomBaseImage
	cur.CustomOverlay = in.CustomOverlay
	cur.CredentialID = in.CredentialID
	cur.EnvVars = in.EnvVars
	cur.IsPublic = in.IsPublic
	if err := o.store.UpdateApp(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteApp tears the app down completely: container, image, proxy
// fragment, and catalog rows. Apps with a task in flight are refused.
func (o *Orchestrator) DeleteApp(ctx context.Context, id int64) error {
	app, err := o.store.GetApp(ctx, id)
	if err != nil {
		return err
	}
	if app.BuildTaskID != "" || app.DeployTaskID != "" || app.StopTaskID != "" {
		return errors.Wrap(model.ErrConflict, "app has a task in flight")
	}
	if app.Subdomain != "" {
		if err := o.engine.StopContainer(ctx, app.ContainerName(), 0); err != nil {
			return err
		}
		if err := o.engine.RemoveContainer(ctx, app.ContainerName()); err != nil {
			return err
		}
		if _, err := o.proxy.Remove(ctx, app.Subdomain); err != nil {
			return err
		}
	}
	if app.ImageTag != "" {
		if err := o.engine.RemoveImage(ctx, app.ImageTag); err != nil {
			log.Printf("removing image %s for deleted app %d: %v", app.ImageTag, id, err)
		}
	}
	return o.store.DeleteApp(ctx, id)
}

// Build queues a build task. force rebuilds an already built commit;
// buildOnly suppresses the chained deploy.
func (o *Orchestrator) Build(ctx context.Context, id int64, force, buildOnly bool) (string, error) {
	if _, err := o.store.GetApp(ctx, id); err != nil {
		return "", err
	}
	params := map[string]string{}
	if force {
		params[pipeline.ParamForce] = "true"
	}
	if buildOnly {
		params[pipeline.ParamBuildOnly] = "true"
	}
	return o.tasks.Enqueue(ctx, model.TaskBuild, id, params)
}

// Deploy queues a deploy task. An app with no usable image builds first
// under the same task; force always rebuilds.
func (o *Orchestrator) Deploy(ctx context.Context, id int64, force bool) (string, error) {
	if _, err := o.store.GetApp(ctx, id); err != nil {
		return "", err
	}
	params := map[string]string{}
	if force {
		params[pipeline.ParamForce] = "true"
	}
	return o.tasks.Enqueue(ctx, model.TaskDeploy, id, params)
}

// Stop queues a stop task.
func (o *Orchestrator) Stop(ctx context.Context, id int64) (string, error) {
	if _, err := o.store.GetApp(ctx, id); err != nil {
		return "", err
	}
	return o.tasks.Enqueue(ctx, model.TaskStop, id, nil)
}

// CancelTask cancels the app's in-flight task of the given kind.
func (o *Orchestrator) CancelTask(ctx context.Context, appID int64, kind model.TaskKind) error {
	app, err := o.store.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	taskID := app.TaskIDFor(kind)
	if taskID == "" {
		return errors.Wrapf(model.ErrNotFound, "no %s task in flight for app %d", kind, appID)
	}
	return o.tasks.Cancel(ctx, taskID)
}

// TaskStatus returns the task's state and last reported progress.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (*model.Task, error) {
	return o.tasks.Status(ctx, taskID)
}

// ListTasks returns the app's task history.
func (o *Orchestrator) ListTasks(ctx context.Context, appID int64) ([]*model.Task, error) {
	return o.store.ListTasksByApp(ctx, appID)
}

// ListDeployments returns the app's deployment history, newest first.
func (o *Orchestrator) ListDeployments(ctx context.Context, appID int64) ([]*model.Deployment, error) {
	return o.store.ListDeployments(ctx, appID)
}

// GetLogs returns up to tail trailing log lines of the app's container.
func (o *Orchestrator) GetLogs(ctx context.Context, id int64, tail int) ([]string, error) {
	app, err := o.store.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.ContainerID == "" {
		return nil, errors.Wrapf(model.ErrNotFound, "app %d has no container", id)
	}
	return o.engine.Logs(ctx, app.ContainerName(), tail)
}

// AppStatus returns the reconciler's verdict for one app.
func (o *Orchestrator) AppStatus(ctx context.Context, id int64) (reconcile.Status, error) {
	app, err := o.store.GetApp(ctx, id)
	if err != nil {
		return reconcile.Status{}, err
	}
	return o.rec.AppStatus(ctx, app, nil)
}

// RealtimeStatus returns the reconciler's verdict for every app.
func (o *Orchestrator) RealtimeStatus(ctx context.Context) ([]reconcile.Status, error) {
	return o.rec.Sweep(ctx)
}

// SweepAndRepair runs a reconciliation sweep and downgrades apps whose
// declared status has drifted from reality: a running app whose container
// is gone or dead is marked error. Used by the worker's periodic sweep.
func (o *Orchestrator) SweepAndRepair(ctx context.Context) ([]reconcile.Status, error) {
	statuses, err := o.rec.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.Actual == model.ActualAppError && st.Declared == model.AppRunning {
			if err := o.store.SetAppStatus(ctx, st.AppID, model.AppError); err != nil {
				log.Printf("downgrading drifted app %d: %v", st.AppID, err)
			}
		}
	}
	return statuses, nil
}

// ListBaseDockerfiles returns the bundled base variants.
func (o *Orchestrator) ListBaseDockerfiles() []compose.VariantInfo {
	return o.catalog.Variants()
}

// PreviewInput parameterizes a Dockerfile preview without a clone.
type PreviewInput struct {
	EntryFile       string
	BaseChoice      model.BaseImageChoice
	CustomBaseImage string
	CustomOverlay   string
	// Requirements is the raw requirements.txt content used for the
	// automatic base selection.
	Requirements string
}

// PreviewDockerfile renders the Dockerfile the composer would produce for
// the given settings.
func (o *Orchestrator) PreviewDockerfile(in PreviewInput) (compose.Result, error) {
	if in.EntryFile == "" {
		in.EntryFile = "app.py"
	}
	if in.BaseChoice == "" {
		in.BaseChoice = model.BaseAuto
	}
	return o.catalog.Compose(compose.Input{
		EntryFile:       in.EntryFile,
		BaseChoice:      in.BaseChoice,
		CustomBaseImage: in.CustomBaseImage,
		CustomOverlay:   in.CustomOverlay,
		Classification:  pyreq.ClassifyRequirements(in.Requirements),
	})
}

// NginxStatus reports the fragment and upstream state for every app with a
// subdomain.
func (o *Orchestrator) NginxStatus(ctx context.Context) ([]nginx.ConfigStatus, error) {
	apps, err := o.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	routed := apps[:0]
	for _, app := range apps {
		if app.Subdomain != "" {
			routed = append(routed, app)
		}
	}
	return o.proxy.ConfigsStatus(ctx, routed), nil
}

// CleanupAuto removes proxy fragments whose subdomain has no cataloged app
// and reloads once if anything was removed.
func (o *Orchestrator) CleanupAuto(ctx context.Context) ([]string, error) {
	apps, err := o.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]string, 0, len(apps))
	for _, app := range apps {
		if app.Subdomain != "" {
			active = append(active, app.Subdomain)
		}
	}
	return o.proxy.CleanupAuto(ctx, active)
}

// CleanupManual removes the named fragment files and reloads once. System
// fragments are refused.
func (o *Orchestrator) CleanupManual(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := o.proxy.RemoveFile(name); err != nil {
			return err
		}
	}
	if len(names) == 0 {
		return nil
	}
	_, err := o.proxy.Reload(ctx)
	return err
}

// RemoveFragment removes one subdomain's fragment and reloads.
func (o *Orchestrator) RemoveFragment(ctx context.Context, subdomain string) (nginx.ReloadResult, error) {
	return o.proxy.Remove(ctx, subdomain)
}

// ReloadNginx tests and reloads the proxy configuration.
func (o *Orchestrator) ReloadNginx(ctx context.Context) (nginx.ReloadResult, error) {
	return o.proxy.Reload(ctx)
}

// DockerRunning reports whether the container engine is reachable.
func (o *Orchestrator) DockerRunning(ctx context.Context) bool {
	return o.engine.Ping(ctx) == nil
}

// CreateCredential registers a credential reference. The ciphertext lives
// outside the orchestrator; only metadata is cataloged.
func (o *Orchestrator) CreateCredential(ctx context.Context, c *model.GitCredential) error {
	if c.Name == "" {
		return errors.Wrap(model.ErrInvalidInput, "credential name is required")
	}
	if c.AuthKind != model.AuthToken && c.AuthKind != model.AuthSSHKey {
		return errors.Wrapf(model.ErrInvalidInput, "unknown auth kind %q", c.AuthKind)
	}
	return o.store.CreateCredential(ctx, c)
}

// ListCredentials returns the owner's credential references.
func (o *Orchestrator) ListCredentials(ctx context.Context, ownerID int64) ([]*model.GitCredential, error) {
	return o.store.ListCredentialsByOwner(ctx, ownerID)
}

// DeleteCredential removes a credential reference.
func (o *Orchestrator) DeleteCredential(ctx context.Context, id int64) error {
	return o.store.DeleteCredential(ctx, id)
}

// CleanupOrphans removes platform-labeled containers whose app id is no
// longer cataloged, along with their proxy fragments, and reloads once when
// anything was removed.
func (o *Orchestrator) CleanupOrphans(ctx context.Context) ([]container.Summary, error) {
	apps, err := o.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]int64, 0, len(apps))
	for _, app := range apps {
		active = append(active, app.ID)
	}
	removed, err := container.CleanupOrphans(ctx, o.engine, active)
	if err != nil {
		return removed, err
	}
	reload := false
	for _, c := range removed {
		sub := c.Labels[container.LabelSubdomain]
		if sub == "" {
			continue
		}
		if err := o.proxy.RemoveFile(sub + ".conf"); err != nil {
			log.Printf("removing fragment for orphan %s: %v", c.Name, err)
			continue
		}
		reload = true
	}
	if reload {
		if _, err := o.proxy.Reload(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
