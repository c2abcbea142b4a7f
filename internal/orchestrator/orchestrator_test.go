// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/config"
	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/reconcile"
	"github.com/sungreong/openstream-gallery/internal/store"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/compose"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/nginx"
)

type fakeEngine struct {
	container.Engine

	mu                sync.Mutex
	pingErr           error
	summaries         []container.Summary
	logs              []string
	stopped           []string
	removedContainers []string
	removedImages     []string
	execCalls         [][]string
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedContainers = append(f.removedContainers, id)
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedImages = append(f.removedImages, tag)
	return nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	return f.logs, nil
}

func (f *fakeEngine) ListAppContainers(ctx context.Context) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Summary(nil), f.summaries...), nil
}

func (f *fakeEngine) Exec(ctx context.Context, name string, cmd ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, cmd)
	return "", nil
}

type fixture struct {
	orc     *Orchestrator
	store   *store.Memory
	engine  *fakeEngine
	tasks   *taskengine.Engine
	fragDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := &fakeEngine{}
	st := store.NewMemory()
	fragDir := t.TempDir()
	proxy := nginx.NewManager(fragDir, []string{"default.conf"}, "openstream-nginx", eng, time.Second)
	catalog, err := compose.LoadCatalog("../../base_dockerfiles")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	tasks := taskengine.New(st, 2)
	rec := reconcile.New(st, eng, proxy)
	cfg := config.Defaults()
	orc := New(st, eng, proxy, tasks, catalog, rec, cfg)
	return &fixture{orc: orc, store: st, engine: eng, tasks: tasks, fragDir: fragDir}
}

func (f *fixture) createApp(t *testing.T, name string) *model.App {
	t.Helper()
	app := &model.App{OwnerID: 1, Name: name, GitURL: "https://example.com/repo.git"}
	if err := f.orc.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	return app
}

func TestCreateAppDerivesSubdomain(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	if app.Subdomain != "zone-cleaner-1" {
		t.Errorf("subdomain = %q, want zone-cleaner-1", app.Subdomain)
	}
	if app.EntryFile != "app.py" || app.BaseImageChoice != model.BaseAuto {
		t.Errorf("defaults not applied: %+v", app)
	}
	if app.Status != model.AppStopped {
		t.Errorf("status = %s, want stopped", app.Status)
	}
}

func TestCreateAppValidation(t *testing.T) {
	f := newFixture(t)
	for _, app := range []*model.App{
		{OwnerID: 1, GitURL: "https://example.com/r.git"},
		{OwnerID: 1, Name: "x", GitURL: ""},
		{OwnerID: 1, Name: "x", GitURL: "u", BaseImageChoice: "py27"},
		{OwnerID: 1, Name: "x", GitURL: "u", CustomOverlay: "FROM alpine\nRUN id"},
	} {
		if err := f.orc.CreateApp(context.Background(), app); !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("CreateApp(%+v) err = %v, want ErrInvalidInput", app, err)
		}
	}
}

func TestUpdateAppOnlyWhenStoppedOrError(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")

	if err := f.store.SetAppStatus(context.Background(), app.ID, model.AppRunning); err != nil {
		t.Fatalf("SetAppStatus: %v", err)
	}
	edit := &model.App{ID: app.ID, Name: "Renamed", GitURL: app.GitURL}
	if _, err := f.orc.UpdateApp(context.Background(), edit); !errors.Is(err, model.ErrConflict) {
		t.Errorf("update while running err = %v, want ErrConflict", err)
	}

	if err := f.store.SetAppStatus(context.Background(), app.ID, model.AppError); err != nil {
		t.Fatalf("SetAppStatus: %v", err)
	}
	got, err := f.orc.UpdateApp(context.Background(), edit)
	if err != nil {
		t.Fatalf("update while error: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("name = %q", got.Name)
	}
	if got.Subdomain != "zone-cleaner-1" {
		t.Errorf("subdomain mutated to %q", got.Subdomain)
	}
}

func TestConcurrentBuildConflict(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")

	release := make(chan struct{})
	f.tasks.Register(model.TaskBuild, func(ctx context.Context, task *model.Task, report taskengine.ProgressFunc) error {
		<-release
		return nil
	})
	f.tasks.Start()
	defer f.tasks.Shutdown()

	first, err := f.orc.Build(context.Background(), app.ID, false, false)
	if err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := f.orc.Build(context.Background(), app.ID, true, false); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second Build err = %v, want ErrConflict", err)
	}
	// A different kind is not blocked by the build claim.
	f.tasks.Register(model.TaskStop, func(ctx context.Context, task *model.Task, report taskengine.ProgressFunc) error {
		return nil
	})
	if _, err := f.orc.Stop(context.Background(), app.ID); err != nil {
		t.Errorf("Stop during build: %v", err)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.orc.TaskStatus(context.Background(), first)
		if err != nil {
			t.Fatalf("TaskStatus: %v", err)
		}
		if task.State == model.TaskSuccess {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("first build never finished")
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")

	if err := f.orc.CancelTask(context.Background(), app.ID, model.TaskBuild); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("cancel with nothing in flight err = %v, want ErrNotFound", err)
	}

	taskID, err := f.orc.Build(context.Background(), app.ID, false, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := f.orc.CancelTask(context.Background(), app.ID, model.TaskBuild); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	task, err := f.orc.TaskStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if task.State != model.TaskRevoked {
		t.Errorf("state = %s, want revoked", task.State)
	}
}

func TestDeleteApp(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	app.ImageTag = "app-zone-cleaner-1:abc"
	if err := f.store.UpdateApp(context.Background(), app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	fragPath := filepath.Join(f.fragDir, "zone-cleaner-1.conf")
	if err := os.WriteFile(fragPath, []byte("# live\n"), 0o644); err != nil {
		t.Fatalf("seeding fragment: %v", err)
	}

	if err := f.orc.DeleteApp(context.Background(), app.ID); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	if _, err := f.orc.GetApp(context.Background(), app.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetApp after delete err = %v", err)
	}
	if _, err := os.Stat(fragPath); !os.IsNotExist(err) {
		t.Error("fragment survived deletion")
	}
	if len(f.engine.removedContainers) != 1 || len(f.engine.removedImages) != 1 {
		t.Errorf("engine cleanup = containers %v images %v", f.engine.removedContainers, f.engine.removedImages)
	}
}

func TestDeleteAppRefusedWhileTaskInFlight(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	if _, err := f.orc.Build(context.Background(), app.ID, false, false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := f.orc.DeleteApp(context.Background(), app.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("DeleteApp err = %v, want ErrConflict", err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	for _, sub := range []string{app.Subdomain, "ghost-999"} {
		path := filepath.Join(f.fragDir, sub+".conf")
		if err := os.WriteFile(path, []byte("# frag\n"), 0o644); err != nil {
			t.Fatalf("seeding fragment: %v", err)
		}
	}
	f.engine.summaries = []container.Summary{
		{ID: "keep", Name: "app-" + app.Subdomain, State: "running", Labels: map[string]string{
			container.LabelOwned: "true", container.LabelAppID: "1", container.LabelSubdomain: app.Subdomain,
		}},
		{ID: "ghost", Name: "app-ghost-999", State: "exited", Labels: map[string]string{
			container.LabelOwned: "true", container.LabelAppID: "999", container.LabelSubdomain: "ghost-999",
		}},
	}

	removed, err := f.orc.CleanupOrphans(context.Background())
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "ghost" {
		t.Fatalf("removed = %+v, want only the ghost container", removed)
	}
	if len(f.engine.removedContainers) != 1 || f.engine.removedContainers[0] != "ghost" {
		t.Errorf("engine removals = %v", f.engine.removedContainers)
	}
	if _, err := os.Stat(filepath.Join(f.fragDir, "ghost-999.conf")); !os.IsNotExist(err) {
		t.Error("ghost fragment survived")
	}
	if _, err := os.Stat(filepath.Join(f.fragDir, app.Subdomain+".conf")); err != nil {
		t.Error("active fragment removed")
	}
	if len(f.engine.execCalls) == 0 {
		t.Error("proxy not reloaded after fragment removal")
	}
}

func TestPreviewDockerfile(t *testing.T) {
	f := newFixture(t)
	res, err := f.orc.PreviewDockerfile(PreviewInput{Requirements: "numpy\npandas\nstreamlit\n"})
	if err != nil {
		t.Fatalf("PreviewDockerfile: %v", err)
	}
	if res.Variant != compose.VariantDatascience {
		t.Errorf("variant = %s, want datascience for numpy/pandas", res.Variant)
	}
	if !strings.Contains(res.Dockerfile, "ENTRYPOINT") {
		t.Error("dockerfile missing entrypoint")
	}

	if _, err := f.orc.PreviewDockerfile(PreviewInput{CustomOverlay: "from scratch"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("overlay with FROM err = %v, want ErrInvalidInput", err)
	}
}

func TestGetLogsRequiresContainer(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	if _, err := f.orc.GetLogs(context.Background(), app.ID, 100); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetLogs err = %v, want ErrNotFound", err)
	}
	app.ContainerID = "cid-1"
	if err := f.store.UpdateApp(context.Background(), app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	f.engine.logs = []string{"You can now view your Streamlit app"}
	lines, err := f.orc.GetLogs(context.Background(), app.ID, 100)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("lines = %v", lines)
	}
}

func TestDockerRunning(t *testing.T) {
	f := newFixture(t)
	if !f.orc.DockerRunning(context.Background()) {
		t.Error("DockerRunning = false with healthy engine")
	}
	f.engine.pingErr = errors.Wrap(model.ErrTransient, "cannot connect to the docker daemon")
	if f.orc.DockerRunning(context.Background()) {
		t.Error("DockerRunning = true with unreachable engine")
	}
}

func TestSweepAndRepairDowngradesDriftedApps(t *testing.T) {
	f := newFixture(t)
	app := f.createApp(t, "Zone Cleaner")
	app.Status = model.AppRunning
	app.ContainerID = "cid-gone"
	if err := f.store.UpdateApp(context.Background(), app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	f.engine.summaries = []container.Summary{{
		ID: "cid-gone", Name: app.ContainerName(), State: "exited",
		Labels: map[string]string{container.LabelOwned: "true", container.LabelSubdomain: app.Subdomain},
	}}

	statuses, err := f.orc.SweepAndRepair(context.Background())
	if err != nil {
		t.Fatalf("SweepAndRepair: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Actual != model.ActualAppError {
		t.Fatalf("statuses = %+v", statuses)
	}
	got, err := f.orc.GetApp(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got.Status != model.AppError {
		t.Errorf("status = %s, want error after repair", got.Status)
	}
}
