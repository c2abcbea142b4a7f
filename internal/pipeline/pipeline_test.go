// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/config"
	"github.com/sungreong/openstream-gallery/internal/gitx"
	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/store"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/compose"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/nginx"
)

// fakeEngine scripts the container engine. All mutations are recorded for
// assertion.
type fakeEngine struct {
	mu sync.Mutex

	buildErr       error
	blockBuild     bool
	buildLines     []string
	startUnhealthy bool
	testOut        string
	testErr        error
	reloadErr      error
	existing       []container.Summary

	builds            []container.BuildOptions
	started           []container.Spec
	stopped           []string
	removedContainers []string
	removedImages     []string
	execCalls         [][]string
	inspections       map[string]container.Inspection
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) BuildImage(ctx context.Context, opts container.BuildOptions) (string, error) {
	f.mu.Lock()
	recorded := opts
	recorded.Stream = nil
	f.builds = append(f.builds, recorded)
	lines := f.buildLines
	block := f.blockBuild
	buildErr := f.buildErr
	f.mu.Unlock()
	for _, line := range lines {
		if opts.Stream != nil {
			opts.Stream(line)
		}
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if buildErr != nil {
		return "", buildErr
	}
	return "sha256:0123abcd", nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec)
	id := "cid-" + spec.Image
	if f.inspections == nil {
		f.inspections = make(map[string]container.Inspection)
	}
	if f.startUnhealthy {
		code := 1
		f.inspections[id] = container.Inspection{Running: false, ExitCode: &code}
	} else {
		f.inspections[id] = container.Inspection{Running: true, Health: "healthy"}
	}
	return id, nil
}

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

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (container.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ins, ok := f.inspections[id]
	if !ok {
		return container.Inspection{}, errors.Wrapf(model.ErrNotFound, "no container %s", id)
	}
	return ins, nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	return []string{"ModuleNotFoundError: No module named 'streamlit'"}, nil
}

func (f *fakeEngine) ListAppContainers(ctx context.Context) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Summary(nil), f.existing...), nil
}

func (f *fakeEngine) Exec(ctx context.Context, name string, cmd ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, cmd)
	if len(cmd) >= 2 && cmd[0] == "nginx" && cmd[1] == "-t" {
		return f.testOut, f.testErr
	}
	return "", f.reloadErr
}

// initRepo creates a local repository with a streamlit app and returns its
// path.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	files := map[string]string{
		"app.py":           "import streamlit as st\nst.write('hi')\n",
		"requirements.txt": "streamlit\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	for name := range files {
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return dir
}

type fixture struct {
	pipelines *Pipelines
	store     *store.Memory
	engine    *fakeEngine
	app       *model.App
	fragDir   string
	fetcher   *gitx.Fetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repoDir := initRepo(t)
	eng := &fakeEngine{}
	st := store.NewMemory()
	fragDir := t.TempDir()
	workspaceRoot := t.TempDir()

	catalog, err := compose.LoadCatalog("../../base_dockerfiles")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	proxy := nginx.NewManager(fragDir, []string{"default.conf"}, "openstream-nginx", eng, time.Second)

	cfg := config.Defaults()
	cfg.WorkspaceRoot = workspaceRoot
	cfg.NetworkName = "testnet"
	cfg.CloneTimeout = 30 * time.Second
	cfg.BuildTimeout = 30 * time.Second
	cfg.HealthTimeout = 200 * time.Millisecond

	fetcher := gitx.NewFetcher(workspaceRoot)
	p := New(st, fetcher, catalog, eng, proxy, nil, cfg)
	p.healthPoll = time.Millisecond

	app := &model.App{
		OwnerID:         1,
		Name:            "Zone Cleaner",
		GitURL:          repoDir,
		EntryFile:       "app.py",
		BaseImageChoice: model.BaseAuto,
		Status:          model.AppStopped,
	}
	if err := st.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	app.Subdomain = "zone-cleaner-1"
	if err := st.UpdateApp(context.Background(), app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	return &fixture{pipelines: p, store: st, engine: eng, app: app, fragDir: fragDir, fetcher: fetcher}
}

func discard(current, total int, message string) {}

func (f *fixture) reload(t *testing.T) *model.App {
	t.Helper()
	app, err := f.store.GetApp(context.Background(), f.app.ID)
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	return app
}

func TestBuildDeploySuccess(t *testing.T) {
	f := newFixture(t)
	task := &model.Task{ID: "task-1", Kind: model.TaskBuild, AppID: f.app.ID}

	if err := f.pipelines.Build(context.Background(), task, discard); err != nil {
		t.Fatalf("Build: %v", err)
	}

	app := f.reload(t)
	if app.Status != model.AppRunning {
		t.Errorf("status = %s, want running", app.Status)
	}
	if !strings.HasPrefix(app.ImageTag, "app-zone-cleaner-1:") {
		t.Errorf("ImageTag = %q", app.ImageTag)
	}
	if got := len(strings.TrimPrefix(app.ImageTag, "app-zone-cleaner-1:")); got != 12 {
		t.Errorf("short commit length = %d, want 12", got)
	}
	if app.ContainerID != "cid-"+app.ImageTag {
		t.Errorf("ContainerID = %q", app.ContainerID)
	}
	if app.LastDeployedAt == nil {
		t.Error("LastDeployedAt not set")
	}

	dep, err := f.store.LatestDeployment(context.Background(), f.app.ID)
	if err != nil {
		t.Fatalf("LatestDeployment: %v", err)
	}
	if dep.Status != model.DeploymentSuccess {
		t.Errorf("deployment status = %s", dep.Status)
	}
	if dep.Variant != "minimal" {
		t.Errorf("variant = %q, want minimal", dep.Variant)
	}
	if len(dep.CommitHash) != 40 || len(dep.DockerfileHash) != 64 {
		t.Errorf("hashes = %q / %q", dep.CommitHash, dep.DockerfileHash)
	}

	frag, err := os.ReadFile(filepath.Join(f.fragDir, "zone-cleaner-1.conf"))
	if err != nil {
		t.Fatalf("reading fragment: %v", err)
	}
	if !strings.Contains(string(frag), "proxy_pass http://app-zone-cleaner-1:8501/") {
		t.Error("fragment missing upstream proxy_pass")
	}

	if len(f.engine.started) != 1 {
		t.Fatalf("started %d containers, want 1", len(f.engine.started))
	}
	spec := f.engine.started[0]
	if spec.Name != "app-zone-cleaner-1" || spec.Network != "testnet" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Labels[container.LabelAppID] != "1" || spec.Labels[container.LabelOwned] != "true" {
		t.Errorf("labels = %v", spec.Labels)
	}

	if _, err := os.Stat(f.fetcher.WorkspacePath(task.ID)); !os.IsNotExist(err) {
		t.Error("workspace not evicted after build")
	}
}

func TestBuildFailureRecordsLog(t *testing.T) {
	f := newFixture(t)
	f.engine.buildErr = errors.Wrap(model.ErrBuildFailure, "pip install exploded")
	f.engine.buildLines = []string{"Step 1/8 : FROM python:3.12-slim", "ERROR: no matching distribution"}
	task := &model.Task{ID: "task-2", Kind: model.TaskBuild, AppID: f.app.ID}

	err := f.pipelines.Build(context.Background(), task, discard)
	if !errors.Is(err, model.ErrBuildFailure) {
		t.Fatalf("err = %v, want ErrBuildFailure", err)
	}

	app := f.reload(t)
	if app.Status != model.AppError {
		t.Errorf("status = %s, want error", app.Status)
	}
	if app.ImageTag != "" {
		t.Errorf("ImageTag = %q after failed build", app.ImageTag)
	}

	dep, err := f.store.LatestDeployment(context.Background(), f.app.ID)
	if err != nil {
		t.Fatalf("LatestDeployment: %v", err)
	}
	if dep.Status != model.DeploymentFailed {
		t.Errorf("deployment status = %s", dep.Status)
	}
	if !strings.Contains(dep.BuildLog, "no matching distribution") {
		t.Errorf("build log missing streamed lines: %q", dep.BuildLog)
	}
	if !strings.Contains(dep.ErrorMessage, "pip install exploded") {
		t.Errorf("error message = %q", dep.ErrorMessage)
	}

	if len(f.engine.removedImages) != 1 {
		t.Errorf("partial image not removed: %v", f.engine.removedImages)
	}
	if _, err := os.Stat(f.fetcher.WorkspacePath(task.ID)); !os.IsNotExist(err) {
		t.Error("workspace not evicted after failure")
	}
}

func TestBuildOnlySkipsDeploy(t *testing.T) {
	f := newFixture(t)
	task := &model.Task{
		ID: "task-3", Kind: model.TaskBuild, AppID: f.app.ID,
		Params: map[string]string{ParamBuildOnly: "true"},
	}

	if err := f.pipelines.Build(context.Background(), task, discard); err != nil {
		t.Fatalf("Build: %v", err)
	}

	app := f.reload(t)
	if app.Status != model.AppStopped {
		t.Errorf("status = %s, want stopped restored", app.Status)
	}
	if app.ImageTag == "" {
		t.Error("ImageTag not recorded")
	}
	if len(f.engine.started) != 0 {
		t.Errorf("deploy ran despite build_only: %v", f.engine.started)
	}
}

func TestDeployImpliesBuild(t *testing.T) {
	f := newFixture(t)
	task := &model.Task{ID: "task-4", Kind: model.TaskDeploy, AppID: f.app.ID}

	if err := f.pipelines.Deploy(context.Background(), task, discard); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(f.engine.builds) != 1 {
		t.Errorf("builds = %d, want 1 (deploy with no image must build)", len(f.engine.builds))
	}
	if app := f.reload(t); app.Status != model.AppRunning {
		t.Errorf("status = %s, want running", app.Status)
	}
}

func TestDeployRollbackOnInvalidReload(t *testing.T) {
	f := newFixture(t)
	prevContent := "# previous fragment\n"
	fragPath := filepath.Join(f.fragDir, "zone-cleaner-1.conf")
	if err := os.WriteFile(fragPath, []byte(prevContent), 0o644); err != nil {
		t.Fatalf("seeding fragment: %v", err)
	}
	f.app.ImageTag = "app-zone-cleaner-1:bbbbbbbbbbbb"
	f.app.Status = model.AppRunning
	if err := f.store.UpdateApp(context.Background(), f.app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	f.engine.existing = []container.Summary{{
		ID: "old-cid", Name: "app-zone-cleaner-1",
		Image: "app-zone-cleaner-1:aaaaaaaaaaaa", State: "running",
	}}
	f.engine.testOut = `nginx: [emerg] unexpected end of file in /etc/nginx/conf.d/zone-cleaner-1.conf`
	f.engine.testErr = errors.New("exit status 1")

	task := &model.Task{ID: "task-5", Kind: model.TaskDeploy, AppID: f.app.ID}
	err := f.pipelines.Deploy(context.Background(), task, discard)
	if !errors.Is(err, model.ErrDeployFailure) {
		t.Fatalf("err = %v, want ErrDeployFailure", err)
	}
	if !strings.Contains(err.Error(), "proxy reload invalid") {
		t.Errorf("err = %v, want proxy reload invalid", err)
	}

	restored, readErr := os.ReadFile(fragPath)
	if readErr != nil {
		t.Fatalf("reading fragment: %v", readErr)
	}
	if string(restored) != prevContent {
		t.Errorf("fragment = %q, want previous content restored", restored)
	}

	var removedNew bool
	for _, id := range f.engine.removedContainers {
		if id == "app-zone-cleaner-1" {
			removedNew = true
		}
	}
	if !removedNew {
		t.Errorf("new container not removed: %v", f.engine.removedContainers)
	}
	last := f.engine.started[len(f.engine.started)-1]
	if last.Image != "app-zone-cleaner-1:aaaaaaaaaaaa" {
		t.Errorf("rollback restarted %q, want previous image", last.Image)
	}
	if app := f.reload(t); app.Status != model.AppError {
		t.Errorf("status = %s, want error", app.Status)
	}
}

func TestCancelMidBuildRestoresStatus(t *testing.T) {
	f := newFixture(t)
	f.engine.blockBuild = true
	task := &model.Task{ID: "task-6", Kind: model.TaskBuild, AppID: f.app.ID}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := f.pipelines.Build(ctx, task, discard)
	if !errors.Is(err, model.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}

	app := f.reload(t)
	if app.Status != model.AppStopped {
		t.Errorf("status = %s, want prior status restored", app.Status)
	}
	if len(f.engine.removedImages) != 1 {
		t.Errorf("partial image not discarded: %v", f.engine.removedImages)
	}
	if _, err := os.Stat(f.fetcher.WorkspacePath(task.ID)); !os.IsNotExist(err) {
		t.Error("workspace not evicted after cancel")
	}
}

func TestDeployHealthFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.startUnhealthy = true
	f.app.ImageTag = "app-zone-cleaner-1:cccccccccccc"
	if err := f.store.UpdateApp(context.Background(), f.app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}

	task := &model.Task{ID: "task-7", Kind: model.TaskDeploy, AppID: f.app.ID}
	err := f.pipelines.Deploy(context.Background(), task, discard)
	if !errors.Is(err, model.ErrDeployFailure) {
		t.Fatalf("err = %v, want ErrDeployFailure", err)
	}
	if !strings.Contains(err.Error(), "exited with code 1") {
		t.Errorf("err = %v, want exit diagnosis", err)
	}
	if !strings.Contains(err.Error(), "ModuleNotFoundError") {
		t.Errorf("err = %v, want container log tail attached", err)
	}
	if len(f.engine.removedContainers) == 0 {
		t.Error("failed container not removed")
	}
	if app := f.reload(t); app.Status != model.AppError {
		t.Errorf("status = %s, want error", app.Status)
	}
}

func TestStopPipeline(t *testing.T) {
	f := newFixture(t)
	fragPath := filepath.Join(f.fragDir, "zone-cleaner-1.conf")
	if err := os.WriteFile(fragPath, []byte("# live\n"), 0o644); err != nil {
		t.Fatalf("seeding fragment: %v", err)
	}
	f.app.ContainerID = "cid-live"
	f.app.Status = model.AppRunning
	if err := f.store.UpdateApp(context.Background(), f.app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}

	task := &model.Task{ID: "task-8", Kind: model.TaskStop, AppID: f.app.ID}
	if err := f.pipelines.Stop(context.Background(), task, discard); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	app := f.reload(t)
	if app.Status != model.AppStopped || app.ContainerID != "" {
		t.Errorf("app = status %s container %q", app.Status, app.ContainerID)
	}
	if _, err := os.Stat(fragPath); !os.IsNotExist(err) {
		t.Error("fragment not removed")
	}
	if len(f.engine.stopped) != 1 || f.engine.stopped[0] != "app-zone-cleaner-1" {
		t.Errorf("stopped = %v", f.engine.stopped)
	}
	if len(f.engine.removedContainers) != 1 {
		t.Errorf("removed = %v", f.engine.removedContainers)
	}
}

func TestTransientExhaustionMarksAppError(t *testing.T) {
	f := newFixture(t)
	f.engine.buildErr = errors.Wrap(model.ErrTransient, "docker daemon unreachable")
	eng := taskengine.New(f.store, 1, taskengine.WithBackoff(time.Millisecond))
	f.pipelines.Register(eng)
	eng.Start()
	defer eng.Shutdown()

	taskID, err := eng.Enqueue(context.Background(), model.TaskBuild, f.app.ID, map[string]string{ParamBuildOnly: "true"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var task *model.Task
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err = eng.Status(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if task.State.Terminal() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if task == nil || task.State != model.TaskFailure {
		t.Fatalf("task = %+v, want failure after exhausted retries", task)
	}

	app := f.reload(t)
	if app.Status != model.AppError {
		t.Errorf("status = %s, want error once no retry is left", app.Status)
	}
	if app.BuildTaskID != "" {
		t.Errorf("BuildTaskID = %q, want cleared", app.BuildTaskID)
	}
}

// recordFailStore fails the success write of the deployment record, after
// the image has been built.
type recordFailStore struct {
	*store.Memory
}

func (s *recordFailStore) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	if d.Status == model.DeploymentSuccess {
		return errors.New("catalog unavailable")
	}
	return s.Memory.UpdateDeployment(ctx, d)
}

func TestRecordFailureKeepsBuiltImage(t *testing.T) {
	f := newFixture(t)
	f.pipelines.store = &recordFailStore{Memory: f.store}
	task := &model.Task{
		ID: "task-12", Kind: model.TaskBuild, AppID: f.app.ID,
		Params: map[string]string{ParamBuildOnly: "true"},
	}

	err := f.pipelines.Build(context.Background(), task, discard)
	if err == nil {
		t.Fatal("Build succeeded, want record failure")
	}
	if len(f.engine.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.engine.builds))
	}
	if len(f.engine.removedImages) != 0 {
		t.Errorf("built image removed on record failure: %v", f.engine.removedImages)
	}
}

func TestBuildStreamProgress(t *testing.T) {
	f := newFixture(t)
	f.engine.buildLines = []string{"Step 1/4 : FROM", "Step 2/4 : COPY", "Step 3/4 : RUN pip"}
	type update struct {
		current, total int
		message        string
	}
	var updates []update
	report := func(current, total int, message string) {
		updates = append(updates, update{current, total, message})
	}
	task := &model.Task{
		ID: "task-13", Kind: model.TaskBuild, AppID: f.app.ID,
		Params: map[string]string{ParamBuildOnly: "true"},
	}
	if err := f.pipelines.Build(context.Background(), task, report); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Streamed lines report an open-ended phase, counting up per line.
	var streamed []update
	for _, u := range updates {
		if u.total == 0 {
			streamed = append(streamed, u)
		}
	}
	if len(streamed) != len(f.engine.buildLines) {
		t.Fatalf("streamed updates = %d, want %d: %+v", len(streamed), len(f.engine.buildLines), updates)
	}
	for i, u := range streamed {
		if u.current != i+1 || u.message != f.engine.buildLines[i] {
			t.Errorf("stream update %d = %+v, want current %d message %q", i, u, i+1, f.engine.buildLines[i])
		}
	}
}

func TestBuildSkipsWhenImageCurrent(t *testing.T) {
	f := newFixture(t)
	first := &model.Task{ID: "task-9", Kind: model.TaskBuild, AppID: f.app.ID, Params: map[string]string{ParamBuildOnly: "true"}}
	if err := f.pipelines.Build(context.Background(), first, discard); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	second := &model.Task{ID: "task-10", Kind: model.TaskBuild, AppID: f.app.ID, Params: map[string]string{ParamBuildOnly: "true"}}
	if err := f.pipelines.Build(context.Background(), second, discard); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if len(f.engine.builds) != 1 {
		t.Errorf("builds = %d, want 1 (unchanged commit skips rebuild)", len(f.engine.builds))
	}

	forced := &model.Task{ID: "task-11", Kind: model.TaskBuild, AppID: f.app.ID, Params: map[string]string{ParamBuildOnly: "true", ParamForce: "true"}}
	if err := f.pipelines.Build(context.Background(), forced, discard); err != nil {
		t.Fatalf("forced Build: %v", err)
	}
	if len(f.engine.builds) != 2 {
		t.Errorf("builds = %d, want 2 after force", len(f.engine.builds))
	}
}
