// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/gitx"
	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/compose"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/pyreq"
)

// Build clones the app's repository, composes a Dockerfile, builds the
// image, and records the deployment. Unless the build_only param is set, a
// successful build chains straight into the deploy phase under the same
// task.
func (p *Pipelines) Build(ctx context.Context, task *model.Task, report taskengine.ProgressFunc) error {
	app, err := p.store.GetApp(ctx, task.AppID)
	if err != nil {
		return err
	}
	prevStatus := app.Status
	p.setStatus(ctx, app.ID, model.AppBuilding)

	dep, err := p.buildApp(ctx, app, task, report)
	if err != nil {
		p.failStatus(ctx, app.ID, prevStatus, err)
		return err
	}

	if task.Param(ParamBuildOnly) == "true" {
		p.setStatus(ctx, app.ID, prevStatus)
		return nil
	}
	return p.runDeploy(ctx, app, dep, prevStatus, report)
}

// buildApp runs the build steps and returns the recorded deployment. The
// clone workspace is evicted on every exit path.
func (p *Pipelines) buildApp(ctx context.Context, app *model.App, task *model.Task, report taskengine.ProgressFunc) (*model.Deployment, error) {
	var (
		checkout   gitx.Checkout
		class      pyreq.Classification
		rendered   compose.Result
		dep        *model.Deployment
		tag        string
		imageReady bool
		buildLog   strings.Builder
	)
	defer func() {
		if err := p.fetcher.Cleanup(checkout.Path); err != nil {
			log.Printf("evicting workspace %s: %v", checkout.Path, err)
		}
	}()

	steps := []Step{
		{
			Name: "fetching source",
			Run: func(ctx context.Context) error {
				secret, err := p.credential(ctx, app)
				if err != nil {
					return err
				}
				checkout, err = p.fetcher.Clone(ctx, task.ID, gitx.CloneOptions{
					URL:        app.GitURL,
					Ref:        app.Branch,
					Credential: secret,
					Timeout:    p.cfg.CloneTimeout,
				})
				return err
			},
		},
		{
			Name: "analyzing requirements",
			Run: func(ctx context.Context) error {
				var err error
				class, err = pyreq.Analyze(checkout.Path)
				return err
			},
		},
		{
			Name: "composing dockerfile",
			Run: func(ctx context.Context) error {
				var err error
				rendered, err = p.catalog.Compose(compose.Input{
					AppID:           app.ID,
					EntryFile:       app.EntryFile,
					BaseChoice:      app.BaseImageChoice,
					CustomBaseImage: app.CustomBaseImage,
					CustomOverlay:   app.CustomOverlay,
					Classification:  class,
				})
				if err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(checkout.Path, "Dockerfile"), []byte(rendered.Dockerfile), 0o644); err != nil {
					return errors.Wrap(err, "writing dockerfile")
				}
				dep = &model.Deployment{
					AppID:          app.ID,
					CommitHash:     checkout.CommitHash,
					Status:         model.DeploymentInProgress,
					Variant:        string(rendered.Variant),
					DockerfileHash: rendered.Hash,
				}
				return p.store.CreateDeployment(ctx, dep)
			},
		},
		{
			Name: "building image",
			Run: func(ctx context.Context) error {
				tag = app.ImageTagFor(checkout.CommitHash)
				if task.Param(ParamForce) != "true" && app.ImageTag == tag {
					buildLog.WriteString("image " + tag + " already built, skipping\n")
					imageReady = true
					return nil
				}
				buildCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
				defer cancel()
				lines := 0
				_, err := p.engine.BuildImage(buildCtx, container.BuildOptions{
					ContextDir: checkout.Path,
					Dockerfile: "Dockerfile",
					Tag:        tag,
					Stream: func(line string) {
						buildLog.WriteString(line)
						buildLog.WriteString("\n")
						lines++
						report(lines, 0, line)
					},
				})
				if err != nil {
					if ctx.Err() == nil && errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
						return errors.Wrapf(model.ErrBuildFailure, "build timed out after %s", p.cfg.BuildTimeout)
					}
					return err
				}
				imageReady = true
				return nil
			},
			Cleanup: func() {
				// Discard the partially built image. A completed build keeps
				// its image even when a later step fails.
				if !imageReady && tag != "" && tag != app.ImageTag {
					_ = p.engine.RemoveImage(context.Background(), tag)
				}
			},
		},
		{
			Name: "recording deployment",
			Run: func(ctx context.Context) error {
				dep.Status = model.DeploymentSuccess
				dep.BuildLog = model.TruncateLog(buildLog.String())
				if err := p.store.UpdateDeployment(ctx, dep); err != nil {
					return err
				}
				app.ImageTag = tag
				if err := p.store.UpdateApp(ctx, app); err != nil {
					return err
				}
				if _, err := p.store.PruneDeployments(ctx, app.ID, deploymentHistory); err != nil {
					return err
				}
				return nil
			},
		},
	}

	if err := runSteps(ctx, report, steps); err != nil {
		p.failDeployment(dep, err, buildLog.String())
		return nil, err
	}
	return dep, nil
}

// deploymentHistory is how many deployment records are kept per app.
const deploymentHistory = 10

// failDeployment marks dep failed with the error and the trailing build log.
// A nil dep means the pipeline failed before the record was created.
func (p *Pipelines) failDeployment(dep *model.Deployment, cause error, buildLog string) {
	if dep == nil {
		return
	}
	dep.Status = model.DeploymentFailed
	dep.ErrorMessage = model.TruncateLog(cause.Error())
	dep.BuildLog = model.TruncateLog(buildLog)
	if err := p.store.UpdateDeployment(context.Background(), dep); err != nil {
		log.Printf("marking deployment %d failed: %v", dep.ID, err)
	}
}
