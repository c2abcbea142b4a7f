// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the build, deploy, and stop pipelines as
// sequences of named steps executed by the task engine. Each pipeline owns
// its app status transitions and rolls the app back to a coherent state on
// failure or cancellation.
package pipeline

import (
	"context"
	"log"
	"time"

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

// Task parameter keys.
const (
	// ParamBuildOnly suppresses the deploy phase that normally follows a
	// successful build.
	ParamBuildOnly = "build_only"
	// ParamForce rebuilds even when an image for the current commit is
	// already cataloged.
	ParamForce = "force"
)

// CredentialSource resolves a credential id to its decrypted secret. The
// secret stays in memory; pipelines never write it to disk outside the task
// workspace.
type CredentialSource func(ctx context.Context, credentialID int64) (*model.Secret, error)

// Step is one named unit of a pipeline. Cleanup, when set, is registered
// before Run executes and fires if Run or any later step fails, in reverse
// registration order, on a fresh context.
type Step struct {
	Name    string
	Run     func(ctx context.Context) error
	Cleanup func()
}

// runSteps executes steps in order, reporting progress as "current of total"
// with the step name as message. Cancellation between or during steps still
// runs the registered cleanups.
func runSteps(ctx context.Context, report taskengine.ProgressFunc, steps []Step) error {
	total := len(steps)
	var cleanups []func()
	unwind := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	for i, s := range steps {
		report(i, total, s.Name)
		if ctx.Err() != nil {
			unwind()
			return errors.Wrap(model.ErrCanceled, s.Name)
		}
		if s.Cleanup != nil {
			cleanups = append(cleanups, s.Cleanup)
		}
		if err := s.Run(ctx); err != nil {
			unwind()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return errors.Wrap(model.ErrCanceled, s.Name)
			}
			return errors.Wrap(err, s.Name)
		}
	}
	report(total, total, "done")
	return nil
}

// Pipelines wires the fetcher, composer, container engine, and proxy manager
// into the three task runners.
type Pipelines struct {
	store   store.Store
	fetcher *gitx.Fetcher
	catalog *compose.Catalog
	engine  container.Engine
	proxy   *nginx.Manager
	creds   CredentialSource
	cfg     config.Config

	// healthPoll is the container health probe interval.
	healthPoll time.Duration
}

// New returns Pipelines over the given components. creds may be nil when no
// app uses private repositories.
func New(st store.Store, fetcher *gitx.Fetcher, catalog *compose.Catalog, engine container.Engine, proxy *nginx.Manager, creds CredentialSource, cfg config.Config) *Pipelines {
	return &Pipelines{
		store:      st,
		fetcher:    fetcher,
		catalog:    catalog,
		engine:     engine,
		proxy:      proxy,
		creds:      creds,
		cfg:        cfg,
		healthPoll: 2 * time.Second,
	}
}

// Register installs the three runners on the task engine.
func (p *Pipelines) Register(e *taskengine.Engine) {
	e.Register(model.TaskBuild, p.Build)
	e.Register(model.TaskDeploy, p.Deploy)
	e.Register(model.TaskStop, p.Stop)
}

// credential resolves the app's credential, nil when the app declares none.
func (p *Pipelines) credential(ctx context.Context, app *model.App) (*model.Secret, error) {
	if app.CredentialID == nil {
		return nil, nil
	}
	if p.creds == nil {
		return nil, errors.Wrap(model.ErrInvalidInput, "no credential source configured")
	}
	return p.creds(ctx, *app.CredentialID)
}

// setStatus records the declared status, logging rather than failing when the
// catalog write does not go through.
func (p *Pipelines) setStatus(ctx context.Context, appID int64, status model.AppStatus) {
	if err := p.store.SetAppStatus(ctx, appID, status); err != nil {
		log.Printf("setting app %d status %s: %v", appID, status, err)
	}
}

// failStatus applies the status transition for a failed pipeline and reports
// whether the failure was terminal. A canceled run restores the status the
// app had before the task started. A transient failure keeps the in-progress
// status only while the engine has retries left; the exhausted attempt is as
// final as any other failure.
func (p *Pipelines) failStatus(ctx context.Context, appID int64, prevStatus model.AppStatus, err error) bool {
	bg := context.Background()
	switch {
	case errors.Is(err, model.ErrCanceled):
		p.setStatus(bg, appID, prevStatus)
	case model.Transient(err) && taskengine.Attempt(ctx) < taskengine.MaxAttempts:
		// The next attempt re-enters the pipeline and resets the status.
	default:
		p.setStatus(bg, appID, model.AppError)
		return true
	}
	return false
}
