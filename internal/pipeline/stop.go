// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
)

// stopGrace is how long a container gets to exit before it is killed.
const stopGrace = 10 * time.Second

// Stop removes the app's proxy fragment and container, in that order, so the
// proxy never routes to a half-stopped app.
func (p *Pipelines) Stop(ctx context.Context, task *model.Task, report taskengine.ProgressFunc) error {
	app, err := p.store.GetApp(ctx, task.AppID)
	if err != nil {
		return err
	}
	prevStatus := app.Status
	p.setStatus(ctx, app.ID, model.AppStopping)

	name := app.ContainerName()
	steps := []Step{
		{
			Name: "removing proxy fragment",
			Run: func(ctx context.Context) error {
				if app.Subdomain == "" {
					return nil
				}
				res, err := p.proxy.Remove(ctx, app.Subdomain)
				if err != nil {
					return err
				}
				if !res.Valid {
					// Removal cannot make the config invalid on its own; an
					// already broken config must not block the stop.
					log.Printf("proxy config invalid after removing %s: %s", app.Subdomain, model.TruncateLog(res.Errors))
				}
				return nil
			},
		},
		{
			Name: "stopping container",
			Run: func(ctx context.Context) error {
				if err := p.engine.StopContainer(ctx, name, stopGrace); err != nil {
					return err
				}
				return p.engine.RemoveContainer(ctx, name)
			},
		},
		{
			Name: "finalizing",
			Run: func(ctx context.Context) error {
				app.ContainerID = ""
				app.Status = model.AppStopped
				return p.store.UpdateApp(ctx, app)
			},
		},
	}

	if err := runSteps(ctx, report, steps); err != nil {
		p.failStatus(ctx, app.ID, prevStatus, err)
		return err
	}
	return nil
}
