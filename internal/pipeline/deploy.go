// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/taskengine"
	"github.com/sungreong/openstream-gallery/pkg/container"
)

// Deploy starts the app container from its cataloged image and installs the
// proxy fragment. When no usable image exists, or the force param is set, a
// full build phase runs first under the same task.
func (p *Pipelines) Deploy(ctx context.Context, task *model.Task, report taskengine.ProgressFunc) error {
	app, err := p.store.GetApp(ctx, task.AppID)
	if err != nil {
		return err
	}
	prevStatus := app.Status

	var dep *model.Deployment
	if app.ImageTag == "" || task.Param(ParamForce) == "true" {
		p.setStatus(ctx, app.ID, model.AppBuilding)
		dep, err = p.buildApp(ctx, app, task, report)
		if err != nil {
			p.failStatus(ctx, app.ID, prevStatus, err)
			return err
		}
	}
	return p.runDeploy(ctx, app, dep, prevStatus, report)
}

// runDeploy wraps deployApp with the app status transitions shared by the
// deploy task and the build task's chained deploy phase. dep, when non-nil,
// is the deployment record of the build that produced the image and is
// marked failed if the deploy does not go through.
func (p *Pipelines) runDeploy(ctx context.Context, app *model.App, dep *model.Deployment, prevStatus model.AppStatus, report taskengine.ProgressFunc) error {
	p.setStatus(ctx, app.ID, model.AppDeploying)
	if err := p.deployApp(ctx, app, report); err != nil {
		if p.failStatus(ctx, app.ID, prevStatus, err) {
			p.failDeployment(dep, err, "")
		}
		return err
	}
	return nil
}

// deployApp replaces the app's container and proxy fragment. Any failure
// after the previous container is gone rolls back to the pre-deploy state:
// the new container is removed, the previous fragment is restored, and the
// previous image is restarted.
func (p *Pipelines) deployApp(ctx context.Context, app *model.App, report taskengine.ProgressFunc) error {
	if app.ImageTag == "" {
		return errors.Wrap(model.ErrDeployFailure, "no image built for app")
	}
	if app.Subdomain == "" {
		return errors.Wrap(model.ErrInvalidInput, "app has no subdomain")
	}

	var (
		prevFragment []byte
		hadFragment  bool
		prevImage    string
		newID        string
	)
	name := app.ContainerName()

	spec := func(image string) container.Spec {
		return container.Spec{
			Image:         image,
			Name:          name,
			Labels:        container.AppLabels(app, image),
			Network:       p.cfg.NetworkName,
			Env:           app.EnvVars,
			RestartPolicy: "unless-stopped",
		}
	}

	rollback := func() {
		bg := context.Background()
		if err := p.engine.RemoveContainer(bg, name); err != nil {
			log.Printf("rollback: removing container %s: %v", name, err)
		}
		if hadFragment {
			if err := p.proxy.RestoreFragment(app.Subdomain, prevFragment); err != nil {
				log.Printf("rollback: restoring fragment %s: %v", app.Subdomain, err)
			}
		} else if err := p.proxy.RemoveFile(app.Subdomain + ".conf"); err != nil {
			log.Printf("rollback: removing fragment %s: %v", app.Subdomain, err)
		}
		if prevImage != "" {
			if id, err := p.engine.StartContainer(bg, spec(prevImage)); err != nil {
				log.Printf("rollback: restarting %s from %s: %v", name, prevImage, err)
			} else {
				app.ContainerID = id
			}
		}
		if _, err := p.proxy.Reload(bg); err != nil {
			log.Printf("rollback: reloading proxy: %v", err)
		}
	}

	steps := []Step{
		{
			Name: "preparing rollback point",
			Run: func(ctx context.Context) error {
				var err error
				prevFragment, hadFragment, err = p.proxy.ReadFragment(app.Subdomain)
				if err != nil {
					return err
				}
				all, err := p.engine.ListAppContainers(ctx)
				if err != nil {
					return err
				}
				for _, c := range all {
					if c.Name == name {
						prevImage = c.Image
						break
					}
				}
				return nil
			},
		},
		{
			Name: "starting container",
			Run: func(ctx context.Context) error {
				var err error
				newID, err = p.engine.StartContainer(ctx, spec(app.ImageTag))
				if err != nil {
					return errors.Wrapf(model.ErrDeployFailure, "starting container: %v", err)
				}
				return nil
			},
			Cleanup: rollback,
		},
		{
			Name: "waiting for healthy",
			Run: func(ctx context.Context) error {
				return p.waitHealthy(ctx, newID)
			},
		},
		{
			Name: "updating proxy",
			Run: func(ctx context.Context) error {
				res, err := p.proxy.Write(ctx, app)
				if err != nil {
					return err
				}
				if !res.Valid {
					return errors.Wrapf(model.ErrDeployFailure, "proxy reload invalid: %s", model.TruncateLog(res.Errors))
				}
				return nil
			},
		},
	}

	if err := runSteps(ctx, report, steps); err != nil {
		return err
	}

	now := time.Now().UTC()
	app.ContainerID = newID
	app.Status = model.AppRunning
	app.LastDeployedAt = &now
	return p.store.UpdateApp(ctx, app)
}

// waitHealthy polls the container until it is running and its healthcheck,
// if any, reports healthy. A container that exits or stays unhealthy past
// the deadline fails with its trailing log attached.
func (p *Pipelines) waitHealthy(ctx context.Context, id string) error {
	deadline := time.Now().Add(p.cfg.HealthTimeout)
	for {
		ins, err := p.engine.InspectContainer(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case ins.Running && (ins.Health == "" || ins.Health == "healthy"):
			return nil
		case !ins.Running && ins.ExitCode != nil:
			return errors.Wrapf(model.ErrDeployFailure, "container exited with code %d\n%s", *ins.ExitCode, p.tailLog(ctx, id))
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(model.ErrDeployFailure, "container not healthy after %s (state %s)\n%s", p.cfg.HealthTimeout, ins.Health, p.tailLog(ctx, id))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.healthPoll):
		}
	}
}

// tailLog fetches the container's trailing log lines for failure messages.
func (p *Pipelines) tailLog(ctx context.Context, id string) string {
	lines, err := p.engine.Logs(ctx, id, 50)
	if err != nil {
		return ""
	}
	return model.TruncateLog(strings.Join(lines, "\n"))
}
