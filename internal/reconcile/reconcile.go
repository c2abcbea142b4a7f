// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile computes the actual runtime status of apps by comparing
// the catalog against the container engine and proxy state. It never
// mutates anything; pipelines own all corrective action.
package reconcile

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/store"
	"github.com/sungreong/openstream-gallery/pkg/container"
	"github.com/sungreong/openstream-gallery/pkg/nginx"
)

// statusWorkers bounds the proxy and engine probes run per sweep.
const statusWorkers = 4

// Status is the reconciler's verdict for one app.
type Status struct {
	AppID    int64
	Declared model.AppStatus
	Actual   model.ActualStatus
	// Diagnostic carries the failure detail behind an error verdict, taken
	// from the latest deployment record.
	Diagnostic string
}

// Reconciler derives actual statuses. Safe for concurrent use.
type Reconciler struct {
	store  store.Store
	engine container.Engine
	proxy  *nginx.Manager
}

// New returns a Reconciler over the given components.
func New(st store.Store, engine container.Engine, proxy *nginx.Manager) *Reconciler {
	return &Reconciler{store: st, engine: engine, proxy: proxy}
}

// AppStatus computes the verdict for a single app. containers maps container
// name to its listing row; pass nil to have the engine queried.
func (r *Reconciler) AppStatus(ctx context.Context, app *model.App, containers map[string]container.Summary) (Status, error) {
	if containers == nil {
		var err error
		containers, err = r.listContainers(ctx)
		if err != nil {
			return Status{}, err
		}
	}
	st := Status{AppID: app.ID, Declared: app.Status, Actual: r.verdict(ctx, app, containers)}
	if st.Actual == model.ActualError {
		if dep, err := r.store.LatestDeployment(ctx, app.ID); err == nil && dep.Status == model.DeploymentFailed {
			st.Diagnostic = dep.ErrorMessage
		}
	}
	return st, nil
}

// verdict applies the classification rules in order; the first match wins.
func (r *Reconciler) verdict(ctx context.Context, app *model.App, containers map[string]container.Summary) model.ActualStatus {
	switch {
	case app.BuildTaskID != "":
		return model.ActualBuilding
	case app.DeployTaskID != "":
		return model.ActualDeploying
	case app.StopTaskID != "":
		return model.ActualStopping
	}
	if app.Status == model.AppError {
		return model.ActualError
	}
	if app.ContainerID == "" {
		return model.ActualNotDeployed
	}
	c, present := containers[app.ContainerName()]
	if !present || c.State != "running" {
		// A declared stop that went through looks identical to a crashed
		// container; the declared status breaks the tie.
		if app.Status == model.AppStopped {
			return model.ActualStopped
		}
		return model.ActualAppError
	}
	if err := r.proxy.Validate(ctx, app); err != nil {
		return model.ActualProxyError
	}
	return model.ActualRunning
}

// Sweep computes verdicts for every cataloged app, probing at most
// statusWorkers apps at a time. Results are ordered by app id.
func (r *Reconciler) Sweep(ctx context.Context) ([]Status, error) {
	apps, err := r.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	containers, err := r.listContainers(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, len(apps))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statusWorkers)
	for i, app := range apps {
		g.Go(func() error {
			st, err := r.AppStatus(ctx, app, containers)
			if err != nil {
				return err
			}
			statuses[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AppID < statuses[j].AppID })
	return statuses, nil
}

func (r *Reconciler) listContainers(ctx context.Context) (map[string]container.Summary, error) {
	all, err := r.engine.ListAppContainers(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]container.Summary, len(all))
	for _, c := range all {
		byName[c.Name] = c
	}
	return byName, nil
}
