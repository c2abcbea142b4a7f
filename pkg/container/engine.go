// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package container abstracts the container engine behind a narrow interface
// with CLI and socket-based implementations.
package container

import (
	"context"
	"strconv"
	"time"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// Label keys used for container discovery. No external registry exists; these
// labels are the only link between catalog rows and engine state.
const (
	LabelOwned     = "platform.owned"
	LabelAppID     = "platform.app_id"
	LabelAppName   = "platform.app_name"
	LabelSubdomain = "platform.subdomain"
	LabelImage     = "platform.image"
)

// AppLabels returns the required label set for an app container.
func AppLabels(app *model.App, imageTag string) map[string]string {
	return map[string]string{
		LabelOwned:     "true",
		LabelAppID:     strconv.FormatInt(app.ID, 10),
		LabelAppName:   app.Name,
		LabelSubdomain: app.Subdomain,
		LabelImage:     imageTag,
	}
}

// BuildOptions describes one image build.
type BuildOptions struct {
	// ContextDir is the build context root.
	ContextDir string
	// Dockerfile is the path of the Dockerfile relative to ContextDir.
	Dockerfile string
	// Tag is applied to the resulting image.
	Tag string
	// Stream receives each build output line as it is produced. May be nil.
	Stream func(line string)
}

// Spec describes one container to start.
type Spec struct {
	Image         string
	Name          string
	Labels        map[string]string
	Network       string
	Env           []model.EnvVar
	RestartPolicy string
}

// Inspection is the observed state of one container.
type Inspection struct {
	Running   bool
	StartedAt time.Time
	Networks  []string
	// Health is "healthy", "unhealthy", "starting", or empty when the image
	// declares no healthcheck.
	Health   string
	ExitCode *int
}

// Summary is one row of a container listing.
type Summary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Engine is the container engine contract. All mutating operations are
// idempotent: acting on an absent container or image is not an error.
type Engine interface {
	// Ping reports whether the engine endpoint is reachable.
	Ping(ctx context.Context) error
	// BuildImage builds ContextDir into Tag, forwarding output lines through
	// opts.Stream, and returns the image id. Failures preserve the partial
	// log already streamed.
	BuildImage(ctx context.Context, opts BuildOptions) (string, error)
	// StartContainer starts spec, removing any existing container with the
	// same name first, and returns the container id.
	StartContainer(ctx context.Context, spec Spec) (string, error)
	// StopContainer gracefully stops id, force killing after timeout.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, tag string) error
	// InspectContainer returns the observed state of id, or ErrNotFound.
	InspectContainer(ctx context.Context, id string) (Inspection, error)
	// Logs returns up to tail trailing log lines of id.
	Logs(ctx context.Context, id string, tail int) ([]string, error)
	// ListAppContainers lists every container bearing LabelOwned=true,
	// running or not.
	ListAppContainers(ctx context.Context) ([]Summary, error)
	// Exec runs cmd inside a running container and returns its combined
	// output.
	Exec(ctx context.Context, container string, cmd ...string) (string, error)
}

// CleanupOrphans removes platform-labeled containers whose app id is not in
// activeIDs and returns their summaries. Containers belonging to an active
// app are never touched.
func CleanupOrphans(ctx context.Context, e Engine, activeIDs []int64) ([]Summary, error) {
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[strconv.FormatInt(id, 10)] = true
	}
	all, err := e.ListAppContainers(ctx)
	if err != nil {
		return nil, err
	}
	var removed []Summary
	for _, c := range all {
		if active[c.Labels[LabelAppID]] {
			continue
		}
		if err := e.RemoveContainer(ctx, c.ID); err != nil {
			return removed, err
		}
		removed = append(removed, c)
	}
	return removed, nil
}
