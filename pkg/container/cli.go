// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// CLIEngine drives the docker CLI. It is the preferred implementation when a
// docker binary is on PATH: it needs no socket mount and inherits the
// daemon selection of the environment.
type CLIEngine struct {
	ex CommandExecutor
	// host, when set, is passed as DOCKER_HOST via the -H flag.
	host string
}

// NewCLIEngine returns a CLIEngine using ex, or the real executor when ex is
// nil.
func NewCLIEngine(ex CommandExecutor, host string) *CLIEngine {
	if ex == nil {
		ex = NewRealCommandExecutor()
	}
	return &CLIEngine{ex: ex, host: host}
}

func (e *CLIEngine) docker(args ...string) []string {
	if e.host != "" {
		return append([]string{"-H", e.host}, args...)
	}
	return args
}

// classifyCLI maps docker CLI failures. Daemon connectivity problems are
// transient; everything else passes through.
func classifyCLI(err error, output string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(output, "Cannot connect to the Docker daemon") ||
		strings.Contains(output, "error during connect") {
		return errors.Wrapf(model.ErrTransient, "docker daemon unreachable: %s", firstLine(output))
	}
	return errors.Wrapf(err, "docker: %s", firstLine(output))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func isNotFound(output string) bool {
	return strings.Contains(output, "No such container") ||
		strings.Contains(output, "No such image") ||
		strings.Contains(output, "No such object")
}

// Ping verifies both the binary and the daemon.
func (e *CLIEngine) Ping(ctx context.Context) error {
	if _, err := e.ex.LookPath("docker"); err != nil {
		return errors.Wrap(err, "docker binary not found")
	}
	out, err := capture(ctx, e.ex, "docker", e.docker("version", "--format", "{{.Server.Version}}")...)
	return classifyCLI(err, out)
}

func (e *CLIEngine) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	lw := newLineWriter(opts.Stream)
	args := e.docker("build", "-f", opts.Dockerfile, "-t", opts.Tag, opts.ContextDir)
	err := e.ex.Execute(ctx, CommandOptions{Output: lw}, "docker", args...)
	lw.Close()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrapf(model.ErrBuildFailure, "docker build: %v", err)
	}
	id, err := capture(ctx, e.ex, "docker", e.docker("inspect", "--format", "{{.Id}}", opts.Tag)...)
	if err != nil {
		return "", classifyCLI(err, id)
	}
	return id, nil
}

func (e *CLIEngine) StartContainer(ctx context.Context, spec Spec) (string, error) {
	// Idempotent w.r.t. name: an existing container is replaced.
	if out, err := capture(ctx, e.ex, "docker", e.docker("rm", "-f", spec.Name)...); err != nil && !isNotFound(out) {
		return "", classifyCLI(err, out)
	}
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-l", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	for _, ev := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", ev.Key, ev.Value))
	}
	args = append(args, spec.Image)
	out, err := capture(ctx, e.ex, "docker", e.docker(args...)...)
	if err != nil {
		return "", classifyCLI(err, out)
	}
	return out, nil
}

func (e *CLIEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	out, err := capture(ctx, e.ex, "docker", e.docker("stop", "-t", fmt.Sprint(secs), id)...)
	if err != nil && !isNotFound(out) {
		return classifyCLI(err, out)
	}
	return nil
}

func (e *CLIEngine) RemoveContainer(ctx context.Context, id string) error {
	out, err := capture(ctx, e.ex, "docker", e.docker("rm", "-f", id)...)
	if err != nil && !isNotFound(out) {
		return classifyCLI(err, out)
	}
	return nil
}

func (e *CLIEngine) RemoveImage(ctx context.Context, tag string) error {
	out, err := capture(ctx, e.ex, "docker", e.docker("rmi", "-f", tag)...)
	if err != nil && !isNotFound(out) {
		return classifyCLI(err, out)
	}
	return nil
}

// cliInspect is the subset of docker inspect output the adapter reads.
type cliInspect struct {
	State struct {
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
		ExitCode  int    `json:"ExitCode"`
		Health    *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	NetworkSettings struct {
		Networks map[string]json.RawMessage `json:"Networks"`
	} `json:"NetworkSettings"`
}

func (e *CLIEngine) InspectContainer(ctx context.Context, id string) (Inspection, error) {
	out, err := capture(ctx, e.ex, "docker", e.docker("inspect", "--format", "{{json .}}", id)...)
	if err != nil {
		if isNotFound(out) {
			return Inspection{}, errors.Wrapf(model.ErrNotFound, "container %s", id)
		}
		return Inspection{}, classifyCLI(err, out)
	}
	var ci cliInspect
	if err := json.Unmarshal([]byte(out), &ci); err != nil {
		return Inspection{}, errors.Wrap(err, "parsing inspect output")
	}
	insp := Inspection{Running: ci.State.Running}
	if t, err := time.Parse(time.RFC3339Nano, ci.State.StartedAt); err == nil {
		insp.StartedAt = t
	}
	if ci.State.Health != nil {
		insp.Health = ci.State.Health.Status
	}
	if !ci.State.Running {
		code := ci.State.ExitCode
		insp.ExitCode = &code
	}
	for name := range ci.NetworkSettings.Networks {
		insp.Networks = append(insp.Networks, name)
	}
	sort.Strings(insp.Networks)
	return insp, nil
}

func (e *CLIEngine) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	args := e.docker("logs", "--tail", fmt.Sprint(tail), id)
	out, err := capture(ctx, e.ex, "docker", args...)
	if err != nil {
		if isNotFound(out) {
			return nil, errors.Wrapf(model.ErrNotFound, "container %s", id)
		}
		return nil, classifyCLI(err, out)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// cliPS is one line of docker ps --format '{{json .}}'.
type cliPS struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

func (e *CLIEngine) ListAppContainers(ctx context.Context) ([]Summary, error) {
	args := e.docker("ps", "-a", "--filter", "label="+LabelOwned+"=true", "--format", "{{json .}}")
	out, err := capture(ctx, e.ex, "docker", args...)
	if err != nil {
		return nil, classifyCLI(err, out)
	}
	var sums []Summary
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row cliPS
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, errors.Wrap(err, "parsing ps output")
		}
		s := Summary{ID: row.ID, Name: row.Names, Image: row.Image, State: row.State, Labels: map[string]string{}}
		for _, kv := range strings.Split(row.Labels, ",") {
			if k, v, ok := strings.Cut(kv, "="); ok {
				s.Labels[k] = v
			}
		}
		sums = append(sums, s)
	}
	return sums, nil
}

func (e *CLIEngine) Exec(ctx context.Context, container string, cmd ...string) (string, error) {
	args := append(e.docker("exec", container), cmd...)
	out, err := capture(ctx, e.ex, "docker", args...)
	if err != nil {
		return out, classifyCLI(err, out)
	}
	return out, nil
}

var _ Engine = (*CLIEngine)(nil)
