// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// DockerEngine talks to the engine socket through the moby client. It is
// selected when no docker binary is on PATH, or explicitly by configuration.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to host, or to the environment-selected daemon
// when host is empty.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &DockerEngine{cli: cli}, nil
}

func classifyDocker(err error, op string) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return errors.Wrapf(model.ErrTransient, "%s: daemon unreachable: %v", op, err)
	}
	return errors.Wrap(err, op)
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return classifyDocker(err, "pinging docker")
}

func (e *DockerEngine) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	tarball, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return "", errors.Wrap(err, "archiving build context")
	}
	resp, err := e.cli.ImageBuild(ctx, tarball, build.ImageBuildOptions{
		Tags:       []string{opts.Tag},
		Dockerfile: opts.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return "", classifyDocker(err, "starting build")
	}
	defer resp.Body.Close()

	lw := newLineWriter(opts.Stream)
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.Wrap(err, "reading build output")
		}
		if msg.Error != "" {
			lw.Close()
			return "", errors.Wrapf(model.ErrBuildFailure, "docker build: %s", msg.Error)
		}
		if msg.Stream != "" {
			lw.Write([]byte(msg.Stream))
		}
	}
	lw.Close()

	insp, err := e.cli.ImageInspect(ctx, opts.Tag)
	if err != nil {
		return "", classifyDocker(err, "inspecting built image")
	}
	return insp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, spec Spec) (string, error) {
	// Replace any container already holding the name.
	err := e.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return "", classifyDocker(err, "removing existing container")
	}
	env := make([]string, 0, len(spec.Env))
	for _, ev := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", ev.Key, ev.Value))
	}
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{"8501/tcp": struct{}{}},
	}
	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
	}
	if spec.RestartPolicy != "" {
		host.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}
	created, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", classifyDocker(err, "creating container")
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", classifyDocker(err, "starting container")
	}
	return created.ID, nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classifyDocker(err, "stopping container")
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classifyDocker(err, "removing container")
	}
	return nil
}

func (e *DockerEngine) RemoveImage(ctx context.Context, tag string) error {
	_, err := e.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classifyDocker(err, "removing image")
	}
	return nil
}

func (e *DockerEngine) InspectContainer(ctx context.Context, id string) (Inspection, error) {
	insp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Inspection{}, errors.Wrapf(model.ErrNotFound, "container %s", id)
		}
		return Inspection{}, classifyDocker(err, "inspecting container")
	}
	out := Inspection{}
	if insp.State != nil {
		out.Running = insp.State.Running
		if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil {
			out.StartedAt = t
		}
		if insp.State.Health != nil {
			out.Health = insp.State.Health.Status
		}
		if !insp.State.Running {
			code := insp.State.ExitCode
			out.ExitCode = &code
		}
	}
	if insp.NetworkSettings != nil {
		for name := range insp.NetworkSettings.Networks {
			out.Networks = append(out.Networks, name)
		}
		sort.Strings(out.Networks)
	}
	return out, nil
}

func (e *DockerEngine) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, errors.Wrapf(model.ErrNotFound, "container %s", id)
		}
		return nil, classifyDocker(err, "reading logs")
	}
	defer rc.Close()
	// App containers run without a TTY so the stream is multiplexed.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, errors.Wrap(err, "demuxing logs")
	}
	text := strings.TrimRight(buf.String(), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (e *DockerEngine) ListAppContainers(ctx context.Context) ([]Summary, error) {
	rows, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelOwned+"=true")),
	})
	if err != nil {
		return nil, classifyDocker(err, "listing containers")
	}
	sums := make([]Summary, 0, len(rows))
	for _, row := range rows {
		name := ""
		if len(row.Names) > 0 {
			name = strings.TrimPrefix(row.Names[0], "/")
		}
		sums = append(sums, Summary{
			ID:     row.ID,
			Name:   name,
			Image:  row.Image,
			State:  row.State,
			Labels: row.Labels,
		})
	}
	return sums, nil
}

func (e *DockerEngine) Exec(ctx context.Context, name string, cmd ...string) (string, error) {
	exec, err := e.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", classifyDocker(err, "creating exec")
	}
	att, err := e.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return "", classifyDocker(err, "attaching exec")
	}
	defer att.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, att.Reader); err != nil {
		return "", errors.Wrap(err, "reading exec output")
	}
	insp, err := e.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return buf.String(), classifyDocker(err, "inspecting exec")
	}
	out := strings.TrimSpace(buf.String())
	if insp.ExitCode != 0 {
		return out, errors.Errorf("exec exited %d: %s", insp.ExitCode, firstLine(out))
	}
	return out, nil
}

// tarDirectory archives dir into an in-memory tarball for use as a build
// context. Symlinks are preserved; the .git directory is skipped.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

var _ Engine = (*DockerEngine)(nil)
