// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package config carries the typed runtime configuration. It is populated
// once in cmd and handed to component constructors; nothing below cmd reads
// the environment directly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the complete orchestrator configuration.
type Config struct {
	// DatabaseURL is the catalog connection string (postgres://...). Empty
	// selects the in-memory store.
	DatabaseURL string
	// DockerHost is the container engine endpoint; empty uses the
	// environment defaults of the engine implementation.
	DockerHost string
	// NetworkName is the shared application network containers join.
	NetworkName string
	// BaseDockerfileDir holds the bundled Dockerfile.<variant> files,
	// read-only at runtime.
	BaseDockerfileDir string
	// WorkspaceRoot is where per-task clone workspaces are created.
	WorkspaceRoot string
	// FragmentDir is the watched nginx include directory.
	FragmentDir string
	// SystemFragments are config filenames cleanup must never touch.
	SystemFragments []string
	// NginxContainer is the proxy container name used for test/reload.
	NginxContainer string
	// PublicBaseURL is the externally visible root URL.
	PublicBaseURL string
	// Workers is the task pool size.
	Workers int
	// ReconcileInterval is the period of the background status sweep;
	// zero disables the sweep.
	ReconcileInterval time.Duration

	CloneTimeout  time.Duration
	BuildTimeout  time.Duration
	HealthTimeout time.Duration
	ReloadTimeout time.Duration
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		NetworkName:       "openstream",
		BaseDockerfileDir: "base_dockerfiles",
		WorkspaceRoot:     os.TempDir(),
		FragmentDir:       "proxy_fragments",
		SystemFragments:   []string{"default.conf", "test.conf", "upstreams.conf"},
		NginxContainer:    "openstream-nginx",
		Workers:           2,
		ReconcileInterval: time.Minute,
		CloneTimeout:      120 * time.Second,
		BuildTimeout:      1800 * time.Second,
		HealthTimeout:     60 * time.Second,
		ReloadTimeout:     10 * time.Second,
	}
}

// FromEnv overlays OPENSTREAM_* environment variables onto Defaults.
func FromEnv() (Config, error) {
	c := Defaults()
	if v := os.Getenv("OPENSTREAM_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("OPENSTREAM_DOCKER_HOST"); v != "" {
		c.DockerHost = v
	}
	if v := os.Getenv("OPENSTREAM_NETWORK"); v != "" {
		c.NetworkName = v
	}
	if v := os.Getenv("OPENSTREAM_BASE_DOCKERFILE_DIR"); v != "" {
		c.BaseDockerfileDir = v
	}
	if v := os.Getenv("OPENSTREAM_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("OPENSTREAM_FRAGMENT_DIR"); v != "" {
		c.FragmentDir = v
	}
	if v := os.Getenv("OPENSTREAM_SYSTEM_FRAGMENTS"); v != "" {
		c.SystemFragments = strings.Split(v, ",")
	}
	if v := os.Getenv("OPENSTREAM_NGINX_CONTAINER"); v != "" {
		c.NginxContainer = v
	}
	if v := os.Getenv("OPENSTREAM_PUBLIC_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("OPENSTREAM_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, errors.Errorf("invalid OPENSTREAM_WORKERS %q", v)
		}
		c.Workers = n
	}
	if v := os.Getenv("OPENSTREAM_RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, errors.Wrapf(err, "invalid OPENSTREAM_RECONCILE_INTERVAL %q", v)
		}
		c.ReconcileInterval = d
	}
	return c, nil
}
