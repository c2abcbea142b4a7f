// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the entities shared across the orchestrator core.
package model

import (
	"fmt"
	"time"
)

// AppStatus is the declared lifecycle state of an App.
type AppStatus string

const (
	AppStopped   AppStatus = "stopped"
	AppBuilding  AppStatus = "building"
	AppDeploying AppStatus = "deploying"
	AppRunning   AppStatus = "running"
	AppStopping  AppStatus = "stopping"
	AppError     AppStatus = "error"
)

// BaseImageChoice selects the bundled base Dockerfile variant.
type BaseImageChoice string

const (
	BaseAuto    BaseImageChoice = "auto"
	BaseMinimal BaseImageChoice = "minimal"
	BasePy39    BaseImageChoice = "py39"
	BasePy310   BaseImageChoice = "py310"
	BasePy311   BaseImageChoice = "py311"
)

// ValidBaseImageChoice reports whether c is a user-selectable choice.
func ValidBaseImageChoice(c BaseImageChoice) bool {
	switch c {
	case BaseAuto, BaseMinimal, BasePy39, BasePy310, BasePy311:
		return true
	}
	return false
}

// EnvVar is one key/value pair in an App's ordered environment.
type EnvVar struct {
	Key   string
	Value string
}

// App is a user-declared deployable unit.
type App struct {
	ID              int64
	OwnerID         int64
	Name            string
	Description     string
	GitURL          string
	Branch          string
	EntryFile       string
	BaseImageChoice BaseImageChoice
	CustomBaseImage string
	CustomOverlay   string
	CredentialID    *int64
	EnvVars         []EnvVar
	Subdomain       string
	Status          AppStatus
	ContainerID     string
	ImageTag        string
	BuildTaskID     string
	DeployTaskID    string
	StopTaskID      string
	IsPublic        bool
	LastDeployedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContainerName returns the engine-level name for the App's container.
func (a *App) ContainerName() string {
	return "app-" + a.Subdomain
}

// ImageTagFor returns the image tag for a build of the given commit.
func (a *App) ImageTagFor(commitHash string) string {
	short := commitHash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("app-%s:%s", a.Subdomain, short)
}

// TaskIDFor returns the App's recorded task id for the given kind.
func (a *App) TaskIDFor(kind TaskKind) string {
	switch kind {
	case TaskBuild:
		return a.BuildTaskID
	case TaskDeploy:
		return a.DeployTaskID
	case TaskStop:
		return a.StopTaskID
	}
	return ""
}

// DeploymentStatus is the outcome of one build+deploy attempt.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentSuccess    DeploymentStatus = "success"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Deployment is one history record of a build for an App.
type Deployment struct {
	ID             int64
	AppID          int64
	CommitHash     string
	Status         DeploymentStatus
	Variant        string
	DockerfileHash string
	BuildLog       string
	ErrorMessage   string
	DeployedAt     time.Time
}

// TaskKind distinguishes the three pipeline kinds.
type TaskKind string

const (
	TaskBuild  TaskKind = "build"
	TaskDeploy TaskKind = "deploy"
	TaskStop   TaskKind = "stop"
)

// TaskState is the execution state of a queued task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
	TaskRevoked TaskState = "revoked"
	TaskRetry   TaskState = "retry"
)

// Terminal reports whether s is a final task state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	}
	return false
}

// Progress is the last reported progress of a task. Current is monotonic
// within a phase; a phase change may reset Current and update Total.
type Progress struct {
	Current int
	Total   int
	Message string
}

// Task is a queued unit of work against one App.
type Task struct {
	ID           string
	Kind         TaskKind
	AppID        int64
	State        TaskState
	Params       map[string]string
	Progress     Progress
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Param returns a task parameter, empty when unset.
func (t *Task) Param(key string) string {
	return t.Params[key]
}

// AuthKind is how a GitCredential authenticates.
type AuthKind string

const (
	AuthToken  AuthKind = "token"
	AuthSSHKey AuthKind = "ssh_key"
)

// GitCredential references an encrypted secret owned by a user. The core
// never sees the ciphertext; secrets arrive decrypted via CredentialSource.
type GitCredential struct {
	ID        int64
	OwnerID   int64
	Name      string
	Provider  string
	AuthKind  AuthKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Secret is a decrypted credential payload.
type Secret struct {
	AuthKind AuthKind
	Username string
	Token    string
	SSHKey   string
}

// ActualStatus is the reconciler's computed runtime state for an App.
type ActualStatus string

const (
	ActualRunning     ActualStatus = "running"
	ActualStopped     ActualStatus = "stopped"
	ActualNotDeployed ActualStatus = "not_deployed"
	ActualProxyError  ActualStatus = "proxy_error"
	ActualAppError    ActualStatus = "app_error"
	ActualBuilding    ActualStatus = "building"
	ActualDeploying   ActualStatus = "deploying"
	ActualStopping    ActualStatus = "stopping"
	ActualError       ActualStatus = "error"
)
