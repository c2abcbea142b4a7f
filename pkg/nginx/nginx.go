// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package nginx manages per-app reverse proxy fragments in a watched include
// directory and drives proxy config reloads through the container engine.
package nginx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/pkg/container"
)

// fragmentTemplate proxies /<subdomain>/ to the app container. Streamlit
// serves absolute asset paths, so sub_filter rewrites them under the prefix,
// and the websocket endpoint gets its own location block.
var fragmentTemplate = template.Must(template.New("fragment").Parse(`# app fragment for {{.Subdomain}} (generated, do not edit)
location /{{.Subdomain}}/ {
    proxy_pass http://{{.Container}}:8501/;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_set_header X-Script-Name /{{.Subdomain}};

    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_read_timeout 86400;
    proxy_buffering off;

    sub_filter_once off;
    sub_filter_types text/html text/css text/javascript application/javascript;
    sub_filter 'src="/' 'src="/{{.Subdomain}}/';
    sub_filter 'href="/' 'href="/{{.Subdomain}}/';
    sub_filter 'action="/' 'action="/{{.Subdomain}}/';
    sub_filter '"/_stcore/' '"/{{.Subdomain}}/_stcore/';
    sub_filter '"/_stcore' '"/{{.Subdomain}}/_stcore';
    sub_filter 'window.location.pathname' 'window.location.pathname.replace("/{{.Subdomain}}", "")';
}

location /{{.Subdomain}}/_stcore/stream {
    proxy_pass http://{{.Container}}:8501/_stcore/stream;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_read_timeout 86400;
    proxy_buffering off;
}

location ~ ^/{{.Subdomain}}/(.*\.(css|js|png|jpg|jpeg|gif|ico|svg|woff|woff2|ttf|eot))$ {
    proxy_pass http://{{.Container}}:8501/$1;
    proxy_set_header Host $host;
    expires 1y;
    add_header Cache-Control "public, immutable";
}
`))

// Fragment renders the proxy fragment for a subdomain. Identical inputs
// render byte-identical output.
func Fragment(subdomain, containerName string) string {
	var buf bytes.Buffer
	if err := fragmentTemplate.Execute(&buf, struct{ Subdomain, Container string }{subdomain, containerName}); err != nil {
		// The template is static and the inputs are plain strings.
		panic(err)
	}
	return buf.String()
}

// ReloadResult is the outcome of one config test and reload cycle.
type ReloadResult struct {
	Valid  bool
	Errors string
}

// ConfigStatus describes the proxy state of one app.
type ConfigStatus struct {
	Subdomain               string
	Exists                  bool
	SyntacticallyValid      bool
	UpstreamContainerExists bool
	UpstreamRunning         bool
	Issues                  []string
}

// Manager owns the fragment directory. Reloads are serialized by an internal
// lock so concurrent deploys cannot interleave test and reload.
type Manager struct {
	dir       string
	system    map[string]bool
	proxyName string
	engine    container.Engine
	timeout   time.Duration

	reloadMu sync.Mutex
}

// NewManager returns a Manager over dir. systemFragments are filenames that
// cleanup must never touch. proxyName is the nginx container reloads exec
// into.
func NewManager(dir string, systemFragments []string, proxyName string, engine container.Engine, reloadTimeout time.Duration) *Manager {
	system := make(map[string]bool, len(systemFragments))
	for _, f := range systemFragments {
		system[f] = true
	}
	return &Manager{dir: dir, system: system, proxyName: proxyName, engine: engine, timeout: reloadTimeout}
}

// FragmentPath returns the on-disk path of a subdomain's fragment.
func (m *Manager) FragmentPath(subdomain string) string {
	return filepath.Join(m.dir, subdomain+".conf")
}

// ReadFragment returns the current fragment content, or ok=false when absent.
func (m *Manager) ReadFragment(subdomain string) ([]byte, bool, error) {
	b, err := os.ReadFile(m.FragmentPath(subdomain))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading fragment")
	}
	return b, true, nil
}

// writeAtomic lands content at path via a temp file and rename so the watched
// directory never sees a partial fragment.
func (m *Manager) writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(m.dir, ".fragment-*")
	if err != nil {
		return errors.Wrap(err, "creating temp fragment")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp fragment")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp fragment")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "renaming fragment")
}

// Write renders and installs the fragment for app, then reloads the proxy.
// Rewriting identical content skips the disk write but still reloads.
func (m *Manager) Write(ctx context.Context, app *model.App) (ReloadResult, error) {
	content := []byte(Fragment(app.Subdomain, app.ContainerName()))
	if existing, ok, err := m.ReadFragment(app.Subdomain); err != nil {
		return ReloadResult{}, err
	} else if !ok || !bytes.Equal(existing, content) {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return ReloadResult{}, errors.Wrap(err, "creating fragment dir")
		}
		if err := m.writeAtomic(m.FragmentPath(app.Subdomain), content); err != nil {
			return ReloadResult{}, err
		}
	}
	return m.Reload(ctx)
}

// RestoreFragment reinstalls previously backed up content, used for deploy
// rollback.
func (m *Manager) RestoreFragment(subdomain string, content []byte) error {
	return m.writeAtomic(m.FragmentPath(subdomain), content)
}

// Remove deletes the fragment (a no-op when absent) and reloads the proxy.
func (m *Manager) Remove(ctx context.Context, subdomain string) (ReloadResult, error) {
	if err := m.RemoveFile(subdomain + ".conf"); err != nil {
		return ReloadResult{}, err
	}
	return m.Reload(ctx)
}

// RemoveFile deletes one fragment file by name without reloading. System
// fragments are refused.
func (m *Manager) RemoveFile(name string) error {
	if m.system[name] {
		return errors.Wrapf(model.ErrInvalidInput, "%s is a system fragment", name)
	}
	err := os.Remove(filepath.Join(m.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing fragment")
	}
	return nil
}

// Reload tests the proxy configuration and, when valid, signals a reload.
// The whole cycle holds the reload lock.
func (m *Manager) Reload(ctx context.Context) (ReloadResult, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	// nginx -t reports its verdict on stderr.
	out, err := m.engine.Exec(ctx, m.proxyName, "nginx", "-t")
	if err != nil {
		if model.Transient(err) {
			return ReloadResult{}, err
		}
		return ReloadResult{Valid: false, Errors: out}, nil
	}
	if out, err := m.engine.Exec(ctx, m.proxyName, "nginx", "-s", "reload"); err != nil {
		return ReloadResult{Valid: false, Errors: out}, nil
	}
	return ReloadResult{Valid: true}, nil
}

// Validate cross-checks that app's fragment exists, matches the expected
// rendering, and that its upstream resolves to a running container with a
// matching subdomain label.
func (m *Manager) Validate(ctx context.Context, app *model.App) error {
	st := m.statusFor(ctx, app)
	if len(st.Issues) > 0 {
		return errors.Wrapf(model.ErrInvalidInput, "proxy config for %s: %s", app.Subdomain, strings.Join(st.Issues, "; "))
	}
	return nil
}

// ConfigsStatus reports the fragment and upstream state for each app.
func (m *Manager) ConfigsStatus(ctx context.Context, apps []*model.App) []ConfigStatus {
	out := make([]ConfigStatus, 0, len(apps))
	for _, app := range apps {
		out = append(out, m.statusFor(ctx, app))
	}
	return out
}

func (m *Manager) statusFor(ctx context.Context, app *model.App) ConfigStatus {
	st := ConfigStatus{Subdomain: app.Subdomain}
	content, ok, err := m.ReadFragment(app.Subdomain)
	if err != nil {
		st.Issues = append(st.Issues, err.Error())
		return st
	}
	if !ok {
		st.Issues = append(st.Issues, "fragment missing")
		return st
	}
	st.Exists = true
	want := fmt.Sprintf("proxy_pass http://%s:8501/;", app.ContainerName())
	if strings.Contains(string(content), want) {
		st.SyntacticallyValid = true
	} else {
		st.Issues = append(st.Issues, "fragment does not proxy to "+app.ContainerName())
	}
	sums, err := m.engine.ListAppContainers(ctx)
	if err != nil {
		st.Issues = append(st.Issues, "listing containers: "+err.Error())
		return st
	}
	for _, s := range sums {
		if s.Name != app.ContainerName() {
			continue
		}
		if s.Labels[container.LabelSubdomain] != app.Subdomain {
			st.Issues = append(st.Issues, "upstream container has mismatched subdomain label")
			continue
		}
		st.UpstreamContainerExists = true
		if s.State == "running" {
			st.UpstreamRunning = true
		}
	}
	if !st.UpstreamContainerExists {
		st.Issues = append(st.Issues, "upstream container missing")
	} else if !st.UpstreamRunning {
		st.Issues = append(st.Issues, "upstream container not running")
	}
	return st
}

// ListAppFragments returns the non-system .conf filenames in the directory.
func (m *Manager) ListAppFragments() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading fragment dir")
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".conf") || m.system[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CleanupAuto deletes app fragments whose subdomain is not in active, leaving
// system fragments untouched, and reloads once when anything was removed.
func (m *Manager) CleanupAuto(ctx context.Context, active []string) ([]string, error) {
	keep := make(map[string]bool, len(active))
	for _, s := range active {
		keep[s+".conf"] = true
	}
	names, err := m.ListAppFragments()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := m.RemoveFile(name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		if _, err := m.Reload(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
