// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package pyreq inspects a cloned workspace and classifies its Python
// dependencies for base image selection.
package pyreq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// problematicSeed names packages that historically require C or Fortran
// toolchains to build from source. Matching is by normalized package name.
var problematicSeed = map[string]bool{
	"numpy":        true,
	"scipy":        true,
	"pandas":       true,
	"scikit-learn": true,
	"torch":        true,
	"tensorflow":   true,
	"pillow":       true,
	"lxml":         true,
	"h5py":         true,
}

// datascienceSeed is the numeric-stack subset whose presence warrants the
// datascience base image outright. Other compiled packages only need a
// newer interpreter with prebuilt wheels.
var datascienceSeed = map[string]bool{
	"numpy":                  true,
	"scipy":                  true,
	"pandas":                 true,
	"matplotlib":             true,
	"seaborn":                true,
	"scikit-learn":           true,
	"torch":                  true,
	"tensorflow":             true,
	"opencv-python":          true,
	"opencv-python-headless": true,
}

// Classification summarizes the dependency situation of one workspace.
type Classification struct {
	// PythonVersionHint is the declared interpreter constraint, when one of
	// the manifest formats carries it. Empty when unknown.
	PythonVersionHint string
	// NeedsDatascience is true when a numeric-stack package is requested.
	NeedsDatascience bool
	// Problematic lists the original requirement specs whose package names
	// are in the seed lists, in manifest order.
	Problematic []string
	// Packages lists every requirement spec found, in manifest order.
	Packages []string
	// HasRequirementsTxt is true when the workspace root contains a
	// requirements.txt. Only that format is copied into the image.
	HasRequirementsTxt bool
}

// Analyze reads the first dependency manifest found at the workspace root,
// checking requirements.txt, then pyproject.toml, then Pipfile.lock. A
// workspace without any manifest yields the zero Classification.
func Analyze(dir string) (Classification, error) {
	if b, err := os.ReadFile(filepath.Join(dir, "requirements.txt")); err == nil {
		c := classify(parseRequirements(string(b)))
		c.HasRequirementsTxt = true
		return c, nil
	} else if !os.IsNotExist(err) {
		return Classification{}, errors.Wrap(err, "reading requirements.txt")
	}
	if b, err := os.ReadFile(filepath.Join(dir, "pyproject.toml")); err == nil {
		return analyzePyproject(b)
	} else if !os.IsNotExist(err) {
		return Classification{}, errors.Wrap(err, "reading pyproject.toml")
	}
	if b, err := os.ReadFile(filepath.Join(dir, "Pipfile.lock")); err == nil {
		return analyzePipfileLock(b)
	} else if !os.IsNotExist(err) {
		return Classification{}, errors.Wrap(err, "reading Pipfile.lock")
	}
	return Classification{}, nil
}

// ClassifyRequirements classifies raw requirements.txt content without
// touching the filesystem, for Dockerfile previews.
func ClassifyRequirements(content string) Classification {
	c := classify(parseRequirements(content))
	c.HasRequirementsTxt = strings.TrimSpace(content) != ""
	return c
}

// parseRequirements returns the requirement specs of a requirements.txt,
// dropping comments, blank lines, and pip options.
func parseRequirements(content string) []string {
	var specs []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		specs = append(specs, line)
	}
	return specs
}

func classify(specs []string) Classification {
	c := Classification{Packages: specs}
	for _, spec := range specs {
		name := PackageName(spec)
		if problematicSeed[name] || datascienceSeed[name] {
			c.Problematic = append(c.Problematic, spec)
		}
		if datascienceSeed[name] {
			c.NeedsDatascience = true
		}
	}
	return c
}

// PackageName extracts the normalized distribution name from a requirement
// spec such as "numpy==1.24.3", "Pillow>=9", or "uvicorn[standard]".
func PackageName(spec string) string {
	name := spec
	if i := strings.IndexAny(name, "=<>!~;@ ["); i >= 0 {
		name = name[:i]
	}
	// PEP 503 normalization.
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}

// pyproject covers both PEP 621 metadata and the poetry layout.
type pyproject struct {
	Project struct {
		RequiresPython string   `toml:"requires-python"`
		Dependencies   []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]interface{} `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func analyzePyproject(b []byte) (Classification, error) {
	var p pyproject
	if err := toml.Unmarshal(b, &p); err != nil {
		return Classification{}, errors.Wrap(err, "parsing pyproject.toml")
	}
	specs := append([]string(nil), p.Project.Dependencies...)
	hint := p.Project.RequiresPython
	if len(p.Tool.Poetry.Dependencies) > 0 {
		var names []string
		for name := range p.Tool.Poetry.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if strings.EqualFold(name, "python") {
				if s, ok := p.Tool.Poetry.Dependencies[name].(string); ok && hint == "" {
					hint = s
				}
				continue
			}
			specs = append(specs, name)
		}
	}
	c := classify(specs)
	c.PythonVersionHint = hint
	return c, nil
}

// pipfileLock is the subset of the lockfile the analyzer cares about.
type pipfileLock struct {
	Meta struct {
		Requires struct {
			PythonVersion string `json:"python_version"`
		} `json:"requires"`
	} `json:"_meta"`
	Default map[string]struct {
		Version string `json:"version"`
	} `json:"default"`
}

func analyzePipfileLock(b []byte) (Classification, error) {
	var p pipfileLock
	if err := json.Unmarshal(b, &p); err != nil {
		return Classification{}, errors.Wrap(err, "parsing Pipfile.lock")
	}
	var specs []string
	var names []string
	for name := range p.Default {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		specs = append(specs, name+p.Default[name].Version)
	}
	c := classify(specs)
	c.PythonVersionHint = p.Meta.Requires.PythonVersion
	return c, nil
}
