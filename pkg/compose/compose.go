// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package compose renders the final Dockerfile for an app as a pure function
// over a bundled base variant, an optional user overlay, and the dependency
// classification of the workspace.
package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/pkg/pyreq"
)

// composerVersion is recorded in the rendered labels block so images built by
// older renderings can be told apart.
const composerVersion = "1"

// Variant names a bundled base Dockerfile.
type Variant string

const (
	VariantMinimal     Variant = "minimal"
	VariantPy39        Variant = "py39"
	VariantPy310       Variant = "py310"
	VariantPy311       Variant = "py311"
	VariantDatascience Variant = "py310-datascience"
)

// variants is the full bundled set in presentation order.
var variants = []struct {
	Name        Variant
	Description string
}{
	{VariantMinimal, "python:3.11-slim with Streamlit only, for pure-Python apps"},
	{VariantPy39, "python:3.9-slim with build tooling"},
	{VariantPy310, "python:3.10-slim with build tooling"},
	{VariantPy311, "python:3.11 with full compiler toolchain"},
	{VariantDatascience, "python:3.10 with numpy, pandas, and scipy preinstalled"},
}

// VariantInfo describes one bundled base for listing.
type VariantInfo struct {
	Type        Variant
	Name        string
	Description string
}

// Catalog holds the bundled base Dockerfile contents, loaded once at startup
// from a read-only directory.
type Catalog struct {
	bases map[Variant]string
}

// LoadCatalog reads Dockerfile.<variant> for every bundled variant from dir.
// A missing or unreadable variant is an error; the set is fixed.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{bases: make(map[Variant]string)}
	for _, v := range variants {
		path := filepath.Join(dir, "Dockerfile."+string(v.Name))
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "loading base dockerfile %q", v.Name)
		}
		c.bases[v.Name] = strings.TrimRight(string(b), "\n")
	}
	return c, nil
}

// Variants lists the bundled bases.
func (c *Catalog) Variants() []VariantInfo {
	out := make([]VariantInfo, 0, len(variants))
	for _, v := range variants {
		out = append(out, VariantInfo{Type: v.Name, Name: "Dockerfile." + string(v.Name), Description: v.Description})
	}
	return out
}

// Base returns the raw content of one bundled base.
func (c *Catalog) Base(v Variant) (string, bool) {
	s, ok := c.bases[v]
	return s, ok
}

// Input is the complete composer input. Identical inputs always render
// byte-identical output.
type Input struct {
	AppID           int64
	EntryFile       string
	BaseChoice      model.BaseImageChoice
	CustomBaseImage string
	CustomOverlay   string
	Classification  pyreq.Classification
}

// Result carries the rendered Dockerfile, the variant it was built from
// ("custom" when a custom base image is used), and the sha256 of the text.
type Result struct {
	Dockerfile string
	Variant    Variant
	Hash       string
}

// SelectVariant applies the automatic base selection rule. Explicit choices
// map through unchanged.
func SelectVariant(choice model.BaseImageChoice, class pyreq.Classification) Variant {
	switch choice {
	case model.BaseMinimal:
		return VariantMinimal
	case model.BasePy39:
		return VariantPy39
	case model.BasePy310:
		return VariantPy310
	case model.BasePy311:
		return VariantPy311
	}
	// auto
	switch {
	case class.NeedsDatascience:
		return VariantDatascience
	case len(class.Problematic) > 0:
		return VariantPy311
	default:
		return VariantMinimal
	}
}

// Compose renders the Dockerfile for in. When in.CustomBaseImage is set it
// takes precedence over any base choice and a hardcoded safety block
// replaces the bundled base.
func (c *Catalog) Compose(in Input) (Result, error) {
	var b strings.Builder
	variant := Variant("custom")
	if img := strings.TrimSpace(in.CustomBaseImage); img != "" {
		writeCustomBase(&b, img)
	} else {
		variant = SelectVariant(in.BaseChoice, in.Classification)
		base, ok := c.bases[variant]
		if !ok {
			return Result{}, errors.Wrapf(model.ErrInvalidInput, "unknown base variant %q", variant)
		}
		b.WriteString(base)
		b.WriteString("\n")
	}

	if overlay := strings.TrimSpace(in.CustomOverlay); overlay != "" {
		if err := ValidateOverlay(overlay); err != nil {
			return Result{}, err
		}
		b.WriteString("\n# --- custom overlay ---\n")
		b.WriteString(overlay)
		b.WriteString("\n")
	}

	writeLabels(&b, in)
	writeTail(&b, in)

	rendered := b.String()
	sum := sha256.Sum256([]byte(rendered))
	return Result{
		Dockerfile: rendered,
		Variant:    variant,
		Hash:       hex.EncodeToString(sum[:]),
	}, nil
}

// ValidateOverlay rejects overlays that try to introduce another build
// stage. Every other Dockerfile instruction is allowed.
func ValidateOverlay(overlay string) error {
	for _, line := range strings.Split(overlay, "\n") {
		word := strings.Fields(strings.TrimSpace(line))
		if len(word) > 0 && strings.EqualFold(word[0], "FROM") {
			return errors.Wrap(model.ErrInvalidInput, "custom overlay must not contain FROM")
		}
	}
	return nil
}

// writeCustomBase emits the safety block wrapped around a user-supplied base
// image: workdir, exposed port, healthcheck, and a non-root user.
func writeCustomBase(b *strings.Builder, image string) {
	fmt.Fprintf(b, "FROM %s\n", image)
	b.WriteString(`
WORKDIR /app

EXPOSE 8501

HEALTHCHECK --interval=30s --timeout=10s --start-period=30s --retries=3 \
    CMD curl --fail http://localhost:8501/_stcore/health || exit 1

RUN useradd -m -u 1000 streamlit 2>/dev/null || true
RUN chown -R streamlit:streamlit /app
`)
}

func writeLabels(b *strings.Builder, in Input) {
	fmt.Fprintf(b, "\nLABEL platform.app_id=%q\n", fmt.Sprint(in.AppID))
	fmt.Fprintf(b, "LABEL platform.entry_file=%q\n", in.EntryFile)
	fmt.Fprintf(b, "LABEL platform.composer_version=%q\n", composerVersion)
}

// writeTail emits the fixed application section: requirements install with a
// per-line fallback, source copy, bytecode purge, user switch, entrypoint.
func writeTail(b *strings.Builder, in Input) {
	if in.Classification.HasRequirementsTxt {
		b.WriteString("\nCOPY requirements.txt .\n")
		for _, spec := range in.Classification.Problematic {
			fmt.Fprintf(b, "RUN pip install --no-cache-dir %q\n", spec)
		}
		b.WriteString(`RUN pip install --no-cache-dir -r requirements.txt || \
    while IFS= read -r req; do \
        case "$req" in ''|\#*) continue ;; esac; \
        pip install --no-cache-dir "$req" || echo "skipped: $req"; \
    done < requirements.txt
`)
	}
	b.WriteString(`
COPY . .

RUN find . -name "*.pyc" -delete && \
    find . -name "__pycache__" -type d -exec rm -rf {} + || true

USER streamlit

`)
	fmt.Fprintf(b, `ENTRYPOINT ["streamlit", "run", %q, \
    "--server.port=8501", \
    "--server.address=0.0.0.0", \
    "--server.headless=true", \
    "--server.enableCORS=false", \
    "--server.enableXsrfProtection=false"]
`, in.EntryFile)
}
