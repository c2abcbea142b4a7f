// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package slug derives the URL-safe subdomain used as path prefix,
// container name suffix, and proxy fragment filename.
package slug

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is the shape every subdomain must satisfy.
var Pattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxNamePart = 50

// Make normalizes name, truncates it to 50 characters, and suffixes the app
// id. The result is stable for a given (name, id) pair and never mutated
// after creation.
func Make(name string, id int64) string {
	s := strings.ToLower(name)
	s = nonSlug.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxNamePart {
		s = s[:maxNamePart]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "app"
	}
	return fmt.Sprintf("%s-%d", s, id)
}

// Valid reports whether s satisfies Pattern.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}
