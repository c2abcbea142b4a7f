// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sungreong/openstream-gallery/internal/model"
)

// fakeEngine is an in-memory Engine for orphan cleanup tests.
type fakeEngine struct {
	Engine
	containers []Summary
	removed    []string
}

func (f *fakeEngine) ListAppContainers(ctx context.Context) ([]Summary, error) {
	return f.containers, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestAppLabels(t *testing.T) {
	app := &model.App{ID: 7, Name: "Zone Cleaner", Subdomain: "zone-cleaner-7"}
	got := AppLabels(app, "app-zone-cleaner-7:deadbeefcafe")
	want := map[string]string{
		"platform.owned":     "true",
		"platform.app_id":    "7",
		"platform.app_name":  "Zone Cleaner",
		"platform.subdomain": "zone-cleaner-7",
		"platform.image":     "app-zone-cleaner-7:deadbeefcafe",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AppLabels diff (-want +got):\n%s", diff)
	}
}

func TestCleanupOrphans(t *testing.T) {
	fake := &fakeEngine{containers: []Summary{
		{ID: "aaa", Name: "app-zone-cleaner-7", Labels: map[string]string{LabelOwned: "true", LabelAppID: "7", LabelSubdomain: "zone-cleaner-7"}},
		{ID: "bbb", Name: "app-old-999", Labels: map[string]string{LabelOwned: "true", LabelAppID: "999", LabelSubdomain: "old-999"}},
	}}
	removed, err := CleanupOrphans(context.Background(), fake, []int64{7})
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "bbb" {
		t.Errorf("removed = %+v, want only bbb", removed)
	}
	if len(fake.removed) != 1 || fake.removed[0] != "bbb" {
		t.Errorf("engine removals = %v", fake.removed)
	}
}

func TestCleanupOrphansKeepsAllActive(t *testing.T) {
	fake := &fakeEngine{containers: []Summary{
		{ID: "aaa", Labels: map[string]string{LabelOwned: "true", LabelAppID: "7"}},
	}}
	removed, err := CleanupOrphans(context.Background(), fake, []int64{7})
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if len(removed) != 0 || len(fake.removed) != 0 {
		t.Errorf("active container removed: %+v", fake.removed)
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	lw := newLineWriter(func(s string) { got = append(got, s) })
	lw.Write([]byte("first li"))
	lw.Write([]byte("ne\nsecond line\npart"))
	lw.Write([]byte("ial"))
	lw.Close()
	want := []string{"first line", "second line", "partial"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lineWriter diff (-want +got):\n%s", diff)
	}
}
