package subcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aceeric/ocisync/impl/cmdline"
	"github.com/aceeric/ocisync/impl/config"
	"github.com/aceeric/ocisync/impl/dirstore"
	"github.com/aceeric/ocisync/mock"
	"github.com/google/go-cmp/cmp"
)

// registries starts a populated source and an empty destination and configures
// both for http
func registries(t *testing.T) (srcUrl, dstUrl string, srcReg, dstReg *mock.Registry) {
	srcServer, srcUrl, srcReg := mock.Server(mock.NewMockParams(mock.BEARER, mock.HTTP))
	t.Cleanup(srcServer.Close)
	dstServer, dstUrl, dstReg := mock.Server(mock.NewMockParams(mock.NONE, mock.HTTP))
	t.Cleanup(dstServer.Close)
	for _, tag := range []string{"3.19", "3.20", "latest"} {
		srcReg.AddImage("library/alpine", tag, mock.NewImage("alpine"+tag, []byte("alpine "+tag)))
	}
	srcReg.AddList("library/busybox", "1.36", map[string]mock.Image{
		"linux/amd64": mock.NewImage("amd64", []byte("busybox amd64")),
		"linux/arm64": mock.NewImage("arm64", []byte("busybox arm64")),
	})
	config.Set(config.Configuration{
		Workers: 4,
		Registries: []config.RegistryConfig{
			{Name: srcUrl, Scheme: "http"},
			{Name: dstUrl, Scheme: "http"},
		},
	})
	t.Cleanup(func() { config.Set(config.Configuration{}) })
	return srcUrl, dstUrl, srcReg, dstReg
}

func tagsOf(t *testing.T, location string) []string {
	var buf bytes.Buffer
	if err := Tags(context.Background(), location, &buf); err != nil {
		t.Fatal(err)
	}
	tags := strings.Fields(buf.String())
	sort.Strings(tags)
	return tags
}

func TestCopy(t *testing.T) {
	srcUrl, dstUrl, _, dstReg := registries(t)
	dir := t.TempDir()
	if err := Copy(context.Background(), "docker://"+srcUrl+"/library/busybox:1.36", "dir:"+dir); err != nil {
		t.Fatal(err)
	}
	if err := Copy(context.Background(), "dir:"+dir+"//library/busybox:1.36", "docker://"+dstUrl+"/mirror/busybox"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := dstReg.Manifest("mirror/busybox", "1.36"); !ok {
		t.Errorf("expected mirror/busybox:1.36 in the destination")
	}
	for _, tt := range []struct {
		name string
		src  string
		dst  string
	}{
		{"no reference", "docker://" + srcUrl + "/library/busybox", "dir:" + dir},
		{"different reference", "docker://" + srcUrl + "/library/busybox:1.36", "dir:" + dir + "//x:1.37"},
		{"bad location", "oci:/x", "dir:" + dir},
		{"missing tag", "docker://" + srcUrl + "/library/busybox:9.9", "dir:" + dir},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := Copy(context.Background(), tt.src, tt.dst); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestSyncModes(t *testing.T) {
	srcUrl, dstUrl, _, _ := registries(t)
	src, dst := "docker://"+srcUrl, "docker://"+dstUrl

	// explicit tags
	if err := Sync(context.Background(), cmdline.Args{Src: src + "/library/alpine", Dst: dst, Tags: []string{"3.19"}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"3.19"}, tagsOf(t, dst+"/library/alpine")); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	// one repository, filtered
	cfg := config.Get()
	cfg.TagFilter = `^3\.`
	config.Set(cfg)
	if err := Sync(context.Background(), cmdline.Args{Src: src + "/library/alpine", Dst: dst + "/filtered/alpine"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"3.19", "3.20"}, tagsOf(t, dst+"/filtered/alpine")); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	// the whole registry into a directory, under the source host and port
	cfg.TagFilter = ""
	cfg.PrefixDomain = true
	config.Set(cfg)
	dir := t.TempDir()
	if err := Sync(context.Background(), cmdline.Args{Src: src, Dst: "dir:" + dir}); err != nil {
		t.Fatal(err)
	}
	store, err := dirstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := store.Catalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	prefix := strings.ReplaceAll(srcUrl, ":", "_")
	want := []string{prefix + "/library/alpine", prefix + "/library/busybox"}
	if diff := cmp.Diff(want, cat.Repositories); diff != "" {
		t.Errorf("repositories mismatch (-want +got):\n%s", diff)
	}
	cfg.PrefixDomain = false
	config.Set(cfg)
	// a failed unit fails the sync
	if err := Sync(context.Background(), cmdline.Args{Src: src + "/library/alpine", Dst: dst, Tags: []string{"nope"}}); err == nil {
		t.Errorf("expected the sync to fail")
	}
}

func TestSyncCatalog(t *testing.T) {
	srcUrl, dstUrl, _, dstReg := registries(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	yaml := fmt.Sprintf("%q:\n  images:\n    library/alpine: [\"3.20\"]\n    library/busybox:\n", srcUrl)
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Get()
	cfg.Catalog = path
	config.Set(cfg)
	if err := Sync(context.Background(), cmdline.Args{Dst: "docker://" + dstUrl}); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := dstReg.Manifest("library/alpine", "3.20"); !ok {
		t.Errorf("expected the configured tag to be synced")
	}
	if _, _, ok := dstReg.Manifest("library/alpine", "3.19"); ok {
		t.Errorf("expected only the configured tag to be synced")
	}
	if _, _, ok := dstReg.Manifest("library/busybox", "1.36"); !ok {
		t.Errorf("expected the live tags to be synced")
	}
}

func TestRepeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	changed := make(chan struct{}, 1)
	run := func() error {
		n := runs.Add(1)
		if n == 1 {
			changed <- struct{}{}
		}
		if n >= 3 {
			cancel()
		}
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- repeat(ctx, 10*time.Millisecond, changed, run) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("repeat did not stop")
	}
	if runs.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", runs.Load())
	}
	runs.Store(0)
	if err := repeat(context.Background(), 0, nil, run); err != nil || runs.Load() != 1 {
		t.Errorf("expected one run without an interval, got %d", runs.Load())
	}
}

func TestInspect(t *testing.T) {
	srcUrl, _, srcReg, _ := registries(t)
	var buf bytes.Buffer
	if err := Inspect(context.Background(), "docker://"+srcUrl+"/library/busybox:1.36", &buf); err != nil {
		t.Fatal(err)
	}
	var got inspection
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := srcReg.Manifest("library/busybox", "1.36")
	if got.Repository != "library/busybox" || got.Reference != "1.36" || !bytes.Equal(compact(t, raw), compact(t, got.Manifest)) {
		t.Errorf("unexpected inspection: %+v", got)
	}
	buf.Reset()
	if err := Inspect(context.Background(), "docker://"+srcUrl+"/library/alpine", &buf); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Reference != "latest" || len(got.Tags) != 3 {
		t.Errorf("expected latest with 3 tags, got %+v", got)
	}
	if err := Inspect(context.Background(), "docker://"+srcUrl, &buf); err == nil {
		t.Errorf("expected an error without a repository")
	}
}

func compact(t *testing.T, b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestTags(t *testing.T) {
	srcUrl, _, _, _ := registries(t)
	if diff := cmp.Diff([]string{"3.19", "3.20", "latest"}, tagsOf(t, "docker://"+srcUrl+"/library/alpine")); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if err := Tags(context.Background(), "docker://"+srcUrl, &bytes.Buffer{}); err == nil {
		t.Errorf("expected an error without a repository")
	}
}
