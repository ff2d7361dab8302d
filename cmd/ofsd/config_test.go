package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/originfs/ofsd/pkg/index"
)

func TestBuildIndexStoreFile(t *testing.T) {
	store, err := buildIndexStore("file", indexOptions{DataFS: memfs.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected file store instance")
	}
}

func TestBuildIndexStoreDefaultsToFile(t *testing.T) {
	store, err := buildIndexStore("", indexOptions{DataFS: memfs.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected file store instance")
	}
}

func TestBuildIndexStoreBoltValidation(t *testing.T) {
	if _, err := buildIndexStore("bolt", indexOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuildIndexStoreBoltSuccess(t *testing.T) {
	store, err := buildIndexStore("bolt", indexOptions{
		Path: filepath.Join(t.TempDir(), "idx", "index.db"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected bolt store instance")
	}
	store.Close()
}

func TestBuildIndexStoreBadKey(t *testing.T) {
	if _, err := buildIndexStore("file", indexOptions{DataFS: memfs.New(), Key: "not-hex"}); err == nil {
		t.Fatalf("expected error for bad index key")
	}
}

func TestBuildIndexStoreEncrypted(t *testing.T) {
	key := strings.Repeat("ab", 32)
	store, err := buildIndexStore("file", indexOptions{DataFS: memfs.New(), Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected encrypted store instance")
	}
}

func TestBuildIndexStoreCached(t *testing.T) {
	store, err := buildIndexStore("file", indexOptions{DataFS: memfs.New(), CacheCap: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*index.CachedStore); !ok {
		t.Fatalf("expected cached store, got %T", store)
	}
}

func TestBuildIndexStoreUnknownBackend(t *testing.T) {
	if _, err := buildIndexStore("etcd", indexOptions{}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
