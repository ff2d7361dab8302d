package ofsf

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/originfs/ofsd/pkg/record"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func chunk(name, uuid string) []json.RawMessage {
	r := record.New()
	r.SetString(record.FieldType, ".txt")
	r.SetString(record.FieldName, name)
	r.SetString(record.Size-1, uuid)
	return r
}

func TestCreateAndExists(t *testing.T) {
	fs := memfs.New()
	if Exists(fs, "alice") {
		t.Fatalf("blob should not exist yet")
	}
	if err := Create(fs, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !Exists(fs, "alice") {
		t.Fatalf("blob missing after create")
	}
	if err := Create(fs, "alice"); !errors.Is(err, os.ErrExist) {
		t.Fatalf("second create: got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := memfs.New()
	flat := append(chunk("a", "u1"), chunk("b", "u2")...)
	if err := Save(fs, "alice", flat); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := Load(fs, "alice", quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].UUID != "u1" || entries[0].Record.Name() != "a" {
		t.Fatalf("first entry = %q, %q", entries[0].UUID, entries[0].Record.Name())
	}
	if entries[1].UUID != "u2" || entries[1].Record.Name() != "b" {
		t.Fatalf("second entry = %q, %q", entries[1].UUID, entries[1].Record.Name())
	}
}

func TestLoadSkipsBadSegments(t *testing.T) {
	fs := memfs.New()
	noUUID := record.New()
	noUUID.SetString(record.FieldName, "orphan")
	flat := append(chunk("good", "u1"), noUUID...)
	// Trailing partial segment.
	flat = append(flat, json.RawMessage(`"dangling"`))
	if err := Save(fs, "alice", flat); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := Load(fs, "alice", quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 || entries[0].UUID != "u1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestLoadRejectsNonArray(t *testing.T) {
	fs := memfs.New()
	f, err := fs.Create("alice.ofsf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte(`{"not":"an array"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if _, err := Load(fs, "alice", quietLogger()); err == nil {
		t.Fatalf("expected error for non-array blob")
	}
}

func TestRetire(t *testing.T) {
	fs := memfs.New()
	if err := Create(fs, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Retire(fs, "alice"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if Exists(fs, "alice") {
		t.Fatalf("blob still active after retire")
	}
	if _, err := fs.Stat("alice.ofsf.bak"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
}

func TestRemoveMissingIsSuccess(t *testing.T) {
	fs := memfs.New()
	if err := Remove(fs, "alice"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if err := Create(fs, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Remove(fs, "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if Exists(fs, "alice") {
		t.Fatalf("blob survived remove")
	}
}

func TestSizeString(t *testing.T) {
	fs := memfs.New()
	if got := SizeString(fs, "alice"); got != "" {
		t.Fatalf("missing blob size = %q", got)
	}
	if err := Create(fs, "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := SizeString(fs, "alice"); got != "2 bytes" {
		t.Fatalf("size = %q", got)
	}
}
