// Package ofsf reads and writes the legacy whole-blob persistence format:
// one "<user>.ofsf" file holding every record flattened into a single JSON
// array, uuid in the last field of each record. Kept for backward format
// compatibility; new data lives in the adapter layout.
package ofsf

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/originfs/ofsd/pkg/record"
)

const blobSuffix = ".ofsf"

// Entry pairs a uuid with its record, in blob order.
type Entry struct {
	UUID   string
	Record record.Record
}

func blobPath(user string) string { return user + blobSuffix }

// Exists reports whether user has a legacy blob.
func Exists(fs billy.Filesystem, user string) bool {
	_, err := fs.Stat(blobPath(user))
	return err == nil
}

// Create initializes an empty blob for user, failing if one already exists.
func Create(fs billy.Filesystem, user string) error {
	if Exists(fs, user) {
		return os.ErrExist
	}
	return util.WriteFile(fs, blobPath(user), []byte("[]"), 0o644)
}

// Load parses the user's blob into uuid-keyed entries, preserving blob
// order. Malformed 14-field segments and segments with an empty uuid are
// logged and skipped rather than failing the load.
func Load(fs billy.Filesystem, user string, logger *log.Logger) ([]Entry, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	data, err := util.ReadFile(fs, blobPath(user))
	if err != nil {
		return nil, err
	}
	var flat []json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("ofsf: %s: %w", user, err)
	}
	var out []Entry
	for i := 0; i < len(flat); i += record.Size {
		if i+record.Size > len(flat) {
			logger.Printf("warning: skipping malformed ofsf segment at index %d for %s", i, user)
			break
		}
		rec := record.Record(flat[i : i+record.Size]).Clone()
		uuid := rec.StringField(record.Size - 1)
		if uuid == "" {
			logger.Printf("warning: skipping ofsf segment with empty uuid at index %d for %s", i, user)
			continue
		}
		out = append(out, Entry{UUID: uuid, Record: rec})
	}
	return out, nil
}

// Save overwrites the user's blob with the flattened record sequence.
func Save(fs billy.Filesystem, user string, flat []json.RawMessage) error {
	data, err := json.Marshal(flat)
	if err != nil {
		return err
	}
	return util.WriteFile(fs, blobPath(user), data, 0o644)
}

// Retire renames the user's blob aside after a successful import so it is
// no longer picked up, without destroying the original data.
func Retire(fs billy.Filesystem, user string) error {
	return fs.Rename(blobPath(user), blobPath(user)+".bak")
}

// Remove deletes the user's blob. A missing blob counts as success.
func Remove(fs billy.Filesystem, user string) error {
	if !Exists(fs, user) {
		return nil
	}
	return fs.Remove(blobPath(user))
}

// SizeString formats the blob size for display, or "" when no blob exists.
func SizeString(fs billy.Filesystem, user string) string {
	info, err := fs.Stat(blobPath(user))
	if err != nil {
		return ""
	}
	size := info.Size()
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(size)/float64(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(size)/float64(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(size)/float64(1<<10))
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
