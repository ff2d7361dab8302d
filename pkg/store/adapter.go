// Package store implements the adapter turning uuid-keyed, chunk-encoded
// operations into collision-free filesystem mutations plus a consistent
// per-user index.
package store

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/originfs/ofsd/pkg/index"
	"github.com/originfs/ofsd/pkg/record"
	"github.com/originfs/ofsd/pkg/safepath"
	"github.com/originfs/ofsd/pkg/xerrors"
)

// folderMetaName is the hidden sidecar holding a folder's authoritative
// record.
const folderMetaName = ".folder.json"

// defaultName is used when an added record carries no display name.
const defaultName = "untitled"

// AddResult reports the resolved name and path of a newly created item.
// ActualName carries the on-disk name after collision resolution (with
// extension for files); ActualPath is the item's folder path for folders
// and the parent path for files, relative to the user root.
type AddResult struct {
	ActualName string `json:"actual_name"`
	ActualPath string `json:"actual_path"`
}

// Adapter executes store operations scoped to one user's root directory.
// It owns read-modify-write access to that user's index for the duration
// of each operation; the Manager serializes concurrent callers.
type Adapter struct {
	fs   billy.Filesystem
	idx  index.Store
	user string
	log  *log.Logger
}

// NormalizeUser lowercases and trims a username, rejecting empty names and
// names that could address anything but a single directory under the data
// root.
func NormalizeUser(user string) (string, error) {
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		return "", xerrors.E(xerrors.KindInvalid, "user", "")
	}
	if user == "." || user == ".." || strings.ContainsAny(user, `/\`) {
		return "", xerrors.E(xerrors.KindInvalid, "user", user)
	}
	return user, nil
}

// NewAdapter binds an adapter to user over the data filesystem, creating
// the user's root directory if absent. A nil logger falls back to stderr.
func NewAdapter(dataFS billy.Filesystem, idx index.Store, user string, logger *log.Logger) (*Adapter, error) {
	normalized, err := NormalizeUser(user)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if err := dataFS.MkdirAll(normalized, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "init", normalized, err)
	}
	return &Adapter{fs: dataFS, idx: idx, user: normalized, log: logger}, nil
}

// User returns the normalized username the adapter is bound to.
func (a *Adapter) User() string { return a.user }

// resolveDir sanitizes raw and resolves it under the user root, returning
// the directory path inside the data filesystem plus the sanitized
// relative path. With mkdir set, the directory is created so callers can
// place items in it. The containment check after joining is a second wall
// behind sanitization.
func (a *Adapter) resolveDir(raw string, mkdir bool) (string, string, error) {
	rel, err := safepath.Clean(raw)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.KindTraversal, "resolve", raw, err)
	}
	dir := safepath.Join(a.user, rel)
	if !safepath.Within(a.user, dir) {
		return "", "", xerrors.E(xerrors.KindTraversal, "resolve", raw)
	}
	if mkdir {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return "", "", xerrors.Wrap(xerrors.KindInternal, "resolve", dir, err)
		}
	}
	return dir, rel, nil
}

// validName reports whether a display name is usable as a single path
// component. Separators and dot components could address paths outside
// the resolved parent directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Add creates a file or folder for uuid from a 14-field record. The
// record's name and parent fields are rewritten to the resolved values
// before the record is persisted; the name and type fields must stay
// within the resolved parent directory. Partial on-disk artifacts from a
// failed add are not rolled back.
func (a *Adapter) Add(ctx context.Context, uuid string, rec record.Record) (AddResult, error) {
	if uuid == "" {
		return AddResult{}, xerrors.E(xerrors.KindInvalid, "add", "")
	}
	if err := rec.Validate(); err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInvalid, "add", uuid, err)
	}
	ix, err := a.idx.Load(ctx, a.user)
	if err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInternal, "add", uuid, err)
	}
	if ix.Has(uuid) {
		return AddResult{}, xerrors.Wrap(xerrors.KindAlreadyExists, "add", uuid, index.ErrExists)
	}

	fileType := rec.Type()
	name := rec.Name()
	if name == "" {
		name = defaultName
	}
	if !validName(name) || strings.ContainsAny(fileType, `/\`) {
		return AddResult{}, xerrors.E(xerrors.KindTraversal, "add", name)
	}
	targetDir, parentRel, err := a.resolveDir(rec.Parent(), true)
	if err != nil {
		return AddResult{}, err
	}

	if fileType == record.FolderType {
		return a.createFolder(ctx, ix, uuid, name, targetDir, parentRel, rec)
	}
	return a.createFile(ctx, ix, uuid, name, fileType, targetDir, parentRel, rec)
}

func (a *Adapter) createFolder(ctx context.Context, ix *index.Index, uuid, name, targetDir, parentRel string, rec record.Record) (AddResult, error) {
	uniqueName := uniqueFolderName(a.fs, targetDir, name)
	folderPath := a.fs.Join(targetDir, uniqueName)
	if !safepath.Within(a.user, folderPath) {
		return AddResult{}, xerrors.E(xerrors.KindTraversal, "add", folderPath)
	}
	if err := a.fs.MkdirAll(folderPath, 0o755); err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInternal, "add", folderPath, err)
	}

	updated := rec.Clone()
	updated.SetString(record.FieldName, uniqueName)
	updated.SetString(record.FieldParent, parentRel)
	metaPath := a.fs.Join(folderPath, folderMetaName)
	if err := a.writeRecord(metaPath, updated); err != nil {
		return AddResult{}, err
	}

	ix.Put(uuid, index.Entry{
		Type:       index.TypeFolder,
		Path:       metaPath,
		DirPath:    folderPath,
		Name:       uniqueName,
		ParentPath: parentRel,
	})
	if err := a.idx.Save(ctx, a.user, ix); err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInternal, "add", uuid, err)
	}
	return AddResult{
		ActualName: uniqueName,
		ActualPath: safepath.Join(parentRel, uniqueName),
	}, nil
}

func (a *Adapter) createFile(ctx context.Context, ix *index.Index, uuid, name, fileType, targetDir, parentRel string, rec record.Record) (AddResult, error) {
	filename := name
	if fileType != "" {
		filename = name + fileType
	}
	uniqueFilename, err := uniqueFileName(a.fs, targetDir, filename)
	if err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInternal, "add", targetDir, err)
	}
	uniqueName := stem(uniqueFilename)
	if fileType != "" {
		uniqueName = strings.TrimSuffix(uniqueFilename, fileType)
	}

	updated := rec.Clone()
	updated.SetString(record.FieldName, uniqueName)
	updated.SetString(record.FieldParent, parentRel)
	filePath := a.fs.Join(targetDir, uniqueFilename)
	if !safepath.Within(a.user, filePath) {
		return AddResult{}, xerrors.E(xerrors.KindTraversal, "add", filePath)
	}
	if err := a.writeRecord(filePath, updated); err != nil {
		return AddResult{}, err
	}

	ix.Put(uuid, index.Entry{
		Type:       index.TypeFile,
		Path:       filePath,
		Name:       uniqueFilename,
		ParentPath: parentRel,
	})
	if err := a.idx.Save(ctx, a.user, ix); err != nil {
		return AddResult{}, xerrors.Wrap(xerrors.KindInternal, "add", uuid, err)
	}
	return AddResult{ActualName: uniqueFilename, ActualPath: parentRel}, nil
}

// Patch replaces one field of uuid's authoritative record. The field index
// is 1-based as supplied on the wire; 0 is treated as already zero-based
// for compatibility with existing clients. A patch landing on the parent
// path field is sanitized first and fails whole on an unsafe value. The
// index document is not touched: it tracks the physical layout, which a
// patch never moves.
func (a *Adapter) Patch(ctx context.Context, uuid string, fieldIdx int, value json.RawMessage) error {
	if uuid == "" || fieldIdx < 0 {
		return xerrors.E(xerrors.KindInvalid, "patch", uuid)
	}
	if !json.Valid(value) {
		return xerrors.E(xerrors.KindInvalid, "patch", uuid)
	}
	ix, err := a.idx.Load(ctx, a.user)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "patch", uuid, err)
	}
	entry, ok := ix.Get(uuid)
	if !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "patch", uuid, index.ErrNotFound)
	}
	if entry.Type != index.TypeFile && entry.Type != index.TypeFolder {
		return xerrors.E(xerrors.KindInvalid, "patch", uuid)
	}
	rec, err := a.readRecord(entry.Path)
	if err != nil {
		return err
	}

	offset := fieldIdx
	if fieldIdx > 0 {
		offset = fieldIdx - 1
	}
	if offset >= record.Size {
		return xerrors.E(xerrors.KindInvalid, "patch", uuid)
	}
	if offset == record.FieldParent {
		cleaned, err := safepath.Clean(pathText(value))
		if err != nil {
			return xerrors.Wrap(xerrors.KindTraversal, "patch", uuid, err)
		}
		rec.SetString(record.FieldParent, cleaned)
	} else {
		rec[offset] = value
	}
	return a.writeRecord(entry.Path, rec)
}

// pathText extracts the path string a patch value carries: a JSON string
// decodes to its contents, anything else sanitizes as its raw text.
func pathText(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}

// Delete removes uuid's item from disk and then from the index. A folder
// whose directory is already gone still has its index entry removed, which
// lets a retried delete clean up after an earlier crash.
func (a *Adapter) Delete(ctx context.Context, uuid string) error {
	if uuid == "" {
		return xerrors.E(xerrors.KindInvalid, "delete", "")
	}
	ix, err := a.idx.Load(ctx, a.user)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "delete", uuid, err)
	}
	entry, ok := ix.Get(uuid)
	if !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "delete", uuid, index.ErrNotFound)
	}

	switch entry.Type {
	case index.TypeFolder:
		switch {
		case entry.DirPath != "" && a.exists(entry.DirPath):
			if err := util.RemoveAll(a.fs, entry.DirPath); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "delete", entry.DirPath, err)
			}
		case entry.Path != "" && a.exists(entry.Path):
			if err := a.fs.Remove(entry.Path); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "delete", entry.Path, err)
			}
		}
	case index.TypeFile:
		if entry.Path != "" && a.exists(entry.Path) {
			if err := a.fs.Remove(entry.Path); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "delete", entry.Path, err)
			}
		}
	}

	ix.Delete(uuid)
	if err := a.idx.Save(ctx, a.user, ix); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "delete", uuid, err)
	}
	return nil
}

// Flatten re-reads every indexed item's authoritative record and
// concatenates all fields into one flat sequence, the OFSF wire form. The
// parent path field is re-sanitized on read. A folder whose record file is
// gone is reconstructed from index metadata with its uuid in the final
// payload slot, keeping the fixed 14-field shape; unreadable entries are
// logged and skipped, never failing the listing as a whole.
func (a *Adapter) Flatten(ctx context.Context) ([]json.RawMessage, error) {
	ix, err := a.idx.Load(ctx, a.user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "flatten", a.user, err)
	}
	out := make([]json.RawMessage, 0, ix.Len()*record.Size)
	for _, uuid := range ix.UUIDs() {
		entry, _ := ix.Get(uuid)
		rec := a.loadEntryRecord(uuid, entry)
		if rec == nil && entry.Type == index.TypeFolder {
			rec = a.fallbackFolderRecord(uuid, entry)
		}
		if rec == nil {
			continue
		}
		cleaned, err := safepath.Clean(rec.Parent())
		if err != nil {
			a.log.Printf("warning: skipping %s: unsafe parent path in record", uuid)
			continue
		}
		rec.SetString(record.FieldParent, cleaned)
		out = append(out, rec...)
	}
	return out, nil
}

func (a *Adapter) loadEntryRecord(uuid string, entry index.Entry) record.Record {
	if entry.Path == "" || !a.exists(entry.Path) {
		if entry.Type == index.TypeFile {
			a.log.Printf("warning: skipping %s: record file missing", uuid)
		}
		return nil
	}
	rec, err := a.readRecord(entry.Path)
	if err != nil {
		a.log.Printf("warning: skipping record for %s: %v", uuid, err)
		return nil
	}
	return rec
}

// fallbackFolderRecord reconstructs a minimal record for a folder whose
// sidecar is gone: name and parent from the index, payload fields blank,
// and the uuid in the last slot so clients keep the association.
func (a *Adapter) fallbackFolderRecord(uuid string, entry index.Entry) record.Record {
	name := entry.Name
	if name == "" && entry.DirPath != "" {
		name = path.Base(entry.DirPath)
	}
	parent, err := safepath.Clean(entry.ParentPath)
	if err != nil {
		parent = ""
	}
	rec := record.New()
	rec.SetString(record.FieldType, record.FolderType)
	rec.SetString(record.FieldName, name)
	rec.SetString(record.FieldParent, parent)
	rec.SetString(record.Size-1, uuid)
	return rec
}

func (a *Adapter) exists(p string) bool {
	_, err := a.fs.Stat(p)
	return err == nil
}

func (a *Adapter) readRecord(p string) (record.Record, error) {
	data, err := util.ReadFile(a.fs, p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNotFound, "read", p, err)
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindMalformed, "read", p, err)
	}
	return rec, nil
}

func (a *Adapter) writeRecord(p string, rec record.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "write", p, err)
	}
	if err := util.WriteFile(a.fs, p, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "write", p, err)
	}
	return nil
}
