package index

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/originfs/ofsd/pkg/encryption"
)

const (
	docSuffix  = ".json"
	legacyName = "index.json"
)

// FileStore keeps one JSON index document per user at "<user>.json" inside
// the data filesystem, as a sibling of the user's root directory so it can
// never be swept up by a recursive folder deletion.
type FileStore struct {
	fs    billy.Filesystem
	log   *log.Logger
	crypt encryption.Options
}

// NewFileStore returns a FileStore over the given data filesystem. A nil
// logger falls back to stderr.
func NewFileStore(fs billy.Filesystem, logger *log.Logger) *FileStore {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &FileStore{fs: fs, log: logger}
}

// WithEncryption enables at-rest encryption of index documents. Legacy
// per-root index files predate encryption and are always read plaintext.
func (s *FileStore) WithEncryption(opts encryption.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.crypt = opts
	return nil
}

func docPath(user string) string    { return user + docSuffix }
func legacyPath(user string) string { return user + "/" + legacyName }

// Load reads the user's index document. A missing document is initialized
// empty (migrating a legacy per-root index.json first, when one exists); a
// corrupt document degrades to an empty index with a warning rather than
// failing the caller.
func (s *FileStore) Load(ctx context.Context, user string) (*Index, error) {
	doc := docPath(user)
	if _, err := s.fs.Stat(doc); err != nil {
		return s.initialize(ctx, user)
	}
	data, err := util.ReadFile(s.fs, doc)
	if err != nil {
		s.log.Printf("warning: could not load index for %s, starting empty: %v", user, err)
		return NewIndex(), nil
	}
	if data, err = encryption.Decrypt(data, s.crypt); err != nil {
		s.log.Printf("warning: could not decrypt index for %s, starting empty: %v", user, err)
		return NewIndex(), nil
	}
	ix := NewIndex()
	if err := json.Unmarshal(data, ix); err != nil {
		s.log.Printf("warning: corrupt index for %s, starting empty: %v", user, err)
		return NewIndex(), nil
	}
	return ix, nil
}

// initialize creates the user's index document, migrating the legacy
// per-root index file when present. Migration failure falls back to an
// empty index instead of aborting.
func (s *FileStore) initialize(ctx context.Context, user string) (*Index, error) {
	legacy := legacyPath(user)
	if _, err := s.fs.Stat(legacy); err == nil {
		if ix, err := s.migrateLegacy(ctx, user, legacy); err == nil {
			return ix, nil
		} else {
			s.log.Printf("warning: failed to migrate legacy index for %s: %v", user, err)
		}
	}
	ix := NewIndex()
	if err := s.Save(ctx, user, ix); err != nil {
		return nil, err
	}
	return ix, nil
}

func (s *FileStore) migrateLegacy(ctx context.Context, user, legacy string) (*Index, error) {
	data, err := util.ReadFile(s.fs, legacy)
	if err != nil {
		return nil, err
	}
	ix := NewIndex()
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, user, ix); err != nil {
		return nil, err
	}
	// Legacy file removal is best-effort; the new document is already the
	// one consulted from here on.
	_ = s.fs.Remove(legacy)
	return ix, nil
}

// Save atomically overwrites the user's index document via a temp file and
// rename. There is no merge; the caller owns load-mutate-save.
func (s *FileStore) Save(ctx context.Context, user string, ix *Index) error {
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return err
	}
	if data, err = encryption.Encrypt(data, s.crypt); err != nil {
		return err
	}
	tmp, err := s.fs.TempFile("", "index-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return err
	}
	if err := s.fs.Rename(tmp.Name(), docPath(user)); err != nil {
		s.fs.Remove(tmp.Name())
		return err
	}
	return nil
}

// Users lists every user with an index document.
func (s *FileStore) Users(ctx context.Context) ([]string, error) {
	infos, err := s.fs.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), docSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(info.Name(), docSuffix))
	}
	return out, nil
}

// Close implements Store; a FileStore holds no resources.
func (s *FileStore) Close() error { return nil }
