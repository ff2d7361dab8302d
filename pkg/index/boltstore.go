package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/originfs/ofsd/pkg/encryption"
)

var bucketIndexes = []byte("indexes")

// BoltConfig configures the BoltDB-backed index store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists every user's index document in one BoltDB file, keyed
// by username. The stored value is the same ordered JSON object the
// FileStore writes, so the two backends are freely interchangeable.
type BoltStore struct {
	db    *bolt.DB
	log   *log.Logger
	crypt encryption.Options
}

// NewBoltStore opens or creates the BoltDB index database.
func NewBoltStore(cfg BoltConfig, logger *log.Logger) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndexes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket: %w", err)
	}
	return &BoltStore{db: db, log: logger}, nil
}

// WithEncryption enables at-rest encryption of stored index documents.
func (s *BoltStore) WithEncryption(opts encryption.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.crypt = opts
	return nil
}

// Load reads the user's index. Missing or corrupt values degrade to an
// empty index, matching FileStore semantics.
func (s *BoltStore) Load(ctx context.Context, user string) (*Index, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketIndexes).Get([]byte(user)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
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

// Save overwrites the user's stored index document.
func (s *BoltStore) Save(ctx context.Context, user string, ix *Index) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return err
	}
	if data, err = encryption.Encrypt(data, s.crypt); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Put([]byte(user), data)
	})
}

// Users lists every username with a stored index.
func (s *BoltStore) Users(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Close releases the underlying BoltDB.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
