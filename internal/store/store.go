// Package store persists sync pairings and scheduler concurrency limits
// in a bbolt database. Records round-trip losslessly: a stored pairing,
// when reloaded, reproduces an identical SyncPairing.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/skysync/internal/skyerr"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory
	// (~/.skysync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second
)

// Default concurrency limits applied when no value has been persisted.
// The source UI never pinned a canonical default, so these are the
// documented first-run values.
const (
	DefaultMaxTasks      = 5
	DefaultMaxAccounts   = 3
	DefaultMaxPerAccount = 2
)

var (
	pairingsBucket = []byte("pairings")
	limitsBucket   = []byte("limits")

	maxTasksKey      = []byte("max_tasks")
	maxAccountsKey   = []byte("max_accounts")
	maxPerAccountKey = []byte("max_per_account")
)

// SyncPairing links one local directory to one remote folder on one
// account. User-created, durably persisted, mutated by edit, deleted by
// user action. Drives one reconciliation run at a time.
type SyncPairing struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	LocalRoot          string    `json:"local_root"`
	RemoteAccountID    string    `json:"remote_account_id"`
	RemoteAccountEmail string    `json:"remote_account_email"`
	RemoteProvider     string    `json:"remote_provider"`
	RemoteFolderID     string    `json:"remote_folder_id"`
	RemoteFolderPath   string    `json:"remote_folder_path"`
	CreatedAt          time.Time `json:"created_at"`
}

// Limits are the scheduler's admission caps. All three values must be at
// least 1: a zero cap would starve the scheduler forever.
type Limits struct {
	// MaxTasks is the global cap on simultaneously running tasks.
	MaxTasks int `json:"max_tasks"`

	// MaxAccounts caps the number of distinct accounts with an active
	// transfer simultaneously.
	MaxAccounts int `json:"max_accounts"`

	// MaxPerAccount caps simultaneously active transfers sharing one
	// account id.
	MaxPerAccount int `json:"max_per_account"`
}

// Validate reports whether all three limits are at least 1.
func (l Limits) Validate() error {
	if l.MaxTasks < 1 || l.MaxAccounts < 1 || l.MaxPerAccount < 1 {
		return fmt.Errorf("%w: got %d/%d/%d", skyerr.ErrInvalidLimits,
			l.MaxTasks, l.MaxAccounts, l.MaxPerAccount)
	}

	return nil
}

// DefaultLimits returns the documented first-run limits.
func DefaultLimits() Limits {
	return Limits{
		MaxTasks:      DefaultMaxTasks,
		MaxAccounts:   DefaultMaxAccounts,
		MaxPerAccount: DefaultMaxPerAccount,
	}
}

// Store wraps a bbolt database for all persistent configuration.
type Store struct {
	db *bolt.DB
}

// Open opens the store at ~/.skysync/skysync.db, creating it if it does
// not exist.
func Open() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return OpenAt(filepath.Join(home, ".skysync", "skysync.db"))
}

// OpenAt opens a store database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pairingsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(limitsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePairing creates or replaces a pairing record.
func (s *Store) SavePairing(p SyncPairing) error {
	if p.ID == "" {
		return fmt.Errorf("pairing id must not be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshalling pairing %s: %w", p.ID, err)
		}

		return tx.Bucket(pairingsBucket).Put([]byte(p.ID), data)
	})
}

// GetPairing returns a pairing by id, or skyerr.ErrPairingNotFound.
func (s *Store) GetPairing(id string) (SyncPairing, error) {
	var p SyncPairing

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pairingsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", skyerr.ErrPairingNotFound, id)
		}

		return json.Unmarshal(v, &p)
	})

	return p, err
}

// DeletePairing removes a pairing. Deleting an absent pairing is not an
// error.
func (s *Store) DeletePairing(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pairingsBucket).Delete([]byte(id))
	})
}

// ListPairings returns all pairings keyed by id.
func (s *Store) ListPairings() (map[string]SyncPairing, error) {
	result := make(map[string]SyncPairing)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pairingsBucket).ForEach(func(k, v []byte) error {
			var p SyncPairing
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshalling pairing %s: %w", k, err)
			}

			result[string(k)] = p

			return nil
		})
	})

	return result, err
}

// Limits returns the persisted concurrency limits. Each of the three
// values is stored and loaded independently; absent values fall back to
// the documented defaults.
func (s *Store) Limits() (Limits, error) {
	l := DefaultLimits()

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(limitsBucket)

		if v := b.Get(maxTasksKey); v != nil {
			l.MaxTasks = decodeInt(v)
		}

		if v := b.Get(maxAccountsKey); v != nil {
			l.MaxAccounts = decodeInt(v)
		}

		if v := b.Get(maxPerAccountKey); v != nil {
			l.MaxPerAccount = decodeInt(v)
		}

		return nil
	})

	return l, err
}

// SetLimits validates and persists all three limits. Limits below 1 are
// rejected at this boundary: a zero cap could never admit a task.
func (s *Store) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(limitsBucket)

		if err := b.Put(maxTasksKey, encodeInt(l.MaxTasks)); err != nil {
			return err
		}

		if err := b.Put(maxAccountsKey, encodeInt(l.MaxAccounts)); err != nil {
			return err
		}

		return b.Put(maxPerAccountKey, encodeInt(l.MaxPerAccount))
	})
}

func encodeInt(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))

	return buf
}

func decodeInt(v []byte) int {
	if len(v) != 8 {
		return 0
	}

	return int(binary.BigEndian.Uint64(v))
}
