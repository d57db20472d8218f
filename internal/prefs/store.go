// Package prefs persists operator preferences that outlive a restart: the
// failover configuration set at runtime and the preferred path.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"gopkg.in/yaml.v3"

	"relay-netctl/internal/core"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("prefs: key not found")

const (
	keyFailover      = "failover/config"
	keyPreferredPath = "failover/preferred_path"
)

// Store is a small key-value store backed by badger.
type Store struct {
	db *badger.DB
}

// badgerLogger routes badger's own logging into core.Log.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...interface{}) {
	core.Log.Errorf("Prefs", strings.TrimSpace(f), args...)
}
func (badgerLogger) Warningf(f string, args ...interface{}) {
	core.Log.Warnf("Prefs", strings.TrimSpace(f), args...)
}
func (badgerLogger) Infof(f string, args ...interface{}) {
	core.Log.Debugf("Prefs", strings.TrimSpace(f), args...)
}
func (badgerLogger) Debugf(f string, args ...interface{}) {}

func options(opts badger.Options) badger.Options {
	opts.Logger = badgerLogger{}
	opts.SyncWrites = true
	opts.NumMemtables = 1
	opts.MemTableSize = 4 << 20
	opts.BlockCacheSize = 1 << 20
	opts.IndexCacheSize = 1 << 20
	opts.ValueLogFileSize = 16 << 20
	opts.NumCompactors = 2
	return opts
}

// Open opens (creating if needed) the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("[Prefs] create %s: %w", dir, err)
	}
	db, err := badger.Open(options(badger.DefaultOptions(dir)))
	if err != nil {
		return nil, fmt.Errorf("[Prefs] open %s: %w", dir, err)
	}
	core.Log.Infof("Prefs", "Preferences store opened at %s", dir)
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(options(badger.DefaultOptions("").WithInMemory(true)))
	if err != nil {
		return nil, fmt.Errorf("[Prefs] open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[Prefs] get %s: %w", key, err)
	}
	return out, nil
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("[Prefs] put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("[Prefs] delete %s: %w", key, err)
	}
	return nil
}

// LoadFailover returns the persisted failover configuration.
func (s *Store) LoadFailover() (core.FailoverYAML, error) {
	var cfg core.FailoverYAML
	data, err := s.Get(keyFailover)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("[Prefs] decode failover config: %w", err)
	}
	return cfg, nil
}

// SaveFailover persists the failover configuration.
func (s *Store) SaveFailover(cfg core.FailoverYAML) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("[Prefs] encode failover config: %w", err)
	}
	return s.Put(keyFailover, data)
}

// PreferredPath returns the persisted preferred path.
func (s *Store) PreferredPath() (string, error) {
	data, err := s.Get(keyPreferredPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPreferredPath persists the preferred path; an empty name clears it.
func (s *Store) SetPreferredPath(path string) error {
	if path == "" {
		return s.Delete(keyPreferredPath)
	}
	return s.Put(keyPreferredPath, []byte(path))
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("[Prefs] close: %w", err)
	}
	return nil
}
