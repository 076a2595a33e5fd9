// Package store keeps the instance table and its on-disk JSON form.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/network"
)

// FileName is the state file name inside the data directory.
const FileName = "vmd-vm-instances.json"

// ErrNotFound is returned for names with no record.
var ErrNotFound = errors.New("store: instance not found")

// Store is the authoritative instance table. Every mutation is followed by
// an atomic rewrite of the state file.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
	log     logrus.FieldLogger
}

// New returns an empty store persisting to dataDir/FileName.
func New(dataDir string, log logrus.FieldLogger) *Store {
	return &Store{
		path:    filepath.Join(dataDir, FileName),
		records: make(map[string]*Record),
		log:     log.WithField("component", "store"),
	}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file, claims the MACs of every accepted record in
// claims and returns the accepted records sorted by name.
//
// Ghost records are skipped. A record whose MACs repeat, either within
// itself or against a record accepted earlier in name order, is dropped
// without claiming anything.
func (s *Store) Load(claims *network.MACAllocator) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.records = make(map[string]*Record)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var raw map[string]json.RawMessage
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
		}
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	s.records = make(map[string]*Record, len(raw))
	var accepted []*Record
	for _, name := range names {
		log := s.log.WithField("instance", name)

		rec := &Record{}
		if err := json.Unmarshal(raw[name], rec); err != nil {
			log.WithError(err).Warn("skipping unreadable instance record")
			continue
		}
		rec.Name = name

		if rec.IsGhost() {
			log.Debug("skipping ghost instance record")
			continue
		}
		if mac := rec.repeatedMAC(); mac != "" {
			log.WithField("mac", mac).Warn("dropping instance with repeated MAC address")
			continue
		}
		if err := claims.ClaimAll(rec.MACs()); err != nil {
			log.WithError(err).Warn("dropping instance whose MAC address is already in use")
			continue
		}

		rec.normalize()
		s.records[name] = rec
		accepted = append(accepted, rec.Clone())
	}

	return accepted, nil
}

// Get returns a copy of the named record.
func (s *Store) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec.Clone(), nil
}

// Has reports whether a record exists for name.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[name]
	return ok
}

// Names returns all record names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedNames()
}

// List returns copies of all records sorted by name.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, name := range s.sortedNames() {
		out = append(out, s.records[name].Clone())
	}
	return out
}

// Upsert inserts or replaces a record and persists.
func (s *Store) Upsert(rec *Record) error {
	if rec.Name == "" {
		return errors.New("store: record has no name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := rec.Clone()
	c.normalize()
	s.records[c.Name] = c
	return s.save()
}

// Update applies fn to the named record and persists.
func (s *Store) Update(name string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	fn(rec)
	rec.Name = name
	rec.normalize()
	return s.save()
}

// MarkDeleted flags the named record as deleted and persists. Its MACs stay
// claimed until it is purged.
func (s *Store) MarkDeleted(name string) error {
	return s.Update(name, func(r *Record) { r.Deleted = true })
}

// Purge removes the named records that are deleted, releases their MACs
// from claims and persists. Records that are not deleted are left alone.
// It returns the released MACs.
func (s *Store) Purge(names []string, claims *network.MACAllocator) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, name := range names {
		rec, ok := s.records[name]
		if !ok || !rec.Deleted {
			continue
		}
		macs := rec.MACs()
		claims.Release(macs...)
		released = append(released, macs...)
		delete(s.records, name)
	}

	return released, s.save()
}

// Drop removes a record from memory without persisting. Used for records
// the backend could not recreate at load.
func (s *Store) Drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
}

// Snapshot returns the serialized state file contents.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marshal()
}

// Persist rewrites the state file.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) sortedNames() []string {
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s.records, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return append(data, '\n'), nil
}

// save writes the table atomically. Callers hold s.mu.
func (s *Store) save() error {
	data, err := s.marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
