// Package state persists the per-package install record between runs.
package state

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autovisor/internal/common/fsutil"
)

// PackageRecord is the persisted state of one managed package.
type PackageRecord struct {
	LatestInstalledRelease *string `json:"latest_installed_release"`
	InstalledAtUnix        int64   `json:"installed_at_unix,omitempty"`
}

// Record is the on-disk document.
type Record struct {
	Packages map[string]PackageRecord `json:"packages"`
}

// Release returns the recorded release for pkg, or "" when none.
func (r Record) Release(pkg string) string {
	if p, ok := r.Packages[pkg]; ok && p.LatestInstalledRelease != nil {
		return *p.LatestInstalledRelease
	}
	return ""
}

// Store reads and writes the record. Failures are logged and degrade to
// "no persisted state"; they are never fatal.
type Store struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load returns the stored record, or an empty one seeded with pkg when the
// file is missing or unreadable. A missing file is created.
func (s *Store) Load(pkg string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := Record{Packages: map[string]PackageRecord{pkg: {}}}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if werr := s.write(empty); werr != nil {
				s.log.Debug().Err(werr).Str("path", s.path).Msg("status write failed")
			}
		} else {
			s.log.Debug().Err(err).Str("path", s.path).Msg("status read failed")
		}
		return empty
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Debug().Err(err).Str("path", s.path).Msg("status decode failed")
		return empty
	}
	if rec.Packages == nil {
		rec.Packages = map[string]PackageRecord{}
	}
	if _, ok := rec.Packages[pkg]; !ok {
		rec.Packages[pkg] = PackageRecord{}
	}
	return rec
}

// MarkInstalled records release as the latest installed release of pkg.
func (s *Store) MarkInstalled(pkg, release string, at time.Time) error {
	rec := s.Load(pkg)
	s.mu.Lock()
	defer s.mu.Unlock()
	r := release
	rec.Packages[pkg] = PackageRecord{LatestInstalledRelease: &r, InstalledAtUnix: at.Unix()}
	return s.saveLocked(rec)
}

// Save replaces the whole record atomically.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

func (s *Store) saveLocked(rec Record) error {
	if rec.Packages == nil {
		rec.Packages = map[string]PackageRecord{}
	}
	if err := s.write(rec); err != nil {
		s.log.Debug().Err(err).Str("path", s.path).Msg("status write failed")
		return err
	}
	return nil
}

func (s *Store) write(rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, b, 0o644)
}
