package config

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileInfo describes the backing config file for the /info endpoint.
type FileInfo struct {
	Path    string
	Exists  bool
	MtimeNS int64
	Size    int64
}

// Store owns the live configuration snapshot. A snapshot is an immutable
// *Config swapped atomically on reload: a reader holds either the old or the
// fully loaded new value, never a mix. The scheduler pins one snapshot per
// cycle and never re-reads mid-cycle.
type Store struct {
	path string
	log  *zap.SugaredLogger

	mu      sync.RWMutex
	snap    *Config
	mtimeNS int64
	haveMt  bool
}

// NewStore loads the initial configuration from path. A missing file yields a
// default configuration with zero routes; an unreadable or malformed file is
// a fatal startup condition and returns an error.
func NewStore(path string, log *zap.SugaredLogger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, verr := range cfg.Validate() {
		log.Warnw("Config validation finding", "error", verr)
	}

	s := &Store{
		path: path,
		log:  log.Named("config"),
		snap: &cfg,
	}
	if st, err := os.Stat(path); err == nil {
		s.mtimeNS = st.ModTime().UnixNano()
		s.haveMt = true
	}
	return s, nil
}

// Snapshot returns the current immutable configuration.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Path returns the configured file path.
func (s *Store) Path() string { return s.path }

// FileInfo stats the backing file.
func (s *Store) FileInfo() FileInfo {
	info := FileInfo{Path: s.path}
	st, err := os.Stat(s.path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.MtimeNS = st.ModTime().UnixNano()
	info.Size = st.Size()
	return info
}

// ReloadIfChanged re-reads the file when its mtime differs from the last load
// (or always, when force is set) and swaps the snapshot. A failed reload
// keeps the previous snapshot in place and reports the error; the exporter
// keeps running on the last good configuration.
func (s *Store) ReloadIfChanged(force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		mtimeNS int64
		haveMt  bool
	)
	if st, err := os.Stat(s.path); err == nil {
		mtimeNS = st.ModTime().UnixNano()
		haveMt = true
	}

	changed := force || haveMt != s.haveMt || (haveMt && mtimeNS != s.mtimeNS)
	if !changed {
		return false, nil
	}

	cfg, err := Load(s.path)
	if err != nil {
		s.log.Errorw("Failed to reload config, keeping previous snapshot", "path", s.path, "error", err)
		return false, err
	}
	for _, verr := range cfg.Validate() {
		s.log.Warnw("Config validation finding", "error", verr)
	}

	s.snap = &cfg
	s.mtimeNS = mtimeNS
	s.haveMt = haveMt
	s.log.Infow("Config reloaded", "path", s.path, "routes", len(cfg.Tests), "mtimeNs", mtimeNS)
	return true, nil
}
