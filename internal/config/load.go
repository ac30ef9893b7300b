// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/logging"
)

// Store holds the last-known-good Tenant documents, keyed by id, so the
// loader can hand back (new, previous) pairs. It is the explicit
// state-holder for VPNC_CONFIG_SERVICE/VPNC_CONFIG_TENANT (Design Note
// "Global mutable state") rather than a process-wide map.
type Store struct {
	log     *logging.Logger
	tenants map[string]*Tenant
}

// NewStore returns an empty Store.
func NewStore(log *logging.Logger) *Store {
	return &Store{log: log, tenants: make(map[string]*Tenant)}
}

// Previous returns the last successfully loaded document for id, or nil.
func (s *Store) Previous(id string) *Tenant {
	return s.tenants[id]
}

// Forget removes id from the store, used on file-delete.
func (s *Store) Forget(id string) {
	delete(s.tenants, id)
}

// LoadResult is returned by Load.
type LoadResult struct {
	New      *Tenant
	Previous *Tenant
	// ContentHash is the sha256 of the canonicalized YAML this load
	// produced, used by the watch controller to suppress self-triggered
	// events after a write-back (Design Note / Open Question #1).
	ContentHash string
}

// Load reads and validates the file at path, applying the legacy
// migration first if needed, and returns the (new, previous) pair from
// s. On a read, YAML, schema or filename failure, the file is skipped:
// s is left unchanged, New is nil, Previous is the prior state in s, and
// the returned error describes why.
func (s *Store) Load(path string) (LoadResult, error) {
	filename := filepath.Base(path)
	id := IDFromFilename(filename)
	if id == "" {
		return LoadResult{}, vpncerrors.Errorf(vpncerrors.KindSchema, "%s: does not match the tenant/DEFAULT filename pattern", filename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{Previous: s.tenants[id]}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "%s: read", filename)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return LoadResult{Previous: s.tenants[id]}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "%s: parse YAML", filename)
	}

	if needsMigration(raw) {
		ts := migrationTimestamp()
		if err := backupBeforeMigration(path, ts); err != nil {
			s.log.WithError(err).Warn("migration backup failed, proceeding anyway", "file", filename)
		}
		migrateRaw(raw)
		rewritten, err := yaml.Marshal(raw)
		if err == nil {
			if err := os.WriteFile(path, rewritten, 0o644); err != nil {
				s.log.WithError(err).Warn("failed to write migrated document back to disk", "file", filename)
			}
		}
		data = rewritten
	}

	var t Tenant
	if err := yaml.Unmarshal(data, &t); err != nil {
		return LoadResult{Previous: s.tenants[id]}, vpncerrors.Wrapf(err, vpncerrors.KindSchema, "%s: decode", filename)
	}
	t.ID = coalesce(t.ID, id)
	assignConnectionIDsFromKeys(&t)
	if t.Service != nil {
		t.Service.ApplyDefaults()
	}

	if err := CheckFilename(filename, &t); err != nil {
		return LoadResult{Previous: s.tenants[id]}, err
	}
	if err := Validate(&t); err != nil {
		return LoadResult{Previous: s.tenants[id]}, err
	}

	prev := s.tenants[id]
	s.tenants[id] = &t

	canon, _ := Canonicalize(&t)
	sum := sha256.Sum256(canon)

	return LoadResult{New: &t, Previous: prev, ContentHash: hex.EncodeToString(sum[:])}, nil
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// assignConnectionIDsFromKeys sets Connection.ID from its map key when
// the document didn't repeat it inline, and NetworkInstance.ID likewise.
func assignConnectionIDsFromKeys(t *Tenant) {
	for niID, ni := range t.NetworkInstances {
		if ni.ID == "" {
			ni.ID = niID
		}
		for connID, c := range ni.Connections {
			if c.ID == 0 {
				if n, ok := parseConnID(connID); ok {
					c.ID = n
				}
			}
		}
	}
}

func parseConnID(s string) (int, bool) {
	if len(s) != 1 || s[0] < '0' || s[0] > '9' {
		return 0, false
	}
	return int(s[0] - '0'), true
}

// migrationTimestamp is overridable in tests; production uses wall-clock
// time, injected by the caller rather than computed here so tests stay
// deterministic without faking time.Now.
var migrationTimestampFunc = func() int64 { return 0 }

func migrationTimestamp() int64 { return migrationTimestampFunc() }

// SetMigrationClock lets the lifecycle wire a real time source in once at
// startup (cmd/vpncd), keeping this package itself free of direct
// wall-clock reads.
func SetMigrationClock(f func() int64) { migrationTimestampFunc = f }

// Canonicalize re-marshals t with deterministic key ordering so two
// semantically identical documents hash identically regardless of
// incidental map iteration order (testable property 5: byte-for-byte
// determinism modulo key order).
func Canonicalize(t *Tenant) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, vpncerrors.Wrap(err, vpncerrors.KindInternal, "canonicalize tenant document")
	}
	if err := enc.Close(); err != nil {
		return nil, vpncerrors.Wrap(err, vpncerrors.KindInternal, "canonicalize tenant document")
	}
	return buf.Bytes(), nil
}
