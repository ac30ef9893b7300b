// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package adapters

import (
	"encoding/json"
	"os"
	"sync"

	vpncerrors "ncubed.io/vpncd/internal/errors"
	"ncubed.io/vpncd/internal/paths"
)

// Mapping is a (from, to) prefix pair vpncmangle matches against a DNS
// answer's rdata. It marshals as a two-element JSON array rather than an
// object, matching vpncmangle's own translations.json reader.
type Mapping [2]string

// Translation is one network instance's DNS mangling rule set (§4.2):
// DNS64 rewrites the synthesized NAT64 prefix back to the "0.0.0.0/0"
// IPv4 answer it stands in for, and DNS66 rewrites each advertised IPv6
// route's NPTv6 prefix (or, absent one, its own prefix) back to the
// route's internal destination.
type Translation struct {
	DNS64 []Mapping `json:"dns64"`
	DNS66 []Mapping `json:"dns66"`
}

// VpncMangle serializes the translations.json file vpncmangle's DNS
// proxy reads on every query. Writes are guarded by a process-wide
// lock (mirroring VPNCMANGLE_LOCK in §8/C9) since the watcher and the
// reconciler can both want to update it concurrently.
type VpncMangle struct {
	mu     sync.Mutex
	layout paths.Layout
}

// NewVpncMangle returns a VpncMangle writer rooted at layout.
func NewVpncMangle(layout paths.Layout) *VpncMangle {
	return &VpncMangle{layout: layout}
}

// WriteTranslations atomically replaces translations.json with the full
// keyed-by-network-instance set. The caller always passes the complete
// map (every downlink/endpoint instance currently known), matching the
// full-rewrite contract vpncmangle's own config generator follows, so a
// torn-down instance's entry actually disappears rather than lingering.
// json.Marshal renders map[string]Translation with keys sorted
// lexically, so repeated writes of an unchanged set produce
// byte-identical files and don't spuriously trip vpncmangle's own watch
// of the file.
func (v *VpncMangle) WriteTranslations(translations map[string]Translation) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := v.layout.VpncmangleDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create vpncmangle directory")
	}

	encoded, err := json.MarshalIndent(translations, "", "  ")
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "marshal vpncmangle translations")
	}

	target := v.layout.VpncmangleTranslationsFile()
	tmp, err := os.CreateTemp(dir, ".translations-*.json.tmp")
	if err != nil {
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "create vpncmangle temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "write vpncmangle temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "close vpncmangle temp file")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return vpncerrors.Wrap(err, vpncerrors.KindInternal, "rename vpncmangle translations into place")
	}
	return nil
}

