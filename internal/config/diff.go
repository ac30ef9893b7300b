// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import "gopkg.in/yaml.v3"

// NetworkInstancePair is one (new, previous) pairing for a single network
// instance id, produced by walking the union of ids across two documents.
// Either side may be nil: New == nil means the instance was removed;
// Previous == nil means it is newly added.
type NetworkInstancePair struct {
	ID       string
	New      *NetworkInstance
	Previous *NetworkInstance
}

// DiffNetworkInstances walks the union of network instance ids between
// newT and prevT (either may be nil) and returns one pair per id, so the
// file-watch controller can call the reconciler once per instance
// exactly as §4.7 describes.
func DiffNetworkInstances(newT, prevT *Tenant) []NetworkInstancePair {
	seen := make(map[string]bool)
	var order []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	if newT != nil {
		for id := range newT.NetworkInstances {
			add(id)
		}
	}
	if prevT != nil {
		for id := range prevT.NetworkInstances {
			add(id)
		}
	}

	pairs := make([]NetworkInstancePair, 0, len(order))
	for _, id := range order {
		p := NetworkInstancePair{ID: id}
		if newT != nil {
			p.New = newT.NetworkInstances[id]
		}
		if prevT != nil {
			p.Previous = prevT.NetworkInstances[id]
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// Equal reports whether two network instances are semantically
// identical, used by the reconciler to skip apply() entirely per §4.5
// ("Skipped entirely if ni_new == ni_prev").
func (ni *NetworkInstance) Equal(other *NetworkInstance) bool {
	if ni == nil || other == nil {
		return ni == other
	}
	if ni.Type != other.Type || len(ni.Connections) != len(other.Connections) {
		return false
	}
	for id, c := range ni.Connections {
		oc, ok := other.Connections[id]
		if !ok || !c.equal(oc) {
			return false
		}
	}
	return true
}

func (c *Connection) equal(other *Connection) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, errA := yaml.Marshal(c)
	b, errB := yaml.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}
