// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"reflect"
	"strings"
	"sync"
)

// MockKernel is an in-memory Kernel used by reconciler/monitor tests. It
// records every mutating call so tests can assert on call counts (e.g.
// testable property 4: applying (new, prev=new) issues zero mutations)
// without touching the real network stack.
type MockKernel struct {
	mu sync.Mutex

	Namespaces map[string]bool
	Links      map[string]map[string]LinkSpec // ns -> linkName -> spec
	LinkStates map[string]map[string]LinkState
	Addresses  map[string]map[string][]netip.Prefix
	Routes     map[string][]RouteSpec
	WireGuard  map[string]map[string]WireGuardConfig // ns -> linkName -> cfg
	RuleCounts map[string]int

	Calls int
}

// NewMockKernel returns an empty MockKernel.
func NewMockKernel() *MockKernel {
	return &MockKernel{
		Namespaces: make(map[string]bool),
		Links:      make(map[string]map[string]LinkSpec),
		LinkStates: make(map[string]map[string]LinkState),
		Addresses:  make(map[string]map[string][]netip.Prefix),
		Routes:     make(map[string][]RouteSpec),
		WireGuard:  make(map[string]map[string]WireGuardConfig),
	}
}

func (m *MockKernel) EnsureNamespace(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Namespaces[ns] {
		return nil
	}
	m.Calls++
	m.Namespaces[ns] = true
	return nil
}

func (m *MockKernel) DeleteNamespace(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Namespaces[ns] {
		return nil
	}
	m.Calls++
	delete(m.Namespaces, ns)
	delete(m.Links, ns)
	delete(m.LinkStates, ns)
	delete(m.Addresses, ns)
	delete(m.Routes, ns)
	return nil
}

func (m *MockKernel) EnsureLink(ns string, spec LinkSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Links[ns] == nil {
		m.Links[ns] = make(map[string]LinkSpec)
	}
	if existing, ok := m.Links[ns][spec.Name]; ok && existing == spec {
		return nil
	}
	m.Calls++
	m.Links[ns][spec.Name] = spec
	return nil
}

func (m *MockKernel) MoveLink(ns, linkName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return nil
}

func (m *MockKernel) DeleteLink(ns, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Links[ns] == nil {
		return nil
	}
	if _, ok := m.Links[ns][name]; !ok {
		return nil
	}
	m.Calls++
	delete(m.Links[ns], name)
	return nil
}

func (m *MockKernel) SetLinkState(ns, name string, state LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LinkStates[ns] == nil {
		m.LinkStates[ns] = make(map[string]LinkState)
	}
	if m.LinkStates[ns][name] == state {
		return nil
	}
	m.Calls++
	m.LinkStates[ns][name] = state
	return nil
}

func (m *MockKernel) LinkState(ns, name string) (LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LinkStates[ns][name], nil
}

func (m *MockKernel) FlushAddresses(ns, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Addresses[ns] == nil || len(m.Addresses[ns][name]) == 0 {
		return nil
	}
	m.Calls++
	m.Addresses[ns][name] = nil
	return nil
}

func (m *MockKernel) ReplaceAddress(ns, name string, addr netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Addresses[ns] == nil {
		m.Addresses[ns] = make(map[string][]netip.Prefix)
	}
	for _, a := range m.Addresses[ns][name] {
		if a == addr {
			return nil
		}
	}
	m.Calls++
	m.Addresses[ns][name] = append(m.Addresses[ns][name], addr)
	return nil
}

func (m *MockKernel) Route(ns string, spec RouteSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.Routes[ns] = append(m.Routes[ns], spec)
	return nil
}

func (m *MockKernel) ApplyNFTRules(ns string, renderedText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.RuleCounts == nil {
		m.RuleCounts = make(map[string]int)
	}
	m.RuleCounts[ns] = strings.Count(renderedText, "accept") + strings.Count(renderedText, "drop")
	return nil
}

func (m *MockKernel) RuleCount(ns string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RuleCounts[ns], nil
}

func (m *MockKernel) ApplyIPTablesRules(ns string, renderedText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return nil
}

func (m *MockKernel) EnableForwarding(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return nil
}

func (m *MockKernel) ConfigureWireGuard(ns, name string, cfg WireGuardConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WireGuard[ns] == nil {
		m.WireGuard[ns] = make(map[string]WireGuardConfig)
	}
	if existing, ok := m.WireGuard[ns][name]; ok && reflect.DeepEqual(existing, cfg) {
		return nil
	}
	m.Calls++
	m.WireGuard[ns][name] = cfg
	return nil
}
