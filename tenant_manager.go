package ges

import (
	"fmt"
	"sync"
	"time"
)

// TenantManager is the CRUD authority over TenantInfo records, gating
// tenant-scoped operations on tenant status (spec.md §4.4). Backed by an
// in-memory map guarded by a RWMutex, mirroring the teacher's mem backend's
// concurrency pattern rather than a dedicated store — tenant catalogs are
// small and rarely persisted the same way the event log is.
type TenantManager struct {
	mu      sync.RWMutex
	tenants map[string]TenantInfo
}

// NewTenantManager returns an empty manager.
func NewTenantManager() *TenantManager {
	return &TenantManager{tenants: make(map[string]TenantInfo)}
}

// CreateTenant registers a new tenant in the Active status. Returns a
// KindTenant error if the id is already registered.
func (m *TenantManager) CreateTenant(id TenantID, name string) (TenantInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[id.String()]; exists {
		return TenantInfo{}, NewTenantError(fmt.Sprintf("tenant already exists: %s", id))
	}
	info := NewTenantInfo(id, name)
	m.tenants[id.String()] = info
	return info, nil
}

// GetTenant returns the tenant record, or ok=false if unknown.
func (m *TenantManager) GetTenant(id TenantID) (TenantInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tenants[id.String()]
	return info, ok
}

// ListTenants returns a snapshot of all registered tenants.
func (m *TenantManager) ListTenants() []TenantInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TenantInfo, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	return out
}

// UpdateConfig replaces a tenant's TenantConfig.
func (m *TenantManager) UpdateConfig(id TenantID, config TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tenants[id.String()]
	if !ok {
		return NewTenantError(fmt.Sprintf("unknown tenant: %s", id))
	}
	info.Config = config
	info.UpdatedAt = time.Now().UTC()
	m.tenants[id.String()] = info
	return nil
}

// RecordActivity updates a tenant's usage metadata after an operation.
func (m *TenantManager) RecordActivity(id TenantID, eventsAdded int64, storageDeltaMB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tenants[id.String()]
	if !ok {
		return NewTenantError(fmt.Sprintf("unknown tenant: %s", id))
	}
	info.Metadata.TotalEvents += eventsAdded
	info.Metadata.StorageUsedMB += storageDeltaMB
	info.Metadata.LastActivity = time.Now().UTC()
	m.tenants[id.String()] = info
	return nil
}

// transition validates and applies a status change, enforcing the lifecycle
// Active<->Suspended, Active or Suspended->Disabled, and
// Disabled->PendingDeletion; a Disabled tenant cannot return to Active or
// Suspended (ported from the original source's tenant state machine).
func (m *TenantManager) transition(id TenantID, to TenantStatus, allowedFrom ...TenantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tenants[id.String()]
	if !ok {
		return NewTenantError(fmt.Sprintf("unknown tenant: %s", id))
	}
	allowed := false
	for _, s := range allowedFrom {
		if info.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return NewTenantError(fmt.Sprintf("invalid tenant status transition: %s -> %s", info.Status, to))
	}
	info.Status = to
	info.UpdatedAt = time.Now().UTC()
	m.tenants[id.String()] = info
	return nil
}

// Suspend moves an Active tenant to Suspended.
func (m *TenantManager) Suspend(id TenantID) error {
	return m.transition(id, TenantSuspended, TenantActive)
}

// Reactivate moves a Suspended tenant back to Active.
func (m *TenantManager) Reactivate(id TenantID) error {
	return m.transition(id, TenantActive, TenantSuspended)
}

// Disable moves an Active or Suspended tenant to Disabled.
func (m *TenantManager) Disable(id TenantID) error {
	return m.transition(id, TenantDisabled, TenantActive, TenantSuspended)
}

// MarkPendingDeletion moves a Disabled tenant to PendingDeletion, the
// terminal state before actual removal.
func (m *TenantManager) MarkPendingDeletion(id TenantID) error {
	return m.transition(id, TenantPendingDeletion, TenantDisabled)
}

// RequireActive returns NewTenantError (TenantNotActive) unless the tenant is
// currently Active. Call sites that gate tenant-scoped operations use this
// before delegating into an IsolatedStore.
func (m *TenantManager) RequireActive(id TenantID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tenants[id.String()]
	if !ok {
		return NewTenantError(fmt.Sprintf("unknown tenant: %s", id))
	}
	if info.Status != TenantActive {
		return NewTenantError(fmt.Sprintf("tenant not active: %s (status=%s)", id, info.Status))
	}
	return nil
}
