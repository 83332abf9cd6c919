package ges

import (
	"regexp"
	"strings"
	"time"
)

// TenantID is a validated tenant identifier: non-empty, <=128 chars, and
// restricted to [A-Za-z0-9_-] (spec.md §3).
type TenantID struct {
	value string
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewTenantID validates and constructs a TenantID. from_str-style parsing
// routes through the same validator (spec.md §4.4).
func NewTenantID(id string) (TenantID, error) {
	if id == "" {
		return TenantID{}, NewTenantError("tenant id cannot be empty")
	}
	if len(id) > 128 {
		return TenantID{}, NewTenantError("tenant id too long (max 128 chars)")
	}
	if !tenantIDPattern.MatchString(id) {
		return TenantID{}, NewTenantError("tenant id must contain only alphanumeric, dash, or underscore")
	}
	return TenantID{value: id}, nil
}

// ParseTenantID is an alias for NewTenantID matching Rust's FromStr naming,
// kept for readability at call sites that parse an external string.
func ParseTenantID(s string) (TenantID, error) { return NewTenantID(s) }

// String returns the raw tenant id.
func (t TenantID) String() string { return t.value }

// DBPrefix returns the database prefix for this tenant, used to namespace
// aggregate identifiers: "tenant_<id_with_dashes_to_underscores>".
func (t TenantID) DBPrefix() string {
	return "tenant_" + strings.ReplaceAll(t.value, "-", "_")
}

// TenantStatus is the tenant's operational lifecycle state.
type TenantStatus int

const (
	TenantActive TenantStatus = iota
	TenantSuspended
	TenantDisabled
	TenantPendingDeletion
)

func (s TenantStatus) String() string {
	switch s {
	case TenantActive:
		return "active"
	case TenantSuspended:
		return "suspended"
	case TenantDisabled:
		return "disabled"
	case TenantPendingDeletion:
		return "pending_deletion"
	default:
		return "unknown"
	}
}

// ResourceLimits caps a tenant's resource consumption (ported from
// original_source/eventuali-core/src/tenancy/tenant.rs; supplements the
// condensed "ResourceLimits" reference in spec.md §4.4's IsolationPolicy).
type ResourceLimits struct {
	MaxEventsPerDay      int64
	MaxStorageMB         int64
	MaxConcurrentStreams int
	MaxAggregates        int64
}

// DefaultResourceLimits mirrors the original source's defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxEventsPerDay:      1_000_000,
		MaxStorageMB:         10_000,
		MaxConcurrentStreams: 100,
		MaxAggregates:        100_000,
	}
}

// TenantConfig holds per-tenant configuration.
type TenantConfig struct {
	ResourceLimits ResourceLimits
	CustomSettings map[string]string
}

// DefaultTenantConfig returns sensible defaults.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		ResourceLimits: DefaultResourceLimits(),
		CustomSettings: map[string]string{},
	}
}

// TenantMetadata tracks monitoring/analytics counters for a tenant.
type TenantMetadata struct {
	TotalEvents     int64
	TotalAggregates int64
	StorageUsedMB   float64
	LastActivity    time.Time
	CustomMetadata  map[string]string
}

// TenantInfo is the complete record a TenantManager persists for a tenant.
type TenantInfo struct {
	ID          TenantID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Status      TenantStatus
	Config      TenantConfig
	Metadata    TenantMetadata
}

// NewTenantInfo constructs a TenantInfo in the Active status with defaults.
func NewTenantInfo(id TenantID, name string) TenantInfo {
	now := time.Now().UTC()
	return TenantInfo{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    TenantActive,
		Config:    DefaultTenantConfig(),
		Metadata:  TenantMetadata{CustomMetadata: map[string]string{}},
	}
}

// IsActive reports whether the tenant can currently perform operations.
func (t TenantInfo) IsActive() bool { return t.Status == TenantActive }
