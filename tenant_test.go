package ges_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ges "github.com/mickamy/go-event-sourcing"
	"github.com/mickamy/go-event-sourcing/stores/mem"
)

func TestTenantID_Validation(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "acme-corp", false},
		{"empty", "", true},
		{"invalid chars", "acme corp!", true},
		{"too long", string(make([]byte, 129)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ges.NewTenantID(tc.id)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTenantID_DBPrefix(t *testing.T) {
	id, err := ges.NewTenantID("acme-corp")
	require.NoError(t, err)
	assert.Equal(t, "tenant_acme_corp", id.DBPrefix())
}

func TestTenantManager_LifecycleTransitions(t *testing.T) {
	mgr := ges.NewTenantManager()
	id, err := ges.NewTenantID("acme")
	require.NoError(t, err)

	_, err = mgr.CreateTenant(id, "Acme")
	require.NoError(t, err)
	require.NoError(t, mgr.RequireActive(id))

	require.NoError(t, mgr.Suspend(id))
	assert.Error(t, mgr.RequireActive(id))

	require.NoError(t, mgr.Reactivate(id))
	require.NoError(t, mgr.RequireActive(id))

	require.NoError(t, mgr.Disable(id))
	assert.Error(t, mgr.Suspend(id), "cannot suspend a disabled tenant")

	require.NoError(t, mgr.MarkPendingDeletion(id))
	info, ok := mgr.GetTenant(id)
	require.True(t, ok)
	assert.Equal(t, ges.TenantPendingDeletion, info.Status)
}

func TestIsolatedStore_TenantsCannotSeeEachOther(t *testing.T) {
	ctx := context.Background()
	backend := mem.New()
	require.NoError(t, backend.Initialize(ctx))
	baseStore := ges.NewStore(backend)

	tenantA, err := ges.NewTenantID("t-a")
	require.NoError(t, err)
	tenantB, err := ges.NewTenantID("t-b")
	require.NoError(t, err)

	mgr := ges.NewTenantManager()
	_, err = mgr.CreateTenant(tenantA, "Tenant A")
	require.NoError(t, err)
	_, err = mgr.CreateTenant(tenantB, "Tenant B")
	require.NoError(t, err)

	metrics := ges.NewIsolationMetrics(0, discardLogger())
	storeA := ges.NewIsolatedStore(tenantA, baseStore, ges.StrictIsolationPolicy(), ges.DefaultResourceLimits(), metrics, mgr, discardLogger())
	storeB := ges.NewIsolatedStore(tenantB, baseStore, ges.StrictIsolationPolicy(), ges.DefaultResourceLimits(), metrics, mgr, discardLogger())

	event := newTestEvent("u1", "User", "UserRegistered")
	event.AggregateVersion = 1
	require.NoError(t, storeA.SaveEvents(ctx, []ges.Event{event}))

	eventsViaB, err := storeB.LoadEvents(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, eventsViaB, "tenant B must not see tenant A's events")

	eventsViaA, err := storeA.LoadEvents(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, eventsViaA, 1)
	assert.Equal(t, "u1", eventsViaA[0].AggregateID, "the tenant-facing id must be unprefixed")

	rawEvents, err := baseStore.LoadEvents(ctx, tenantA.DBPrefix()+":u1", 0)
	require.NoError(t, err)
	require.Len(t, rawEvents, 1)
	assert.Equal(t, "tenant_t_a:u1", rawEvents[0].AggregateID, "underlying storage sees the namespaced id")
}

func TestIsolatedStore_SuspendedTenantIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := mem.New()
	require.NoError(t, backend.Initialize(ctx))
	baseStore := ges.NewStore(backend)

	tenantID, err := ges.NewTenantID("acme")
	require.NoError(t, err)

	mgr := ges.NewTenantManager()
	_, err = mgr.CreateTenant(tenantID, "Acme")
	require.NoError(t, err)

	metrics := ges.NewIsolationMetrics(0, discardLogger())
	store := ges.NewIsolatedStore(tenantID, baseStore, ges.StrictIsolationPolicy(), ges.DefaultResourceLimits(), metrics, mgr, discardLogger())

	event := newTestEvent("u1", "User", "UserRegistered")
	event.AggregateVersion = 1
	require.NoError(t, store.SaveEvents(ctx, []ges.Event{event}))

	require.NoError(t, mgr.Suspend(tenantID))

	event2 := newTestEvent("u1", "User", "UserTouched")
	event2.AggregateVersion = 2
	err = store.SaveEvents(ctx, []ges.Event{event2})
	assert.Error(t, err, "a suspended tenant must not be able to append events")

	_, err = store.LoadEvents(ctx, "u1", 0)
	assert.Error(t, err, "a suspended tenant must not be able to read events")

	require.NoError(t, mgr.Reactivate(tenantID))
	_, err = store.LoadEvents(ctx, "u1", 0)
	assert.NoError(t, err, "reactivating the tenant restores access")
}

func TestIsolatedStore_RejectsExplicitTenantNamespace(t *testing.T) {
	ctx := context.Background()
	backend := mem.New()
	require.NoError(t, backend.Initialize(ctx))
	baseStore := ges.NewStore(backend)

	tenantID, err := ges.NewTenantID("acme")
	require.NoError(t, err)
	metrics := ges.NewIsolationMetrics(0, discardLogger())
	store := ges.NewIsolatedStore(tenantID, baseStore, ges.StrictIsolationPolicy(), ges.DefaultResourceLimits(), metrics, nil, discardLogger())

	_, err = store.LoadEvents(ctx, "tenant_other:u1", 0)
	assert.Error(t, err, "an aggregate id carrying an explicit tenant namespace must be rejected")
}

func TestResourceTracker_MaxConcurrentStreams(t *testing.T) {
	limits := ges.DefaultResourceLimits()
	limits.MaxConcurrentStreams = 1
	tracker := ges.NewResourceTracker(limits)

	release, err := tracker.AcquireStream()
	require.NoError(t, err)

	_, err = tracker.AcquireStream()
	assert.Error(t, err, "a second concurrent stream must be rejected while the cap is 1")

	release()

	release2, err := tracker.AcquireStream()
	require.NoError(t, err)
	release2()
}

func TestIsolationMetrics_PerformanceTarget(t *testing.T) {
	metrics := ges.NewIsolationMetrics(0, discardLogger())
	metrics.RecordValidation(0, true)
	assert.True(t, metrics.IsPerformanceTargetMet())
	assert.Equal(t, 100.0, metrics.SuccessRate())

	metrics.RecordValidation(0, false)
	assert.Less(t, metrics.SuccessRate(), 100.0)
}
