package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"billingengine/internal/external"
	"billingengine/internal/types"
)

type mockReconciliationStore struct {
	records []types.SubscriptionRecord
	err     error
	cursors []string
}

func (m *mockReconciliationStore) ListForReconciliation(_ context.Context, _, _ time.Time, afterID string, limit int) ([]types.SubscriptionRecord, error) {
	m.cursors = append(m.cursors, afterID)
	if m.err != nil {
		return nil, m.err
	}
	var out []types.SubscriptionRecord
	for _, r := range m.records {
		if r.IdentityID > afterID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type mockFetcher struct {
	subs map[string]*external.Subscription
	errs map[string]error
}

func (m *mockFetcher) GetSubscription(_ context.Context, id string) (*external.Subscription, error) {
	if err, ok := m.errs[id]; ok {
		return nil, err
	}
	if s, ok := m.subs[id]; ok {
		return s, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
}

type syncCall struct {
	identityID string
	sync       types.SubscriptionSync
	eventAt    *time.Time
}

type mockSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	err   error
}

func (m *mockSyncer) Sync(_ context.Context, identityID string, s types.SubscriptionSync, eventAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, syncCall{identityID: identityID, sync: s, eventAt: eventAt})
	return m.err == nil, m.err
}

type mockRenewer struct {
	renewed map[string]types.PlanType
}

func (m *mockRenewer) Renew(_ context.Context, identityID string, plan types.PlanType) (*types.CreditBalance, error) {
	if m.renewed == nil {
		m.renewed = map[string]types.PlanType{}
	}
	m.renewed[identityID] = plan
	return &types.CreditBalance{IdentityID: identityID, PlanCredits: 3, CreditsAvailable: 3}, nil
}

type mockDrift struct {
	ids []string
}

func (m *mockDrift) RecordBillingDrift(_ context.Context, identityID string) {
	m.ids = append(m.ids, identityID)
}

func ptr[T any](v T) *T { return &v }

func activeRecord(id, subID string, periodEnd time.Time) types.SubscriptionRecord {
	return types.SubscriptionRecord{
		IdentityID:              id,
		ProcessorCustomerID:     ptr("cus_" + id),
		ProcessorSubscriptionID: ptr(subID),
		PriceID:                 ptr("price_starter"),
		Status:                  types.SubStatusActive,
		CurrentPeriodEnd:        ptr(periodEnd),
	}
}

func TestStripeSyncer_NoDrift(t *testing.T) {
	end := testNow.Add(20 * 24 * time.Hour)
	store := &mockReconciliationStore{records: []types.SubscriptionRecord{activeRecord("usr_a", "sub_a", end)}}
	fetcher := &mockFetcher{subs: map[string]*external.Subscription{
		"sub_a": {ID: "sub_a", CustomerID: "cus_usr_a", Status: "active", PriceID: "price_starter", CurrentPeriodEnd: ptr(end)},
	}}
	syncer := &mockSyncer{}
	renewer := &mockRenewer{}
	drift := &mockDrift{}
	s := NewStripeSyncer(store, fetcher, syncer, renewer, drift, SyncConfig{}, testLogger())

	n, err := s.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 synced, got %d", n)
	}
	if len(syncer.calls) != 1 || syncer.calls[0].eventAt != nil {
		t.Errorf("expected one unconditional sync, got %+v", syncer.calls)
	}
	if len(drift.ids) != 0 || len(renewer.renewed) != 0 {
		t.Errorf("no drift expected: drift=%v renewed=%v", drift.ids, renewer.renewed)
	}
}

func TestStripeSyncer_StatusDriftCorrected(t *testing.T) {
	end := testNow.Add(-time.Hour)
	newEnd := testNow.Add(30 * 24 * time.Hour)
	store := &mockReconciliationStore{records: []types.SubscriptionRecord{activeRecord("usr_a", "sub_a", end)}}
	fetcher := &mockFetcher{subs: map[string]*external.Subscription{
		"sub_a": {ID: "sub_a", CustomerID: "cus_usr_a", Status: "past_due", PriceID: "price_starter", CurrentPeriodEnd: ptr(newEnd)},
	}}
	syncer := &mockSyncer{}
	renewer := &mockRenewer{}
	drift := &mockDrift{}
	s := NewStripeSyncer(store, fetcher, syncer, renewer, drift, SyncConfig{}, testLogger())

	if _, err := s.Run(context.Background(), testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drift.ids) != 1 || drift.ids[0] != "usr_a" {
		t.Errorf("expected drift for usr_a, got %v", drift.ids)
	}
	got := syncer.calls[0].sync
	if got.Status != types.SubStatusPastDue || !got.CurrentPeriodEnd.Equal(newEnd) {
		t.Errorf("unexpected sync %+v", got)
	}
	if len(renewer.renewed) != 0 {
		t.Error("reconciliation must never grant or revoke credits for a live subscription")
	}
}

func TestStripeSyncer_ProcessorCancelDowngrades(t *testing.T) {
	end := testNow.Add(-time.Hour)
	store := &mockReconciliationStore{records: []types.SubscriptionRecord{
		activeRecord("usr_a", "sub_a", end),
		activeRecord("usr_b", "sub_b", end),
	}}
	fetcher := &mockFetcher{subs: map[string]*external.Subscription{
		"sub_a": {ID: "sub_a", CustomerID: "cus_usr_a", Status: "canceled"},
		// sub_b is unknown to the processor
	}}
	syncer := &mockSyncer{}
	renewer := &mockRenewer{}
	drift := &mockDrift{}
	s := NewStripeSyncer(store, fetcher, syncer, renewer, drift, SyncConfig{}, testLogger())

	n, err := s.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 synced, got %d", n)
	}
	for _, id := range []string{"usr_a", "usr_b"} {
		if renewer.renewed[id] != types.PlanFree {
			t.Errorf("%s: expected downgrade to free, got %q", id, renewer.renewed[id])
		}
	}
	for _, c := range syncer.calls {
		if c.sync.Status != types.SubStatusCanceled {
			t.Errorf("%s: expected canceled, got %s", c.identityID, c.sync.Status)
		}
	}
	if len(drift.ids) != 2 {
		t.Errorf("expected 2 drifts, got %v", drift.ids)
	}
}

func TestStripeSyncer_FetchErrorSkipsRecord(t *testing.T) {
	end := testNow.Add(-time.Hour)
	store := &mockReconciliationStore{records: []types.SubscriptionRecord{
		activeRecord("usr_a", "sub_a", end),
		activeRecord("usr_b", "sub_b", end),
	}}
	fetcher := &mockFetcher{
		subs: map[string]*external.Subscription{
			"sub_b": {ID: "sub_b", Status: "active", PriceID: "price_starter", CurrentPeriodEnd: ptr(end)},
		},
		errs: map[string]error{"sub_a": types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe down", nil)},
	}
	syncer := &mockSyncer{}
	renewer := &mockRenewer{}
	s := NewStripeSyncer(store, fetcher, syncer, renewer, nil, SyncConfig{}, testLogger())

	n, err := s.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("a failing record must not fail the sweep: %v", err)
	}
	if n != 1 || len(syncer.calls) != 1 || syncer.calls[0].identityID != "usr_b" {
		t.Errorf("expected only usr_b synced, got n=%d calls=%+v", n, syncer.calls)
	}
	if len(renewer.renewed) != 0 {
		t.Error("an unreachable processor must not downgrade anyone")
	}
}

func TestStripeSyncer_Pages(t *testing.T) {
	end := testNow.Add(24 * time.Hour)
	store := &mockReconciliationStore{}
	fetcher := &mockFetcher{subs: map[string]*external.Subscription{}}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("usr_%d", i)
		sub := fmt.Sprintf("sub_%d", i)
		store.records = append(store.records, activeRecord(id, sub, end))
		fetcher.subs[sub] = &external.Subscription{ID: sub, Status: "active", PriceID: "price_starter", CurrentPeriodEnd: ptr(end)}
	}
	syncer := &mockSyncer{}
	s := NewStripeSyncer(store, fetcher, syncer, &mockRenewer{}, nil, SyncConfig{BatchSize: 2}, testLogger())

	n, err := s.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 synced, got %d", n)
	}
	want := []string{"", "usr_1", "usr_3"}
	if len(store.cursors) != len(want) {
		t.Fatalf("expected cursors %v, got %v", want, store.cursors)
	}
	for i := range want {
		if store.cursors[i] != want[i] {
			t.Errorf("expected cursors %v, got %v", want, store.cursors)
		}
	}
}

func TestStripeSyncer_ListError(t *testing.T) {
	store := &mockReconciliationStore{err: errors.New("db down")}
	s := NewStripeSyncer(store, &mockFetcher{}, &mockSyncer{}, &mockRenewer{}, nil, SyncConfig{}, testLogger())

	if _, err := s.Run(context.Background(), testNow); err == nil {
		t.Fatal("expected error")
	}
}
