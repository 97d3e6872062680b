package invitetrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreUpsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()

	record := InviteRecord{Invitee: 100, Inviter: 200, Server: 1}
	inserted, err := store.UpsertIfAbsent(ctx, record)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first upsert to insert")
	}

	// Same invitee, different inviter: first write wins, duplicate ignored.
	inserted, err = store.UpsertIfAbsent(ctx, InviteRecord{Invitee: 100, Inviter: 300, Server: 1})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate to be ignored")
	}

	known, err := store.KnownInvitees(ctx, 1)
	if err != nil {
		t.Fatalf("known invitees failed: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("expected exactly one invitee, got %d", len(known))
	}

	grouped, err := store.InviterToInvitees(ctx, 1)
	if err != nil {
		t.Fatalf("inviter mapping failed: %v", err)
	}
	if len(grouped[200]) != 1 || grouped[200][0] != 100 {
		t.Fatalf("expected inviter 200 to keep invitee 100, got %+v", grouped)
	}
	if _, exists := grouped[300]; exists {
		t.Fatalf("losing inviter must not appear in aggregates")
	}
}

func TestMemoryStoreRejectsInvalidRecords(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()

	for _, record := range []InviteRecord{
		{Invitee: 0, Inviter: 1, Server: 1},
		{Invitee: 1, Inviter: 0, Server: 1},
		{Invitee: 1, Inviter: 2, Server: 0},
	} {
		if _, err := store.UpsertIfAbsent(ctx, record); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", record, err)
		}
	}
}

func TestMemoryStoreConcurrentUpsertSingleWinner(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()

	const racers = 32
	var inserted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.UpsertIfAbsent(ctx, InviteRecord{
				Invitee: 500,
				Inviter: MemberID(1000 + n),
				Server:  1,
			})
			if err != nil {
				t.Errorf("upsert failed: %v", err)
				return
			}
			if ok {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := inserted.Load(); got != 1 {
		t.Fatalf("expected exactly one winning insert, got %d", got)
	}
}

func TestMemoryStoreOrdersInviteesByJoinTime(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()
	base := time.Date(2024, 11, 25, 7, 0, 0, 0, time.UTC)

	// Inserted out of join order on purpose.
	records := []InviteRecord{
		{Invitee: 3, Inviter: 9, Server: 1, JoinedAt: base.Add(2 * time.Hour)},
		{Invitee: 1, Inviter: 9, Server: 1, JoinedAt: base},
		{Invitee: 2, Inviter: 9, Server: 1, JoinedAt: base.Add(time.Hour)},
	}
	for _, record := range records {
		if _, err := store.UpsertIfAbsent(ctx, record); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	grouped, err := store.InviterToInvitees(ctx, 1)
	if err != nil {
		t.Fatalf("inviter mapping failed: %v", err)
	}
	got := grouped[9]
	want := []MemberID{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d invitees, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected join order %v, got %v", want, got)
		}
	}
}

func TestMemoryStoreExcludesLegacyInviter(t *testing.T) {
	const legacy = MemberID(150651680168345600)
	store := NewMemoryStore(StoreOptions{LegacyInviter: legacy})
	ctx := context.Background()

	if _, err := store.UpsertIfAbsent(ctx, InviteRecord{Invitee: 1, Inviter: legacy, Server: 1}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := store.UpsertIfAbsent(ctx, InviteRecord{Invitee: 2, Inviter: 7, Server: 1}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	grouped, err := store.InviterToInvitees(ctx, 1)
	if err != nil {
		t.Fatalf("inviter mapping failed: %v", err)
	}
	if _, exists := grouped[legacy]; exists {
		t.Fatalf("legacy inviter must be excluded from aggregates")
	}
	if len(grouped[7]) != 1 {
		t.Fatalf("real inviter missing from aggregates: %+v", grouped)
	}

	// The record itself is still known; only aggregates hide it.
	known, err := store.KnownInvitees(ctx, 1)
	if err != nil {
		t.Fatalf("known invitees failed: %v", err)
	}
	if _, exists := known[1]; !exists {
		t.Fatalf("legacy-invited member should still be a known invitee")
	}
}

func TestMemoryStoreScopesByServer(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	ctx := context.Background()

	if _, err := store.UpsertIfAbsent(ctx, InviteRecord{Invitee: 1, Inviter: 2, Server: 10}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	inserted, err := store.UpsertIfAbsent(ctx, InviteRecord{Invitee: 1, Inviter: 2, Server: 20})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if !inserted {
		t.Fatalf("same invitee on a different server must insert")
	}

	known, err := store.KnownInvitees(ctx, 10)
	if err != nil {
		t.Fatalf("known invitees failed: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("expected one invitee for server 10, got %d", len(known))
	}
}

func TestBuildStoreFromDSNSchemes(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://", StoreOptions{})
	if err != nil {
		t.Fatalf("memory scheme failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}

	store, err = BuildStoreFromDSN("postgres://localhost/invites", StoreOptions{})
	if err != nil {
		t.Fatalf("postgres scheme failed: %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}

	if _, err := BuildStoreFromDSN("mysql://localhost/invites", StoreOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStoreFromDSN("bogus://x", StoreOptions{}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := BuildStoreFromDSN("   ", StoreOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank DSN, got %v", err)
	}
}

func TestRegisterStoreFactoryTakesPrecedence(t *testing.T) {
	marker := NewMemoryStore(StoreOptions{})
	RegisterStoreFactory("teststore", func(dsn string, options StoreOptions) (Store, error) {
		return marker, nil
	})

	store, err := BuildStoreFromDSN("teststore://anything", StoreOptions{})
	if err != nil {
		t.Fatalf("registered factory failed: %v", err)
	}
	if store != Store(marker) {
		t.Fatalf("expected registered factory to be used")
	}
}
