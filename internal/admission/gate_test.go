package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SebastienMelki/streamweaver/internal/store"
)

// fakeStore scripts store responses for gate tests.
type fakeStore struct {
	store.Store

	reserve      []store.Reservation
	reserveErr   error
	reserveCalls int

	committed    bool
	committedErr error

	released    bool
	releaseErr  error
	releaseSeen []string
}

func (f *fakeStore) TryReserve(_ context.Context, _ string) (store.Reservation, error) {
	if f.reserveErr != nil {
		return store.Reservation{}, f.reserveErr
	}
	res := f.reserve[min(f.reserveCalls, len(f.reserve)-1)]
	f.reserveCalls++
	return res, nil
}

func (f *fakeStore) IsCommitted(_ context.Context, _ string) (bool, error) {
	return f.committed, f.committedErr
}

func (f *fakeStore) ReleaseStuck(_ context.Context, id string, _ time.Time) (bool, error) {
	f.releaseSeen = append(f.releaseSeen, id)
	return f.released, f.releaseErr
}

func newTestGate(t *testing.T, st store.Store) *Gate {
	t.Helper()
	return NewGate(st, DefaultConfig(), nil, nil)
}

func TestGate_ReservedMapsToAdmitted(t *testing.T) {
	st := &fakeStore{reserve: []store.Reservation{{Result: store.Reserved}}}
	g := newTestGate(t, st)

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Admitted {
		t.Errorf("Admit() = %v, want Admitted", decision)
	}
}

func TestGate_CommittedMapsToDuplicate(t *testing.T) {
	st := &fakeStore{reserve: []store.Reservation{{Result: store.AlreadyCommitted}}}
	g := newTestGate(t, st)

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Duplicate {
		t.Errorf("Admit() = %v, want Duplicate", decision)
	}
}

func TestGate_InFlightMapsToDeferred(t *testing.T) {
	st := &fakeStore{reserve: []store.Reservation{{
		Result:       store.AlreadyReserved,
		PendingSince: time.Now(),
	}}}
	g := newTestGate(t, st)

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Deferred {
		t.Errorf("Admit() = %v, want Deferred (never a permanent duplicate)", decision)
	}
	if len(st.releaseSeen) != 0 {
		t.Errorf("Admit() released a fresh reservation, want none")
	}
}

func TestGate_StuckReservationRecovered(t *testing.T) {
	st := &fakeStore{
		reserve: []store.Reservation{
			{Result: store.AlreadyReserved, PendingSince: time.Now().Add(-time.Minute)},
			{Result: store.Reserved},
		},
		released: true,
	}
	g := newTestGate(t, st)

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Admitted {
		t.Errorf("Admit() after stuck recovery = %v, want Admitted", decision)
	}
	if len(st.releaseSeen) != 1 {
		t.Errorf("ReleaseStuck called %d times, want 1", len(st.releaseSeen))
	}
}

func TestGate_StuckRecoveryLostRace(t *testing.T) {
	// The apparent owner resolved the record between our age check and
	// the conditional release: defer, do not admit.
	st := &fakeStore{
		reserve: []store.Reservation{
			{Result: store.AlreadyReserved, PendingSince: time.Now().Add(-time.Minute)},
		},
		released: false,
	}
	g := newTestGate(t, st)

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Deferred {
		t.Errorf("Admit() after lost recovery race = %v, want Deferred", decision)
	}
}

func TestGate_StoreErrorFailsClosed(t *testing.T) {
	st := &fakeStore{reserveErr: store.ErrStoreUnavailable}
	g := newTestGate(t, st)

	_, err := g.Admit(context.Background(), "msg-1")
	if err == nil {
		t.Fatal("Admit() error = nil for unavailable store, want error")
	}
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Admit() error = %v, want wrapped ErrStoreUnavailable", err)
	}
}

func TestGate_FilterFastPathConfirmsAgainstStore(t *testing.T) {
	// A filter hit alone must never produce Duplicate: the store is the
	// source of truth, the filter only saves reads.
	st := &fakeStore{
		reserve:   []store.Reservation{{Result: store.Reserved}},
		committed: false,
	}
	g := newTestGate(t, st)
	g.filter.Add("msg-1") // simulate a false positive

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Admitted {
		t.Errorf("Admit() with filter false positive = %v, want Admitted", decision)
	}
}

func TestGate_FilterFastPathSkipsReserveForCommitted(t *testing.T) {
	st := &fakeStore{committed: true}
	g := newTestGate(t, st)
	g.NoteCommitted("msg-1")

	decision, err := g.Admit(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Duplicate {
		t.Errorf("Admit() = %v, want Duplicate", decision)
	}
	if st.reserveCalls != 0 {
		t.Errorf("TryReserve called %d times on fast path, want 0", st.reserveCalls)
	}
}

func TestGate_MemoryStoreEndToEnd(t *testing.T) {
	ms := store.NewMemoryStore()
	g := newTestGate(t, ms)
	ctx := context.Background()

	decision, err := g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Admitted {
		t.Fatalf("first Admit() = %v, want Admitted", decision)
	}

	// Concurrent attempt while the first holds the reservation.
	decision, err = g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Deferred {
		t.Errorf("Admit() while in flight = %v, want Deferred", decision)
	}

	if err := ms.Commit(ctx, "msg-1"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	decision, err = g.Admit(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if decision != Duplicate {
		t.Errorf("Admit() after commit = %v, want Duplicate", decision)
	}
}

func TestGate_StartStop(t *testing.T) {
	g := newTestGate(t, store.NewMemoryStore())
	g.Start(context.Background())
	g.Stop()
}
