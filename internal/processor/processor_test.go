package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SebastienMelki/streamweaver/internal/admission"
	"github.com/SebastienMelki/streamweaver/internal/message"
	"github.com/SebastienMelki/streamweaver/internal/store"
)

func newTestProcessor(t *testing.T, st store.Store, exec EffectExecutor, cfg Config) *Processor {
	t.Helper()
	gate := admission.NewGate(st, admission.DefaultConfig(), nil, nil)
	return New(gate, st, exec, cfg, nil, nil)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.EffectTimeout = time.Second
	return cfg
}

func testMessage(id string) *message.Message {
	return &message.Message{
		ID:          id,
		Payload:     []byte("payload-" + id),
		TimestampMS: time.Now().UnixMilli(),
	}
}

func TestProcessor_MixedStreamSkipsDuplicates(t *testing.T) {
	var executed []string
	exec := EffectFunc(func(_ context.Context, msg *message.Message) error {
		executed = append(executed, msg.ID)
		return nil
	})
	p := newTestProcessor(t, store.NewMemoryStore(), exec, fastConfig())

	ids := []string{"A1", "B2", "A1", "C3", "B2", "D4"}
	want := []Result{Processed, Processed, SkippedDuplicate, Processed, SkippedDuplicate, Processed}

	for i, id := range ids {
		outcome := p.ProcessMessage(context.Background(), testMessage(id))
		if outcome.Result != want[i] {
			t.Errorf("ProcessMessage(%q) #%d = %v, want %v", id, i, outcome.Result, want[i])
		}
	}

	wantExecuted := []string{"A1", "B2", "C3", "D4"}
	if len(executed) != len(wantExecuted) {
		t.Fatalf("effect executed for %v, want %v", executed, wantExecuted)
	}
	for i, id := range wantExecuted {
		if executed[i] != id {
			t.Errorf("executed[%d] = %q, want %q", i, executed[i], id)
		}
	}
}

func TestProcessor_EffectFailureRollsBackAndReadmits(t *testing.T) {
	var calls atomic.Int64
	exec := EffectFunc(func(_ context.Context, _ *message.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	p := newTestProcessor(t, store.NewMemoryStore(), exec, fastConfig())

	outcome := p.ProcessMessage(context.Background(), testMessage("msg-1"))
	if outcome.Result != Failed {
		t.Fatalf("first attempt Result = %v, want Failed", outcome.Result)
	}
	if outcome.Reason != ReasonEffectFailed {
		t.Errorf("first attempt Reason = %v, want ReasonEffectFailed", outcome.Reason)
	}

	// Redelivery of the exact same message must be admitted and processed.
	outcome = p.ProcessMessage(context.Background(), testMessage("msg-1"))
	if outcome.Result != Processed {
		t.Errorf("redelivery Result = %v, want Processed", outcome.Result)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("effect executed %d times, want 2", got)
	}
}

// failingStore wraps a working store and fails TryReserve until healed.
type failingStore struct {
	store.Store
	healthy atomic.Bool
}

func (f *failingStore) TryReserve(ctx context.Context, id string) (store.Reservation, error) {
	if !f.healthy.Load() {
		return store.Reservation{}, store.ErrStoreUnavailable
	}
	return f.Store.TryReserve(ctx, id)
}

func TestProcessor_StoreUnavailableFailsClosed(t *testing.T) {
	var calls atomic.Int64
	exec := EffectFunc(func(_ context.Context, _ *message.Message) error {
		calls.Add(1)
		return nil
	})
	fs := &failingStore{Store: store.NewMemoryStore()}
	p := newTestProcessor(t, fs, exec, fastConfig())

	outcome := p.ProcessMessage(context.Background(), testMessage("msg-1"))
	if outcome.Result != Failed {
		t.Fatalf("Result = %v, want Failed", outcome.Result)
	}
	if outcome.Reason != ReasonStoreUnavailable {
		t.Errorf("Reason = %v, want ReasonStoreUnavailable", outcome.Reason)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("effect executed %d times while store down, want 0", got)
	}

	// Once the store recovers the same message goes through normally.
	fs.healthy.Store(true)
	outcome = p.ProcessMessage(context.Background(), testMessage("msg-1"))
	if outcome.Result != Processed {
		t.Errorf("Result after recovery = %v, want Processed", outcome.Result)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("effect executed %d times after recovery, want 1", got)
	}
}

func TestProcessor_ConcurrentSameIDSingleEffect(t *testing.T) {
	const workers = 20

	var calls atomic.Int64
	exec := EffectFunc(func(_ context.Context, _ *message.Message) error {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	p := newTestProcessor(t, store.NewMemoryStore(), exec, fastConfig())

	var wg sync.WaitGroup
	outcomes := make([]Outcome, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = p.ProcessMessage(context.Background(), testMessage("msg-1"))
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("effect executed %d times for one id, want exactly 1", got)
	}

	var processed, skipped int
	for _, o := range outcomes {
		switch o.Result {
		case Processed:
			processed++
		case SkippedDuplicate:
			skipped++
		case Failed:
			// Deferred retries may exhaust while the winner holds the
			// reservation; that is a safe failure, never a second effect.
			if o.Reason != ReasonContentionExhausted {
				t.Errorf("Failed outcome reason = %v, want ReasonContentionExhausted", o.Reason)
			}
		}
	}
	if processed != 1 {
		t.Errorf("processed count = %d, want 1", processed)
	}
	if processed+skipped == 0 {
		t.Error("no outcome observed the committed message")
	}
}

func TestProcessor_DeferredExhaustionFailsSafe(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Another live attempt holds the identifier for the whole test.
	if _, err := st.TryReserve(ctx, "msg-1"); err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}

	exec := EffectFunc(func(_ context.Context, _ *message.Message) error {
		t.Error("effect must not run while identifier is held elsewhere")
		return nil
	})
	cfg := fastConfig()
	cfg.MaxAdmitAttempts = 3
	p := newTestProcessor(t, st, exec, cfg)

	outcome := p.ProcessMessage(ctx, testMessage("msg-1"))
	if outcome.Result != Failed {
		t.Fatalf("Result = %v, want Failed", outcome.Result)
	}
	if outcome.Reason != ReasonContentionExhausted {
		t.Errorf("Reason = %v, want ReasonContentionExhausted", outcome.Reason)
	}
}

func TestProcessor_EffectTimeoutRollsBack(t *testing.T) {
	release := make(chan struct{})
	exec := EffectFunc(func(ctx context.Context, _ *message.Message) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})
	cfg := fastConfig()
	cfg.EffectTimeout = 20 * time.Millisecond
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st, exec, cfg)

	outcome := p.ProcessMessage(context.Background(), testMessage("msg-1"))
	close(release)
	if outcome.Result != Failed {
		t.Fatalf("Result = %v, want Failed", outcome.Result)
	}
	if outcome.Reason != ReasonEffectFailed {
		t.Errorf("Reason = %v, want ReasonEffectFailed", outcome.Reason)
	}

	// The rollback must leave the identifier admittable.
	res, err := st.TryReserve(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if res.Result != store.Reserved {
		t.Errorf("TryReserve() after timeout rollback = %v, want Reserved", res.Result)
	}
}

func TestProcessor_CancellationResolvesReservation(t *testing.T) {
	started := make(chan struct{})
	exec := EffectFunc(func(ctx context.Context, _ *message.Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	st := store.NewMemoryStore()
	p := newTestProcessor(t, st, exec, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	outcome := p.ProcessMessage(ctx, testMessage("msg-1"))
	if outcome.Result != Failed {
		t.Fatalf("Result = %v, want Failed", outcome.Result)
	}

	// Despite the cancelled caller context the rollback went through on a
	// detached context, so the identifier is immediately admittable.
	res, err := st.TryReserve(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if res.Result != store.Reserved {
		t.Errorf("TryReserve() after cancellation = %v, want Reserved", res.Result)
	}
}

func TestProcessor_DistinctIDsProcessConcurrently(t *testing.T) {
	const n = 50

	var calls atomic.Int64
	exec := EffectFunc(func(_ context.Context, _ *message.Message) error {
		calls.Add(1)
		return nil
	})
	p := newTestProcessor(t, store.NewMemoryStore(), exec, fastConfig())

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := p.ProcessMessage(context.Background(), testMessage(fmt.Sprintf("msg-%d", i)))
			if outcome.Result != Processed {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := failures.Load(); got != 0 {
		t.Errorf("%d of %d distinct messages did not process", got, n)
	}
	if got := calls.Load(); got != n {
		t.Errorf("effect executed %d times, want %d", got, n)
	}
}
