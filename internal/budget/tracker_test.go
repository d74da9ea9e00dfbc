package budget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"restaurant-rag/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	state     domain.UsageState
	stored    bool
	conflicts int
	saves     int
	loadErr   error
	saveErr   error
}

func (m *memStore) Load(_ context.Context) (domain.UsageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.UsageState{}, m.loadErr
	}
	if !m.stored {
		return domain.UsageState{}, nil
	}
	return m.state.Clone(), nil
}

func (m *memStore) Save(_ context.Context, st domain.UsageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return domain.ErrVersionConflict
	}
	if st.Version != m.state.Version {
		return domain.ErrVersionConflict
	}
	st = st.Clone()
	st.Version++
	m.state = st
	m.stored = true
	m.saves++
	return nil
}

type call struct {
	model  string
	system string
	user   string
}

type fakeCompleter struct {
	mu     sync.Mutex
	tokens int
	text   string
	err    error
	block  bool
	gate   chan struct{}
	calls  []call
}

func (f *fakeCompleter) Complete(ctx context.Context, model, system, user string) (domain.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{model: model, system: system, user: user})
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.block {
		<-ctx.Done()
		return domain.Completion{}, ctx.Err()
	}
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	return domain.Completion{Text: f.text, TotalTokens: f.tokens}, nil
}

func (f *fakeCompleter) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.model
	}
	return out
}

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Primary:  domain.ModelTier{Model: "gpt-4o", Budget: 100},
		Fallback: domain.ModelTier{Model: "gpt-4o-mini", Budget: 1000},
	}
}

func newTestTracker(t *testing.T, store Store, llm Completer) *Tracker {
	t.Helper()
	tr, err := New(store, llm, testConfig(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return tr
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(nil, &fakeCompleter{}, testConfig())
	require.Error(t, err)

	_, err = New(&memStore{}, nil, testConfig())
	require.Error(t, err)

	cfg := testConfig()
	cfg.Fallback.Model = cfg.Primary.Model
	_, err = New(&memStore{}, &fakeCompleter{}, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Primary.Budget = 0
	_, err = New(&memStore{}, &fakeCompleter{}, cfg)
	require.Error(t, err)
}

func TestSummary_InitializesFreshState(t *testing.T) {
	store := &memStore{}
	tr := newTestTracker(t, store, &fakeCompleter{})

	st, err := tr.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.TierPrimary, st.ActiveTier)
	require.Equal(t, "2026-03-14", st.Date)
	require.Empty(t, st.UsageByModel)
	require.Equal(t, domain.NoCompletedRow, st.LastCompletedRow)
	require.True(t, store.stored)
}

func TestCall_SwitchTakesEffectOnCallAfterCrossing(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 40, text: "ok"}
	tr := newTestTracker(t, store, llm)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := tr.Call(ctx, "sys", "user")
		require.NoError(t, err)
	}
	st, err := tr.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(80), st.Used("gpt-4o"))
	require.Equal(t, domain.TierPrimary, st.ActiveTier)

	// Call 3 starts at 80 < 100 so it still runs on primary and is charged in full.
	_, err = tr.Call(ctx, "sys", "user")
	require.NoError(t, err)
	st, err = tr.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), st.Used("gpt-4o"))
	require.Equal(t, domain.TierPrimary, st.ActiveTier)

	_, err = tr.Call(ctx, "sys", "user")
	require.NoError(t, err)
	st, err = tr.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.TierFallback, st.ActiveTier)
	require.Equal(t, int64(40), st.Used("gpt-4o-mini"))
	require.Equal(t, []string{"gpt-4o", "gpt-4o", "gpt-4o", "gpt-4o-mini"}, llm.models())
}

func TestCall_OneBelowBudgetStaysPrimary(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 99}
	tr := newTestTracker(t, store, llm)
	ctx := context.Background()

	_, err := tr.Call(ctx, "sys", "user")
	require.NoError(t, err)

	llm.tokens = 1
	_, err = tr.Call(ctx, "sys", "user")
	require.NoError(t, err)
	require.Equal(t, []string{"gpt-4o", "gpt-4o"}, llm.models())

	_, err = tr.Call(ctx, "sys", "user")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", llm.models()[2])
}

func TestCall_SwitchSurvivesRestart(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 150}
	tr := newTestTracker(t, store, llm)
	ctx := context.Background()

	_, err := tr.Call(ctx, "sys", "user")
	require.NoError(t, err)
	_, err = tr.Call(ctx, "sys", "user")
	require.NoError(t, err)

	restarted := newTestTracker(t, store, llm)
	st, err := restarted.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.TierFallback, st.ActiveTier)

	_, err = restarted.Call(ctx, "sys", "user")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", llm.models()[2])
}

func TestCall_DailyResetBeforeCall(t *testing.T) {
	store := &memStore{stored: true, state: domain.UsageState{
		ActiveTier:       domain.TierFallback,
		Date:             "2026-03-13",
		UsageByModel:     map[string]int64{"gpt-4o": 500, "gpt-4o-mini": 700},
		LastCompletedRow: 42,
		Version:          3,
	}}
	llm := &fakeCompleter{tokens: 10}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "sys", "user")
	require.NoError(t, err)
	require.Equal(t, []string{"gpt-4o"}, llm.models())

	st, err := tr.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2026-03-14", st.Date)
	require.Equal(t, domain.TierPrimary, st.ActiveTier)
	require.Equal(t, map[string]int64{"gpt-4o": 10}, st.UsageByModel)
	require.Equal(t, 42, st.LastCompletedRow)
}

func TestCall_FallbackExhausted(t *testing.T) {
	store := &memStore{stored: true, state: domain.UsageState{
		ActiveTier:   domain.TierFallback,
		Date:         "2026-03-14",
		UsageByModel: map[string]int64{"gpt-4o": 100, "gpt-4o-mini": 1000},
		Version:      1,
	}}
	llm := &fakeCompleter{tokens: 10}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.NotErrorIs(t, err, ErrModelCall)
	require.Empty(t, llm.models())
}

func TestCall_PrimaryAndFallbackExhaustedPersistsSwitch(t *testing.T) {
	store := &memStore{stored: true, state: domain.UsageState{
		ActiveTier:   domain.TierPrimary,
		Date:         "2026-03-14",
		UsageByModel: map[string]int64{"gpt-4o": 100, "gpt-4o-mini": 1000},
		Version:      1,
	}}
	tr := newTestTracker(t, store, &fakeCompleter{})

	_, err := tr.Call(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Equal(t, domain.TierFallback, store.state.ActiveTier)
}

func TestCall_ForcedModelBypassesSelection(t *testing.T) {
	store := &memStore{stored: true, state: domain.UsageState{
		ActiveTier:   domain.TierFallback,
		Date:         "2026-03-14",
		UsageByModel: map[string]int64{"gpt-4o": 100, "gpt-4o-mini": 1000},
		Version:      1,
	}}
	llm := &fakeCompleter{tokens: 25, text: "translated"}
	tr := newTestTracker(t, store, llm)

	out, err := tr.Call(context.Background(), "sys", "user", ForceModel("gpt-4.1"))
	require.NoError(t, err)
	require.Equal(t, "translated", out)
	require.Equal(t, []string{"gpt-4.1"}, llm.models())
	require.Equal(t, int64(25), store.state.Used("gpt-4.1"))
	require.Equal(t, domain.TierFallback, store.state.ActiveTier)
}

func TestCall_ForcedTierModelRespectsItsBudget(t *testing.T) {
	store := &memStore{stored: true, state: domain.UsageState{
		ActiveTier:   domain.TierFallback,
		Date:         "2026-03-14",
		UsageByModel: map[string]int64{"gpt-4o": 100},
		Version:      1,
	}}
	llm := &fakeCompleter{tokens: 5}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "sys", "user", ForceModel("gpt-4o"))
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Empty(t, llm.models())
}

func TestCall_ModelErrorLeavesUsageUnchanged(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{err: errors.New("upstream 500")}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrModelCall)
	require.NotErrorIs(t, err, ErrBudgetExhausted)
	require.Equal(t, int64(0), store.state.Used("gpt-4o"))
}

func TestCall_TimeoutIsModelCallError(t *testing.T) {
	llm := &fakeCompleter{block: true}
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	tr, err := New(&memStore{}, llm, cfg)
	require.NoError(t, err)

	_, err = tr.Call(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrModelCall)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_EstimatesMissingUsage(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 0, text: "abcd"}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "abcdefgh", "abcd")
	require.NoError(t, err)
	// 2 priming + (2+4) + (1+4) + (1+4)
	require.Equal(t, int64(18), store.state.Used("gpt-4o"))
}

func TestCall_RetriesVersionConflicts(t *testing.T) {
	store := &memStore{conflicts: 2}
	llm := &fakeCompleter{tokens: 7}
	tr := newTestTracker(t, store, llm)

	_, err := tr.Call(context.Background(), "sys", "user")
	require.NoError(t, err)
	require.Equal(t, int64(7), store.state.Used("gpt-4o"))
}

func TestCall_PersistenceFailure(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	tr := newTestTracker(t, store, &fakeCompleter{tokens: 1})

	_, err := tr.Call(context.Background(), "sys", "user")
	require.Error(t, err)
	require.Contains(t, err.Error(), "save usage state")
}

func TestCall_ConcurrentCallersDoNotLoseUpdates(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 1}
	cfg := testConfig()
	cfg.Primary.Budget = 1_000_000
	tr, err := New(store, llm, cfg, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, callErr := tr.Call(context.Background(), "sys", "user")
			errs <- callErr
		}()
	}
	wg.Wait()
	close(errs)
	for callErr := range errs {
		require.NoError(t, callErr)
	}
	require.Equal(t, int64(50), store.state.Used("gpt-4o"))
}

func TestCall_InFlightReservationsCountTowardBudget(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 40, gate: make(chan struct{})}
	tr := newTestTracker(t, store, llm)

	// Heuristic estimate per call: 2 + (1+4) + (30+4) = 41 tokens, so only
	// three reservations fit under the primary budget of 100.
	user := strings.Repeat("tasting menu ", 10)[:120]

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Call(context.Background(), "sys", user)
		}()
	}
	require.Eventually(t, func() bool { return len(llm.models()) == 10 }, 2*time.Second, 5*time.Millisecond)
	close(llm.gate)
	wg.Wait()

	counts := map[string]int{}
	for _, m := range llm.models() {
		counts[m]++
	}
	require.Equal(t, map[string]int{"gpt-4o": 3, "gpt-4o-mini": 7}, counts)
	require.Equal(t, int64(120), store.state.Used("gpt-4o"))
	require.Equal(t, int64(280), store.state.Used("gpt-4o-mini"))
	require.Equal(t, domain.TierFallback, store.state.ActiveTier)
}

func TestCall_FailedCallReleasesReservation(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{err: errors.New("upstream 503"), gate: make(chan struct{})}
	tr := newTestTracker(t, store, llm)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "sys", "user")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(llm.models()) == 1 }, 2*time.Second, 5*time.Millisecond)

	st, err := tr.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), st.Used("gpt-4o"))

	close(llm.gate)
	require.ErrorIs(t, <-done, ErrModelCall)
	require.Equal(t, int64(0), store.state.Used("gpt-4o"))
}

func TestCall_ReservationFromPreviousDayIsNotRefundedToday(t *testing.T) {
	store := &memStore{}
	llm := &fakeCompleter{tokens: 30, gate: make(chan struct{})}
	now := fixedNow
	var mu sync.Mutex
	tr, err := New(store, llm, testConfig(), WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, callErr := tr.Call(context.Background(), "sys", "user")
		done <- callErr
	}()
	require.Eventually(t, func() bool { return len(llm.models()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	close(llm.gate)
	require.NoError(t, <-done)

	require.Equal(t, "2026-03-15", store.state.Date)
	require.Equal(t, int64(30), store.state.Used("gpt-4o"))
}

func TestLastCompletedRow_RoundTrip(t *testing.T) {
	store := &memStore{}
	tr := newTestTracker(t, store, &fakeCompleter{})
	ctx := context.Background()

	row, err := tr.LastCompletedRow(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.NoCompletedRow, row)

	require.NoError(t, tr.SetLastCompletedRow(ctx, 17))
	row, err = tr.LastCompletedRow(ctx)
	require.NoError(t, err)
	require.Equal(t, 17, row)
}

func TestEstimateMessages_Heuristic(t *testing.T) {
	require.Equal(t, 2, EstimateMessages(HeuristicEstimator{}))
	require.Equal(t, 2+1+4, EstimateMessages(HeuristicEstimator{}, "hey"))
}
