package budget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"restaurant-rag/internal/domain"
)

const (
	dateLayout          = "2006-01-02"
	defaultCallTimeout  = 45 * time.Second
	maxConflictAttempts = 5
)

// Completer issues a single chat completion against an explicit model.
type Completer interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (domain.Completion, error)
}

// Store persists the usage state. Save must be a conditional write: it succeeds
// only when the stored version still equals state.Version and returns
// domain.ErrVersionConflict otherwise. A missing record loads as the zero state.
type Store interface {
	Load(ctx context.Context) (domain.UsageState, error)
	Save(ctx context.Context, state domain.UsageState) error
}

// Estimator counts tokens for providers that do not report usage.
type Estimator interface {
	Count(text string) int
}

// Config holds the tier budgets and call bounds.
type Config struct {
	Primary     domain.ModelTier
	Fallback    domain.ModelTier
	CallTimeout time.Duration
	// Location decides where the day boundary falls. Defaults to UTC.
	Location *time.Location
}

// Tracker selects a model per call against a daily token budget and records
// what each call consumed.
//
// Budget policy: the switch to the fallback tier is evaluated before a call
// is issued, against usage that includes the estimated cost of calls still in
// flight. A call that starts under budget runs on the primary model and is
// charged in full even if it crosses the limit; the next unforced call is the
// first one served by the fallback model.
type Tracker struct {
	store     Store
	llm       Completer
	estimator Estimator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes read-modify-write cycles within this process. Cross-process
	// safety comes from the store's conditional writes.
	mu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithEstimator overrides the token estimator.
func WithEstimator(e Estimator) Option {
	return func(t *Tracker) { t.estimator = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a Tracker.
func New(store Store, llm Completer, cfg Config, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("budget: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("budget: completer must not be nil")
	}
	if strings.TrimSpace(cfg.Primary.Model) == "" || strings.TrimSpace(cfg.Fallback.Model) == "" {
		return nil, errors.New("budget: primary and fallback models are required")
	}
	if cfg.Primary.Model == cfg.Fallback.Model {
		return nil, errors.New("budget: primary and fallback models must differ")
	}
	if cfg.Primary.Budget <= 0 || cfg.Fallback.Budget <= 0 {
		return nil, errors.New("budget: budgets must be positive")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	t := &Tracker{
		store:     store,
		llm:       llm,
		estimator: HeuristicEstimator{},
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Primary returns the premium tier.
func (t *Tracker) Primary() domain.ModelTier { return t.cfg.Primary }

// Fallback returns the cheaper tier.
func (t *Tracker) Fallback() domain.ModelTier { return t.cfg.Fallback }

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	forceModel string
}

// ForceModel bypasses tier selection and runs the call on model.
func ForceModel(model string) CallOption {
	return func(o *callOptions) { o.forceModel = strings.TrimSpace(model) }
}

// Summary returns today's usage state, initializing and persisting a fresh
// state when none exists or the stored day is over.
func (t *Tracker) Summary(ctx context.Context) (domain.UsageState, error) {
	var out domain.UsageState
	err := t.update(ctx, func(st *domain.UsageState) (bool, error) {
		changed := t.rollover(st)
		out = st.Clone()
		return changed, nil
	})
	if err != nil {
		return domain.UsageState{}, err
	}
	return out, nil
}

// Call runs one completion and charges its token cost to the model that served
// it. It returns ErrBudgetExhausted when no model may serve the call and wraps
// provider failures in ErrModelCall.
func (t *Tracker) Call(ctx context.Context, systemPrompt, userPrompt string, opts ...CallOption) (string, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := t.reserve(ctx, o.forceModel, int64(EstimateMessages(t.estimator, systemPrompt, userPrompt)))
	if err != nil {
		return "", err
	}
	// Settlement must land even when the caller's context is already done.
	settleCtx := context.WithoutCancel(ctx)

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	out, err := t.llm.Complete(callCtx, res.model, systemPrompt, userPrompt)
	if err != nil {
		t.logger.Error("model call failed", "model", res.model, "err", err)
		if _, refundErr := t.settle(settleCtx, res, 0); refundErr != nil {
			t.logger.Error("failed to release token reservation", "model", res.model, "tokens", res.tokens, "err", refundErr)
		}
		return "", fmt.Errorf("%w: model %s: %w", ErrModelCall, res.model, err)
	}

	cost := int64(out.TotalTokens)
	if cost <= 0 {
		cost = int64(EstimateMessages(t.estimator, systemPrompt, userPrompt, out.Text))
	}
	total, err := t.settle(settleCtx, res, cost)
	if err != nil {
		return "", err
	}
	t.logger.Info("model call completed", "model", res.model, "tokens", cost, "total", total)
	return out.Text, nil
}

// SetLastCompletedRow persists the batch cursor.
func (t *Tracker) SetLastCompletedRow(ctx context.Context, row int) error {
	return t.update(ctx, func(st *domain.UsageState) (bool, error) {
		t.rollover(st)
		st.LastCompletedRow = row
		return true, nil
	})
}

// LastCompletedRow returns the batch cursor, or domain.NoCompletedRow.
func (t *Tracker) LastCompletedRow(ctx context.Context) (int, error) {
	st, err := t.Summary(ctx)
	if err != nil {
		return domain.NoCompletedRow, err
	}
	return st.LastCompletedRow, nil
}

// reservation is the estimated cost charged to a model before its call runs.
type reservation struct {
	model  string
	tokens int64
	date   string
}

// reserve picks the model for the next call, switching tiers durably when the
// primary budget is spent, and charges estimate to it in the same write.
// In-flight reservations count toward the budget, so concurrent callers cannot
// all see the primary tier as available.
func (t *Tracker) reserve(ctx context.Context, forced string, estimate int64) (reservation, error) {
	var res reservation
	err := t.update(ctx, func(st *domain.UsageState) (bool, error) {
		changed := t.rollover(st)

		model := forced
		if forced != "" {
			if limit, ok := t.budgetFor(forced); ok && st.Used(forced) >= limit {
				t.logger.Warn("forced model budget exhausted", "model", forced, "used", st.Used(forced), "budget", limit)
				return false, fmt.Errorf("%w: forced model %s", ErrBudgetExhausted, forced)
			}
		} else {
			if st.ActiveTier == domain.TierPrimary && st.Used(t.cfg.Primary.Model) >= t.cfg.Primary.Budget {
				st.ActiveTier = domain.TierFallback
				changed = true
				t.logger.Warn("primary budget exhausted, switching to fallback",
					"from", t.cfg.Primary.Model,
					"to", t.cfg.Fallback.Model,
					"used", st.Used(t.cfg.Primary.Model),
				)
			}
			if st.ActiveTier == domain.TierFallback && st.Used(t.cfg.Fallback.Model) >= t.cfg.Fallback.Budget {
				t.logger.Warn("all model budgets exhausted", "date", st.Date)
				return changed, ErrBudgetExhausted
			}
			model = t.modelFor(st.ActiveTier)
		}

		st.UsageByModel[model] += estimate
		res = reservation{model: model, tokens: estimate, date: st.Date}
		return true, nil
	})
	if err != nil {
		return reservation{}, err
	}
	return res, nil
}

// settle replaces a reservation with the actual cost; a cost of zero releases
// it. A reservation made on a previous day was already cleared by the reset,
// so only the cost is charged.
func (t *Tracker) settle(ctx context.Context, res reservation, cost int64) (int64, error) {
	var total int64
	err := t.update(ctx, func(st *domain.UsageState) (bool, error) {
		t.rollover(st)
		delta := cost
		if st.Date == res.date {
			delta -= res.tokens
		}
		st.UsageByModel[res.model] = max(st.UsageByModel[res.model]+delta, 0)
		total = st.UsageByModel[res.model]
		return true, nil
	})
	return total, err
}

// update runs fn against the freshest stored state and persists it when fn
// reports a change. Lost conditional writes are retried from a fresh load.
// When fn fails the state is persisted only if it already changed.
func (t *Tracker) update(ctx context.Context, fn func(st *domain.UsageState) (bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 1; ; attempt++ {
		st, err := t.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("budget: load usage state: %w", err)
		}
		if st.UsageByModel == nil {
			st.UsageByModel = map[string]int64{}
		}

		changed, fnErr := fn(&st)
		if !changed {
			return fnErr
		}

		err = t.store.Save(ctx, st)
		if err == nil {
			return fnErr
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= maxConflictAttempts {
			return fmt.Errorf("budget: save usage state: %w", err)
		}
		t.logger.Debug("usage state write conflict, retrying", "attempt", attempt)
	}
}

// rollover resets the counters when the stored day differs from today. The
// batch cursor is kept. It reports whether the state changed.
func (t *Tracker) rollover(st *domain.UsageState) bool {
	today := t.now().In(t.cfg.Location).Format(dateLayout)
	if st.Date == today {
		if st.ActiveTier == "" {
			st.ActiveTier = domain.TierPrimary
			return true
		}
		return false
	}
	if st.Date != "" {
		t.logger.Info("new day detected, resetting token usage", "previous", st.Date, "today", today)
	}
	if st.Version == 0 && st.Date == "" {
		st.LastCompletedRow = domain.NoCompletedRow
	}
	st.Date = today
	st.ActiveTier = domain.TierPrimary
	st.UsageByModel = map[string]int64{}
	return true
}

func (t *Tracker) modelFor(tier domain.Tier) string {
	if tier == domain.TierFallback {
		return t.cfg.Fallback.Model
	}
	return t.cfg.Primary.Model
}

func (t *Tracker) budgetFor(model string) (int64, bool) {
	switch model {
	case t.cfg.Primary.Model:
		return t.cfg.Primary.Budget, true
	case t.cfg.Fallback.Model:
		return t.cfg.Fallback.Budget, true
	}
	return 0, false
}
