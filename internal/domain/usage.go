package domain

// Tier selects which configured model serves unforced calls.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// NoCompletedRow is the cursor value before any batch row was processed.
const NoCompletedRow = -1

// ModelTier pairs a model id with its daily token budget.
type ModelTier struct {
	Model  string
	Budget int64
}

// UsageState is the persisted token accounting for one calendar day.
type UsageState struct {
	ActiveTier       Tier             `json:"current_active_model"`
	Date             string           `json:"date"`
	UsageByModel     map[string]int64 `json:"usage_by_model"`
	LastCompletedRow int              `json:"last_completed_row"`

	// Version is the optimistic-concurrency token of the stored record.
	// Zero means the state has never been persisted.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the state.
func (s UsageState) Clone() UsageState {
	out := s
	out.UsageByModel = make(map[string]int64, len(s.UsageByModel))
	for k, v := range s.UsageByModel {
		out.UsageByModel[k] = v
	}
	return out
}

// Used returns the tokens consumed by model today.
func (s UsageState) Used(model string) int64 {
	return s.UsageByModel[model]
}
