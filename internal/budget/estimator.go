package budget

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingName       = "cl100k_base"
	perMessageOverhead = 4
	replyPriming       = 2
)

// TiktokenEstimator counts tokens with the cl100k_base encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("budget: load %s encoding: %w", encodingName, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Count implements Estimator.
func (e *TiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// HeuristicEstimator approximates four characters per token. It is used when
// no encoding is available.
type HeuristicEstimator struct{}

// Count implements Estimator.
func (HeuristicEstimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimateMessages returns the chat-format cost of the given messages.
func EstimateMessages(e Estimator, messages ...string) int {
	total := replyPriming
	for _, m := range messages {
		total += e.Count(m) + perMessageOverhead
	}
	return total
}
