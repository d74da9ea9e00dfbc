package domain

// Reason explains why a message was rejected.
type Reason string

const (
	ReasonLengthLimit    Reason = "length_limit"
	ReasonEmptyMessage   Reason = "empty_message"
	ReasonBlockedContent Reason = "blocked_content"
	ReasonOffTopic       Reason = "off_topic"
	ReasonRateLimit      Reason = "rate_limit"
)

// Decision is the outcome of validating one inbound message.
type Decision struct {
	Valid    bool
	Reason   Reason
	Category string
	// Message is the user-facing explanation shown when Valid is false.
	Message string
	// Cleaned is the sanitized text forwarded downstream when Valid is true.
	Cleaned string
}
