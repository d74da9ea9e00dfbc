package domain

// Role identifies the author of a turn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered chat transcript keyed by session id.
type Conversation struct {
	ID    string
	Turns []Turn
}

// Append returns a copy of the conversation with the exchange appended.
// Existing turns are never modified.
func (c Conversation) Append(question, answer string) Conversation {
	turns := make([]Turn, 0, len(c.Turns)+2)
	turns = append(turns, c.Turns...)
	turns = append(turns,
		Turn{Role: RoleHuman, Content: question},
		Turn{Role: RoleAssistant, Content: answer},
	)
	return Conversation{ID: c.ID, Turns: turns}
}

// Tail returns at most the last n turns.
func (c Conversation) Tail(n int) []Turn {
	if n <= 0 || len(c.Turns) == 0 {
		return []Turn{}
	}
	if n > len(c.Turns) {
		n = len(c.Turns)
	}
	out := make([]Turn, n)
	copy(out, c.Turns[len(c.Turns)-n:])
	return out
}
