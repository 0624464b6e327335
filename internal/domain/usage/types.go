package usage

import "time"

// Topic is the event-bus topic finished exchanges are published on.
const Topic = "chat.exchange.finished"

// Mode is the delivery mode of an exchange.
type Mode string

const (
	ModeBuffered Mode = "buffered"
	ModeStream   Mode = "stream"
)

// Outcome represents how an exchange ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	// OutcomeAbandoned marks a stream cancelled with the caller before it finished.
	OutcomeAbandoned Outcome = "abandoned"
)

// ExchangeRecord is one ledger row. It carries metadata only, never message content.
// Immutable once recorded.
type ExchangeRecord struct {
	ID               string    `json:"id"`
	CompletionID     string    `json:"completion_id,omitempty"`
	ConversationID   string    `json:"conversation_id"`
	Identity         string    `json:"identity"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Mode             Mode      `json:"mode"`
	Outcome          Outcome   `json:"outcome"`
	ErrorCode        string    `json:"error_code,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}
