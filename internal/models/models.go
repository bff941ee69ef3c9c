package models

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the canonical representation of one logical AI call.
// It is constructed per inbound request and never mutated afterwards; the
// adapters copy the message slice before touching it.
type CompletionRequest struct {
	UserID      string
	Messages    []Message
	Provider    string
	Model       string
	Temperature float64
	Stream      bool
	Image       []byte // optional encoded image payload (PNG/JPEG bytes)
}

// HasSystem reports whether any message carries the system role.
func HasSystem(messages []Message) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}
