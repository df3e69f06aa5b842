package models

// ActionKind identifies the side effect a queued action performs when
// replayed. Typing indicators are ephemeral and are never queued; the
// constant exists so the transport layer can recognize and drop them.
type ActionKind string

const (
	ActionSendMessage ActionKind = "send_message"
	ActionMarkRead    ActionKind = "mark_read"
	ActionTyping      ActionKind = "typing"
)

// Durable reports whether actions of this kind survive offline periods in
// the durable queue.
func (k ActionKind) Durable() bool { return k != ActionTyping }

// QueuedAction is one pending side-effecting action captured while no
// transport was available. Payload is opaque to the queue; Seq is assigned
// at enqueue and orders replay within a conversation.
type QueuedAction struct {
	ID           string     `json:"id"`
	Kind         ActionKind `json:"kind"`
	Conversation string     `json:"conversation"`
	Payload      []byte     `json:"payload,omitempty"`
	CreatedTS    int64      `json:"created_ts"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	Seq          uint64     `json:"seq"`
}
