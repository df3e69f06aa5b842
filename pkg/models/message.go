package models

// MessageKind distinguishes user text from system and assistant-prompt
// messages inside a conversation.
type MessageKind string

const (
	KindText            MessageKind = "text"
	KindSystem          MessageKind = "system"
	KindAssistantPrompt MessageKind = "assistant_prompt"
)

// Message is the client-side view of a chat message. ID is generated locally
// when the user submits and stays stable across retries; ServerID is assigned
// once a transport delivers the message.
type Message struct {
	ID           string      `json:"id"`
	Conversation string      `json:"conversation"`
	Sender       string      `json:"sender,omitempty"`
	Content      string      `json:"content,omitempty"`
	Kind         MessageKind `json:"kind,omitempty"`
	Status       Status      `json:"status"`
	ServerID     string      `json:"server_id,omitempty"`
	// Timestamps (ns). CreatedTS is set at submit; SentTS/DeliveredTS/ReadTS
	// are filled in as the status advances.
	CreatedTS   int64 `json:"created_ts"`
	SentTS      int64 `json:"sent_ts,omitempty"`
	DeliveredTS int64 `json:"delivered_ts,omitempty"`
	ReadTS      int64 `json:"read_ts,omitempty"`
	RetryCount  int   `json:"retry_count,omitempty"`
	// Meta carries opaque metadata round-tripped with the message.
	Meta map[string]string `json:"meta,omitempty"`
}
