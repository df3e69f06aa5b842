package models

// SendPayload is the wire body of a send_message action. MessageID is the
// client-assigned ID the server echoes back so receipts can be correlated
// even when the original request's response was lost.
type SendPayload struct {
	MessageID string            `json:"message_id"`
	Content   string            `json:"content"`
	Kind      MessageKind       `json:"kind"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ReadPayload is the wire body of a mark_read action: everything up to and
// including ServerID is considered read.
type ReadPayload struct {
	ServerID string `json:"server_id"`
}
