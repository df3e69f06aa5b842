package models

// Conversation is the metadata the cache keeps per group chat. The server
// owns membership; the client records only what the UI needs between
// history fetches.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Participants are opaque identity ids (the server manages meaning).
	Participants []string `json:"participants,omitempty"`
	CreatedTS    int64    `json:"created_ts,omitempty"`
	UpdatedTS    int64    `json:"updated_ts,omitempty"`
	// LastReadTS is the newest read-receipt timestamp (ns) observed locally.
	LastReadTS int64 `json:"last_read_ts,omitempty"`
}
