package models

// ConnectivityState is the single connectivity snapshot published by the
// monitor. ChannelLive implies NetworkReachable; the reverse does not hold
// (the persistent channel can be down while HTTP still works).
type ConnectivityState struct {
	NetworkReachable bool  `json:"network_reachable"`
	ChannelLive      bool  `json:"channel_live"`
	LastCheckedTS    int64 `json:"last_checked_ts"`
}

// Offline reports whether no transport at all is available.
func (s ConnectivityState) Offline() bool { return !s.NetworkReachable }
