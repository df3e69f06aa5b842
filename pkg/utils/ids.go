package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

// GenMsgID generates a locally unique message ID from the current UTC
// nanosecond timestamp and an atomic sequence number. The ID is assigned
// once at submit and stays stable across retries.
func GenMsgID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}

// GenActionID generates a unique queued-action ID in the same format.
func GenActionID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("act-%d-%d", n, s)
}
