package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// EventType names the SSE event types this bridge emits.
const EventType = "message"

// EventFramer assigns monotone, per-process event ids to outgoing SSE events, per the
// Transport Codec's SSE framing contract (§4.1): event ids are monotone per process,
// not per stream, so a reconnecting client's Last-Event-Id is always meaningful. One
// EventFramer is shared by every SSE sink and one-shot SSE response in the process, so
// ids keep increasing across connections instead of restarting at 1 for each one.
//
// Safe for concurrent use: the counter is an atomic, since multiple SSE writer
// goroutines (one per attached stream) share the same EventFramer.
type EventFramer struct {
	next atomic.Int64
}

// Frame marshals msg and wraps it in an sse.Message with the next monotone event id.
func (f *EventFramer) Frame(msg Message) (*sse.Message, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal sse payload: %w", err)
	}

	id := f.next.Add(1)
	sseMsg := &sse.Message{
		Type: sse.Type(EventType),
		ID:   sse.ID(strconv.FormatInt(id, 10)),
	}
	sseMsg.AppendData(string(bs))
	return sseMsg, nil
}

// MaxEventSize is the soft cap on a single SSE event's payload (§5 Resource caps):
// exceeding it is logged as a warning but the event is still written.
const MaxEventSize = 64 * 1024
