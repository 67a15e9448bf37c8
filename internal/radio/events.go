package radio

import (
	"fmt"
	"sync/atomic"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// EventKind identifies a transceiver interrupt
type EventKind uint8

const (
	EventCADDone EventKind = iota + 1
	EventCADDetected
	EventValidHeader
	EventRxDone
	EventRxTimeout
	EventTxDone
	EventTxFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCADDone:
		return "CAD_DONE"
	case EventCADDetected:
		return "CAD_DETECTED"
	case EventValidHeader:
		return "VALID_HEADER"
	case EventRxDone:
		return "RX_DONE"
	case EventRxTimeout:
		return "RX_TIMEOUT"
	case EventTxDone:
		return "TX_DONE"
	case EventTxFailed:
		return "TX_FAILED"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is the minimal record an interrupt handler leaves for the control loop
type Event struct {
	Kind EventKind
	At   lorawan.Timestamp
}

// EventQueue carries interrupts from the driver to the control loop. Signal
// never blocks so it is safe to call from interrupt context; the control
// loop is the only consumer.
type EventQueue struct {
	ch       chan Event
	overflow atomic.Uint64
}

// NewEventQueue creates a queue holding up to size pending events
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 32
	}
	return &EventQueue{ch: make(chan Event, size)}
}

// Signal enqueues an event. It reports false when the queue was full and
// the event was lost.
func (q *EventQueue) Signal(kind EventKind, at lorawan.Timestamp) bool {
	select {
	case q.ch <- Event{Kind: kind, At: at}:
		return true
	default:
		q.overflow.Add(1)
		return false
	}
}

// C returns the receive side of the queue
func (q *EventQueue) C() <-chan Event {
	return q.ch
}

// TakeOverflow returns and clears the number of events lost since last call
func (q *EventQueue) TakeOverflow() uint64 {
	return q.overflow.Swap(0)
}
