package trace

import (
	"sync"
	"time"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/protocol"
)

// TraceEvent 一次echo断点命中
type TraceEvent struct {
	ThreadID  int
	Address   breakpoint.Address
	Registers []protocol.RegisterValue
	Time      time.Time
}

// EventTrace 一次trace记录的所有命中事件
type EventTrace struct {
	Name string

	lock   sync.RWMutex
	events []TraceEvent
}

func NewEventTrace(name string) *EventTrace {
	return &EventTrace{Name: name}
}

func (t *EventTrace) addEvent(event TraceEvent) {
	defer t.lock.Unlock()
	t.lock.Lock()
	t.events = append(t.events, event)
}

// Events 按命中顺序返回事件
func (t *EventTrace) Events() []TraceEvent {
	defer t.lock.RUnlock()
	t.lock.RLock()
	answer := make([]TraceEvent, len(t.events))
	copy(answer, t.events)
	return answer
}

func (t *EventTrace) Len() int {
	defer t.lock.RUnlock()
	t.lock.RLock()
	return len(t.events)
}
