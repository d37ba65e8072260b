package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Registry TraceLogger使用的断点注册表，*breakpoint.Manager实现了该接口
type Registry interface {
	Add(kind constants.BreakpointKind, addresses []breakpoint.Address) (*breakpoint.Change, error)
	Remove(kind constants.BreakpointKind, addresses []breakpoint.Address) (*breakpoint.Change, error)
	Has(kind constants.BreakpointKind, address breakpoint.Address) bool
	AddListener(callback breakpoint.NotificationCallback) string
	RemoveListener(id string)
}

// FinishedCallback trace结束时调用
type FinishedCallback func(trace *EventTrace)

// TraceLogger
// 在一组地址上设置echo断点并记录命中事件。
// 每个地址最多记录maxHits次，达到次数以后删除该地址的echo断点；
// 所有echo断点都被删除（包括目标进程重置时被清除）以后trace结束。
type TraceLogger struct {
	registry Registry
	onFinish FinishedCallback

	lock       sync.Mutex
	trace      *EventTrace
	listenerID string
	// remaining 本logger拥有的echo断点以及剩余的命中次数
	remaining map[breakpoint.Address]int
}

func NewTraceLogger(registry Registry, onFinish FinishedCallback) *TraceLogger {
	if onFinish == nil {
		onFinish = func(*EventTrace) {}
	}
	return &TraceLogger{
		registry:  registry,
		onFinish:  onFinish,
		remaining: map[breakpoint.Address]int{},
	}
}

// Start 开始记录，被更高优先级断点占用的地址会被跳过
// 返回的Change.Sent为需要等待agent确认的地址
func (l *TraceLogger) Start(trace *EventTrace, addresses []breakpoint.Address, maxHits int) (*breakpoint.Change, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: empty trace address list", e.ErrInvalidAddress)
	}
	if maxHits < 1 {
		maxHits = 1
	}
	l.lock.Lock()
	if l.trace != nil {
		l.lock.Unlock()
		return nil, e.ErrTraceIsRunning
	}
	logrus.Infof("[TraceLogger] start trace %s on %d addresses", trace.Name, len(addresses))
	l.trace = trace
	l.remaining = map[breakpoint.Address]int{}
	for _, address := range addresses {
		l.remaining[address] = maxHits
	}
	// 先注册监听者，Add返回之前就可能收到命中事件
	l.listenerID = l.registry.AddListener(l.onEvent)
	l.lock.Unlock()

	change, err := l.registry.Add(constants.EchoBreakpoint, addresses)
	if err != nil {
		logrus.Errorf("[TraceLogger] add echo breakpoints fail, err = %v", err)
		l.lock.Lock()
		l.remaining = map[breakpoint.Address]int{}
		l.lock.Unlock()
		l.finish()
		return nil, err
	}

	l.lock.Lock()
	owned := map[breakpoint.Address]int{}
	for _, address := range change.Affected {
		if count, ok := l.remaining[address]; ok {
			owned[address] = count
		}
	}
	l.remaining = owned
	empty := len(owned) == 0
	l.lock.Unlock()
	if empty {
		logrus.Infof("[TraceLogger] every address of trace %s is blocked", trace.Name)
		l.finish()
	}
	return change, nil
}

// Stop 删除所有剩余的echo断点并结束trace
// 返回的Change.Sent为需要等待REMOVE确认的地址
func (l *TraceLogger) Stop() (*breakpoint.Change, error) {
	l.lock.Lock()
	if l.trace == nil {
		l.lock.Unlock()
		return &breakpoint.Change{}, nil
	}
	addresses := make([]breakpoint.Address, 0, len(l.remaining))
	for address := range l.remaining {
		addresses = append(addresses, address)
	}
	l.remaining = map[breakpoint.Address]int{}
	l.lock.Unlock()

	slices.SortFunc(addresses, breakpoint.Address.Compare)
	// 不再接收事件
	trace := l.finish()
	if trace != nil {
		logrus.Infof("[TraceLogger] stop trace %s with %d events", trace.Name, trace.Len())
	}
	return l.removeOwned(addresses)
}

// removeOwned 只删除仍然存在的断点，其他断点可能已经被目标进程重置清除
func (l *TraceLogger) removeOwned(addresses []breakpoint.Address) (*breakpoint.Change, error) {
	present := make([]breakpoint.Address, 0, len(addresses))
	for _, address := range addresses {
		if l.registry.Has(constants.EchoBreakpoint, address) {
			present = append(present, address)
		}
	}
	if len(present) == 0 {
		return &breakpoint.Change{}, nil
	}
	change, err := l.registry.Remove(constants.EchoBreakpoint, present)
	if errors.Is(err, e.ErrUnknownBreakpoint) {
		logrus.Warnf("[TraceLogger] echo breakpoints changed while removing, err = %v", err)
		return &breakpoint.Change{}, nil
	}
	return change, err
}

// finish 注销监听者并通知trace结束，只会生效一次
func (l *TraceLogger) finish() *EventTrace {
	l.lock.Lock()
	trace, id := l.trace, l.listenerID
	l.trace, l.listenerID = nil, ""
	l.lock.Unlock()
	if trace == nil {
		return nil
	}
	l.registry.RemoveListener(id)
	l.onFinish(trace)
	return trace
}

// IsRunning trace正在进行
func (l *TraceLogger) IsRunning() bool {
	defer l.lock.Unlock()
	l.lock.Lock()
	return l.trace != nil
}

// ActiveCount 本logger拥有的echo断点数量
func (l *TraceLogger) ActiveCount() int {
	defer l.lock.Unlock()
	l.lock.Lock()
	return len(l.remaining)
}

func (l *TraceLogger) onEvent(event interface{}) {
	switch ev := event.(type) {
	case *breakpoint.HitEvent:
		if ev.Kind == constants.EchoBreakpoint {
			l.onHit(ev)
		}
	case *breakpoint.BreakpointEvent:
		if ev.Kind == constants.EchoBreakpoint && ev.Reason == constants.RemovedType {
			l.onRemoved(ev.Breakpoints)
		}
	}
}

func (l *TraceLogger) onHit(hit *breakpoint.HitEvent) {
	l.lock.Lock()
	count, ok := l.remaining[hit.Address]
	if !ok || l.trace == nil {
		l.lock.Unlock()
		logrus.Infof("[TraceLogger] ignore echo hit at %s", hit.Address)
		return
	}
	l.trace.addEvent(TraceEvent{
		ThreadID:  hit.Thread.ThreadID,
		Address:   hit.Address,
		Registers: slices.Clone(hit.Thread.Registers),
		Time:      time.Now(),
	})
	count--
	l.remaining[hit.Address] = count
	l.lock.Unlock()

	if count == 0 {
		if _, err := l.registry.Remove(constants.EchoBreakpoint, []breakpoint.Address{hit.Address}); err != nil {
			logrus.Errorf("[TraceLogger] remove echo breakpoint %s fail, err = %v", hit.Address, err)
		}
	}
}

func (l *TraceLogger) onRemoved(breakpoints []breakpoint.Breakpoint) {
	l.lock.Lock()
	removed := 0
	for _, bp := range breakpoints {
		if _, ok := l.remaining[bp.Address]; ok {
			delete(l.remaining, bp.Address)
			removed++
		}
	}
	done := removed > 0 && len(l.remaining) == 0
	l.lock.Unlock()
	if removed > 0 {
		logrus.Infof("[TraceLogger] removed %d echo breakpoints", removed)
	}
	if done {
		l.finish()
	}
}
