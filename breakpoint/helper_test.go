package breakpoint

import (
	"sync"
	"testing"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/stretchr/testify/require"
)

// fakeTarget 记录发送的命令，模块按照ImageBase重定位
type fakeTarget struct {
	mu       sync.Mutex
	attached bool
	modules  map[string]protocol.ModuleInfo
	sent     []protocol.Message
	failNext error
	// onSend 在Send返回之前调用，用来模拟回复早于操作返回到达
	onSend func(message protocol.Message)
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{modules: map[string]protocol.ModuleInfo{}}
}

func (f *fakeTarget) Send(message protocol.Message) error {
	f.mu.Lock()
	if !f.attached {
		f.mu.Unlock()
		return e.ErrNotConnected
	}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, message)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(message)
	}
	return nil
}

func (f *fakeTarget) setOnSend(onSend func(message protocol.Message)) {
	defer f.mu.Unlock()
	f.mu.Lock()
	f.onSend = onSend
}

func (f *fakeTarget) IsAttached() bool {
	defer f.mu.Unlock()
	f.mu.Lock()
	return f.attached
}

func (f *fakeTarget) Relocate(address Address) (RelocatedAddress, bool) {
	defer f.mu.Unlock()
	f.mu.Lock()
	if address.Module == "" {
		return RelocatedAddress(address.Offset), true
	}
	module, ok := f.modules[address.Module]
	if !ok || address.Offset < module.FileBase || address.Offset-module.FileBase >= module.Size {
		return 0, false
	}
	return RelocatedAddress(module.ImageBase + address.Offset - module.FileBase), true
}

func (f *fakeTarget) Unrelocate(relocated RelocatedAddress) Address {
	defer f.mu.Unlock()
	f.mu.Lock()
	for _, module := range f.modules {
		if uint64(relocated) >= module.ImageBase && uint64(relocated)-module.ImageBase < module.Size {
			return Address{Module: module.Name, Offset: uint64(relocated) - module.ImageBase + module.FileBase}
		}
	}
	return Address{Offset: uint64(relocated)}
}

func (f *fakeTarget) setAttached(attached bool) {
	defer f.mu.Unlock()
	f.mu.Lock()
	f.attached = attached
}

func (f *fakeTarget) loadModule(module protocol.ModuleInfo) {
	defer f.mu.Unlock()
	f.mu.Lock()
	f.modules[module.Name] = module
}

func (f *fakeTarget) failNextSend(err error) {
	defer f.mu.Unlock()
	f.mu.Lock()
	f.failNext = err
}

// takeSent 返回并清空已经发送的命令
func (f *fakeTarget) takeSent() []protocol.Message {
	defer f.mu.Unlock()
	f.mu.Lock()
	sent := f.sent
	f.sent = nil
	return sent
}

type testHelper struct {
	t            *testing.T
	target       *fakeTarget
	manager      *Manager
	hub          *ReplyHub
	synchronizer *Synchronizer
	eventCh      chan interface{}
}

func newTestHelper(t *testing.T) *testHelper {
	target := newFakeTarget()
	manager := NewManager(target)
	hub := NewReplyHub(100, 10)
	h := &testHelper{
		t:            t,
		target:       target,
		manager:      manager,
		hub:          hub,
		synchronizer: NewSynchronizer(manager, hub),
		eventCh:      make(chan interface{}, 1000),
	}
	manager.AddListener(func(event interface{}) {
		h.eventCh <- event
	})
	return h
}

// drainEvents 监听者是同步调用的，操作返回以后事件已经全部产生
func (h *testHelper) drainEvents() []interface{} {
	var events []interface{}
	for {
		select {
		case event := <-h.eventCh:
			events = append(events, event)
		default:
			return events
		}
	}
}

func (h *testHelper) status(kind constants.BreakpointKind, address Address) constants.BreakpointStatus {
	status, err := h.manager.Status(kind, address)
	require.Nil(h.t, err)
	return status
}

// activate 添加断点并确认SET，返回以后断点为ACTIVE
func (h *testHelper) activate(kind constants.BreakpointKind, addresses ...Address) {
	h.target.setAttached(true)
	_, err := h.manager.Add(kind, addresses)
	require.Nil(h.t, err)
	results := make([]protocol.AddressResult, 0, len(addresses))
	for _, address := range addresses {
		relocated, ok := h.target.Relocate(address)
		require.True(h.t, ok)
		results = append(results, protocol.AddressResult{Address: uint64(relocated)})
	}
	h.synchronizer.OnSetReply(kind, results)
	for _, address := range addresses {
		require.Equal(h.t, constants.StatusActive, h.status(kind, address))
	}
	h.target.takeSent()
	h.drainEvents()
}

func okResults(addresses ...uint64) []protocol.AddressResult {
	results := make([]protocol.AddressResult, 0, len(addresses))
	for _, address := range addresses {
		results = append(results, protocol.AddressResult{Address: address})
	}
	return results
}

func abs(offset uint64) Address {
	return Address{Offset: offset}
}
