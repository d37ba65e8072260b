package breakpoint

import (
	"fmt"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// inflightCommand 已经发送但还没有收到全部回复的SET/REMOVE命令
type inflightCommand struct {
	id        string
	kind      constants.BreakpointKind
	command   constants.CommandKind
	addresses map[RelocatedAddress]Address
}

func (c *inflightCommand) relocated() []uint64 {
	answer := make([]uint64, 0, len(c.addresses))
	for relocated := range c.addresses {
		answer = append(answer, uint64(relocated))
	}
	slices.Sort(answer)
	return answer
}

// commandTable 在途命令表，和注册表共用Manager.mu
type commandTable struct {
	records []*inflightCommand
}

// register 登记的地址集合是batch的副本，回复会从中删除地址
func (t *commandTable) register(kind constants.BreakpointKind, command constants.CommandKind,
	addresses map[RelocatedAddress]Address) *inflightCommand {
	record := &inflightCommand{
		id:        utils.GetUUID(),
		kind:      kind,
		command:   command,
		addresses: maps.Clone(addresses),
	}
	t.records = append(t.records, record)
	return record
}

// take 找到最早的包含该地址的命令，将地址从命令中移除
// 同一类型的回复按照发送顺序到达，所以最早的命令就是回复对应的命令
func (t *commandTable) take(kind constants.BreakpointKind, command constants.CommandKind,
	relocated RelocatedAddress) (Address, bool) {
	for _, record := range t.records {
		if record.kind != kind || record.command != command {
			continue
		}
		address, ok := record.addresses[relocated]
		if !ok {
			continue
		}
		delete(record.addresses, relocated)
		if len(record.addresses) == 0 {
			t.drop(record)
		}
		return address, true
	}
	return Address{}, false
}

// expected 某种命令所有在途的地址
func (t *commandTable) expected(kind constants.BreakpointKind, command constants.CommandKind) []RelocatedAddress {
	var answer []RelocatedAddress
	for _, record := range t.records {
		if record.kind != kind || record.command != command {
			continue
		}
		for relocated := range record.addresses {
			answer = append(answer, relocated)
		}
	}
	return answer
}

func (t *commandTable) drop(record *inflightCommand) {
	for i, r := range t.records {
		if r == record {
			t.records = append(t.records[:i:i], t.records[i+1:]...)
			return
		}
	}
}

// dropAddress 断点被移除以后不再等待它的回复
func (t *commandTable) dropAddress(kind constants.BreakpointKind, address Address) {
	for _, record := range t.records {
		if record.kind != kind {
			continue
		}
		for relocated, a := range record.addresses {
			if a == address {
				delete(record.addresses, relocated)
			}
		}
	}
	records := t.records[:0]
	for _, record := range t.records {
		if len(record.addresses) != 0 {
			records = append(records, record)
		}
	}
	t.records = records
}

func (t *commandTable) clear() {
	t.records = nil
}

func (t *commandTable) len() int {
	return len(t.records)
}

// batch 一次操作（用户请求或者agent回复）产生的状态变化、事件以及需要发送的命令
type batch struct {
	events     []interface{}
	affected   []Address
	sets       map[constants.BreakpointKind]map[RelocatedAddress]Address
	removes    map[constants.BreakpointKind]map[RelocatedAddress]Address
	conditions []*conditionChange
	// occupied 每种类型在agent一侧已经占用的运行时地址，第一次使用时建立
	occupied map[constants.BreakpointKind]map[RelocatedAddress]Address
}

type conditionChange struct {
	kind      constants.BreakpointKind
	address   Address
	relocated RelocatedAddress
	condition string
	previous  string
}

func newBatch() *batch {
	return &batch{
		sets:     map[constants.BreakpointKind]map[RelocatedAddress]Address{},
		removes:  map[constants.BreakpointKind]map[RelocatedAddress]Address{},
		occupied: map[constants.BreakpointKind]map[RelocatedAddress]Address{},
	}
}

// changed 记录断点变化，同一原因同一类型的变化合并到一个事件中
func (b *batch) changed(reason constants.BreakpointReasonType, breakpoint Breakpoint) {
	b.affected = append(b.affected, breakpoint.Address)
	for _, event := range b.events {
		if be, ok := event.(*BreakpointEvent); ok && be.Reason == reason && be.Kind == breakpoint.Kind {
			be.Breakpoints = append(be.Breakpoints, breakpoint)
			return
		}
	}
	event := NewBreakpointEvent(reason, breakpoint.Kind)
	event.Breakpoints = append(event.Breakpoints, breakpoint)
	b.events = append(b.events, event)
}

func (b *batch) notify(event interface{}) {
	b.events = append(b.events, event)
}

func (b *batch) set(kind constants.BreakpointKind, address Address, relocated RelocatedAddress) {
	if b.sets[kind] == nil {
		b.sets[kind] = map[RelocatedAddress]Address{}
	}
	b.sets[kind][relocated] = address
}

func (b *batch) remove(kind constants.BreakpointKind, address Address, relocated RelocatedAddress) {
	if b.removes[kind] == nil {
		b.removes[kind] = map[RelocatedAddress]Address{}
	}
	b.removes[kind][relocated] = address
}

func (b *batch) condition(change *conditionChange) {
	b.conditions = append(b.conditions, change)
}

// change 返回kind类型的命令中包含的地址
func (b *batch) change(kind constants.BreakpointKind, command constants.CommandKind) *Change {
	sent := b.sets[kind]
	if command == constants.RemoveCommand {
		sent = b.removes[kind]
	}
	change := &Change{Affected: unique(b.affected)}
	for _, address := range sent {
		change.Sent = append(change.Sent, address)
	}
	slices.SortFunc(change.Sent, Address.Compare)
	return change
}

func unique(addresses []Address) []Address {
	answer := slices.Clone(addresses)
	slices.SortFunc(answer, Address.Compare)
	return slices.Compact(answer)
}

type pendingSend struct {
	record    *inflightCommand
	relocated []uint64
	condition *conditionChange
	message   protocol.Message
}

// prepare 为batch中的SET/REMOVE登记在途命令，必须持有mu
// 登记发生在发送之前，回复不会早于登记到达
// 同一个地址上先移除低优先级断点再设置高优先级断点
func (m *Manager) prepare(b *batch) []*pendingSend {
	var sends []*pendingSend
	for _, kind := range constants.BreakpointKinds {
		if addresses := b.removes[kind]; len(addresses) != 0 {
			record := m.commands.register(kind, constants.RemoveCommand, addresses)
			relocated := record.relocated()
			sends = append(sends, &pendingSend{
				record:    record,
				relocated: relocated,
				message:   protocol.NewRemoveBreakpointsCommand(kind, relocated),
			})
		}
	}
	for _, kind := range constants.BreakpointKinds {
		if addresses := b.sets[kind]; len(addresses) != 0 {
			record := m.commands.register(kind, constants.SetCommand, addresses)
			relocated := record.relocated()
			sends = append(sends, &pendingSend{
				record:    record,
				relocated: relocated,
				message:   protocol.NewSetBreakpointsCommand(kind, relocated),
			})
		}
	}
	for _, change := range b.conditions {
		sends = append(sends, &pendingSend{
			condition: change,
			message:   protocol.NewSetBreakpointConditionCommand(uint64(change.relocated), change.condition),
		})
	}
	return sends
}

// flush 依次发送命令，发送失败时回滚该命令以及之后所有未发送的命令
func (m *Manager) flush(sends []*pendingSend, b *batch) error {
	for i, send := range sends {
		if err := m.target.Send(send.message); err != nil {
			logrus.Errorf("[Dispatcher] send %s fail, err = %v", send.message.GetHeader().Type, err)
			m.rollback(sends[i:], b)
			return fmt.Errorf("%w: %w", e.ErrTransport, err)
		}
		if send.record != nil {
			logrus.Debugf("[Dispatcher] %s %s command %s sent, addresses = %v",
				send.record.kind, send.record.command, send.record.id, send.relocated)
		}
	}
	return nil
}

// rollback 将断点恢复到发送命令之前的状态
func (m *Manager) rollback(sends []*pendingSend, b *batch) {
	defer m.mu.Unlock()
	m.mu.Lock()
	for _, send := range sends {
		if send.condition != nil {
			m.rollbackCondition(send.condition, b)
			continue
		}
		record := send.record
		m.commands.drop(record)
		storage := m.storages[record.kind]
		policy := policies[record.kind]
		for _, address := range record.addresses {
			breakpoint, ok := storage[address]
			if !ok {
				continue
			}
			switch record.command {
			case constants.SetCommand:
				if breakpoint.Status != constants.StatusEnabled {
					continue
				}
				if policy.PassiveClear {
					m.erase(record.kind, address, b)
					continue
				}
				breakpoint.Status = constants.StatusInactive
				b.changed(constants.ChangeType, *breakpoint)
			case constants.RemoveCommand:
				if breakpoint.PendingRemoval == constants.NoRemoval {
					continue
				}
				breakpoint.PendingRemoval = constants.NoRemoval
				b.changed(constants.ChangeType, *breakpoint)
			}
		}
	}
}

func (m *Manager) rollbackCondition(change *conditionChange, b *batch) {
	breakpoint, ok := m.storages[change.kind][change.address]
	if !ok || breakpoint.Condition != change.condition || change.previous == change.condition {
		return
	}
	breakpoint.Condition = change.previous
	b.changed(constants.ConditionType, *breakpoint)
}
