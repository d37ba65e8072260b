package breakpoint

import (
	"fmt"
	"sync"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Target 断点管理器所依赖的调试目标
type Target interface {
	// Send 发送命令，未连接时返回错误
	Send(message protocol.Message) error
	// IsAttached 已经连接agent并且目标进程已经启动
	IsAttached() bool
	// Relocate 文件地址转换为运行时地址，模块没有加载或者地址不在模块内时返回false
	Relocate(address Address) (RelocatedAddress, bool)
	// Unrelocate 运行时地址转换为文件地址
	Unrelocate(relocated RelocatedAddress) Address
}

// Manager
// 断点注册表，每种类型的断点单独存储。
// 断点只会被用户请求、命令发送以及agent回复修改，所有修改都在mu下进行。
type Manager struct {
	// opMu 串行化用户操作，计算、发送、回滚之间不会插入其他用户操作
	opMu sync.Mutex
	// mu 保护断点存储以及在途命令表
	mu       sync.Mutex
	target   Target
	storages map[constants.BreakpointKind]map[Address]*Breakpoint
	commands *commandTable

	listenerLock sync.RWMutex
	listeners    []*listener
}

func NewManager(target Target) *Manager {
	storages := map[constants.BreakpointKind]map[Address]*Breakpoint{}
	for _, kind := range constants.BreakpointKinds {
		storages[kind] = map[Address]*Breakpoint{}
	}
	return &Manager{
		target:   target,
		storages: storages,
		commands: &commandTable{},
	}
}

// apply 在mu下修改状态，登记并发送产生的命令，最后在不持有锁的情况下通知监听者
// serialize为true时和其他用户操作互斥
func (m *Manager) apply(serialize bool, mutate func(b *batch) error) (*batch, error) {
	b := newBatch()
	err := func() error {
		if serialize {
			defer m.opMu.Unlock()
			m.opMu.Lock()
		}
		m.mu.Lock()
		if err := mutate(b); err != nil {
			m.mu.Unlock()
			return err
		}
		sends := m.prepare(b)
		m.mu.Unlock()
		return m.flush(sends, b)
	}()
	m.publish(b.events)
	return b, err
}

// Add 添加断点
// 目标进程运行时断点为ENABLED并且发送一个SET命令，否则为INACTIVE。
// 已经存在的地址以及被更高优先级断点占用的地址会被忽略，同一地址上低优先级的断点会被删除。
// 正在等待删除确认的地址改为确认以后重新设置。
func (m *Manager) Add(kind constants.BreakpointKind, addresses []Address) (*Change, error) {
	policy, ok := PolicyOf(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", e.ErrUnknownKind, kind)
	}
	b, err := m.apply(true, func(b *batch) error {
		attached := m.target.IsAttached()
		if policy.RequiresSession && !attached {
			return e.ErrNotConnected
		}
		storage := m.storages[kind]
		for _, address := range addresses {
			if existing, ok := storage[address]; ok {
				if existing.PendingRemoval == constants.RemoveToDelete {
					existing.PendingRemoval = constants.RemoveToRearm
					b.changed(constants.ChangeType, *existing)
				}
				continue
			}
			if m.blocked(kind, address) {
				logrus.Debugf("[Manager] %s breakpoint %s is blocked by a higher priority breakpoint", kind, address)
				continue
			}
			for _, lower := range displaces(kind) {
				if _, ok := m.storages[lower][address]; ok {
					m.requestRemoval(lower, address, constants.RemoveToDelete, b)
				}
			}
			breakpoint := &Breakpoint{Kind: kind, Address: address, Status: constants.StatusInactive}
			if attached {
				m.arm(breakpoint, b)
			}
			storage[address] = breakpoint
			b.changed(constants.NewType, *breakpoint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.change(kind, constants.SetCommand), nil
}

// SetStatus 用户修改断点状态，只能修改为DISABLED或者DELETING
func (m *Manager) SetStatus(kind constants.BreakpointKind, addresses []Address,
	status constants.BreakpointStatus) (*Change, error) {
	if _, ok := PolicyOf(kind); !ok {
		return nil, fmt.Errorf("%w: %s", e.ErrUnknownKind, kind)
	}
	var reason constants.RemovalReason
	switch status {
	case constants.StatusDisabled:
		reason = constants.RemoveToDisable
	case constants.StatusDeleting:
		reason = constants.RemoveToDelete
	default:
		return nil, fmt.Errorf("%w: user cannot request status %s", e.ErrIllegalTransition, status)
	}
	b, err := m.apply(true, func(b *batch) error {
		storage := m.storages[kind]
		for _, address := range addresses {
			if _, ok := storage[address]; !ok {
				return fmt.Errorf("%w: %s %s", e.ErrUnknownBreakpoint, kind, address)
			}
		}
		for _, address := range addresses {
			if _, ok := storage[address]; ok {
				m.requestRemoval(kind, address, reason, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.change(kind, constants.RemoveCommand), nil
}

// Remove 删除断点
func (m *Manager) Remove(kind constants.BreakpointKind, addresses []Address) (*Change, error) {
	return m.SetStatus(kind, addresses, constants.StatusDeleting)
}

// requestRemoval 记录移除原因，agent一侧存在断点时发送REMOVE，否则立即生效
// 已经在等待REMOVE确认的断点不会重复发送，delete可以覆盖disable，disable不会覆盖delete
func (m *Manager) requestRemoval(kind constants.BreakpointKind, address Address, reason constants.RemovalReason,
	b *batch) {
	breakpoint := m.storages[kind][address]
	if breakpoint.PendingRemoval != constants.NoRemoval {
		upgrade := breakpoint.PendingRemoval == constants.RemoveToRearm ||
			(reason == constants.RemoveToDelete && breakpoint.PendingRemoval == constants.RemoveToDisable)
		if upgrade {
			breakpoint.PendingRemoval = reason
			b.changed(constants.ChangeType, *breakpoint)
		}
		return
	}
	if breakpoint.Status.IsArmed() && m.target.IsAttached() {
		if relocated, ok := m.target.Relocate(address); ok {
			breakpoint.PendingRemoval = reason
			b.remove(kind, address, relocated)
			b.changed(constants.ChangeType, *breakpoint)
			return
		}
	}
	if reason == constants.RemoveToDelete {
		m.erase(kind, address, b)
		return
	}
	if breakpoint.Status != constants.StatusDisabled {
		m.commands.dropAddress(kind, address)
		breakpoint.Status = constants.StatusDisabled
		b.changed(constants.ChangeType, *breakpoint)
	}
}

// erase 从存储中移除断点，事件中的状态为DELETING
func (m *Manager) erase(kind constants.BreakpointKind, address Address, b *batch) {
	breakpoint, ok := m.storages[kind][address]
	if !ok {
		return
	}
	delete(m.storages[kind], address)
	m.commands.dropAddress(kind, address)
	snapshot := *breakpoint
	snapshot.Status = constants.StatusDeleting
	snapshot.PendingRemoval = constants.NoRemoval
	b.changed(constants.RemovedType, snapshot)
}

// arm 断点变为ENABLED并且加入SET命令，必须持有mu
// 模块没有加载或者同一类型的其他断点已经占用了相同的运行时地址时断点保持原状态
func (m *Manager) arm(breakpoint *Breakpoint, b *batch) bool {
	kind, address := breakpoint.Kind, breakpoint.Address
	relocated, ok := m.target.Relocate(address)
	if !ok {
		return false
	}
	occupied := m.occupied(kind, b)
	if other, ok := occupied[relocated]; ok && other != address {
		logrus.Warnf("[Manager] %v: %s breakpoint %s relocates to %08X which is used by %s",
			e.ErrInvalidAddress, kind, address, uint64(relocated), other)
		return false
	}
	occupied[relocated] = address
	breakpoint.Status = constants.StatusEnabled
	b.set(kind, address, relocated)
	return true
}

// occupied 已经发送SET或者正在等待REMOVE确认的断点所在的运行时地址
func (m *Manager) occupied(kind constants.BreakpointKind, b *batch) map[RelocatedAddress]Address {
	if occupied, ok := b.occupied[kind]; ok {
		return occupied
	}
	occupied := map[RelocatedAddress]Address{}
	for address, breakpoint := range m.storages[kind] {
		if !breakpoint.Status.IsArmed() && breakpoint.PendingRemoval == constants.NoRemoval {
			continue
		}
		if relocated, ok := m.target.Relocate(address); ok {
			occupied[relocated] = address
		}
	}
	b.occupied[kind] = occupied
	return occupied
}

func (m *Manager) blocked(kind constants.BreakpointKind, address Address) bool {
	for _, higher := range outranks(kind) {
		if _, ok := m.storages[higher][address]; ok {
			return true
		}
	}
	return false
}

// ArmPending 目标进程启动或者加载模块以后，为所有可以设置的INACTIVE断点发送SET
func (m *Manager) ArmPending() error {
	_, err := m.apply(true, func(b *batch) error {
		if !m.target.IsAttached() {
			return nil
		}
		for _, kind := range constants.BreakpointKinds {
			storage := m.storages[kind]
			for _, address := range sortedAddresses(storage) {
				breakpoint := storage[address]
				if breakpoint.Status != constants.StatusInactive || breakpoint.PendingRemoval != constants.NoRemoval {
					continue
				}
				if m.arm(breakpoint, b) {
					b.changed(constants.ChangeType, *breakpoint)
				}
			}
		}
		return nil
	})
	return err
}

// Reset 目标进程退出、detach或者连接断开
// step和echo断点直接清除，等待删除的断点移除，等待禁用的断点变为DISABLED，其余断点变为INACTIVE
func (m *Manager) Reset() {
	_, _ = m.apply(false, func(b *batch) error {
		m.commands.clear()
		for _, kind := range constants.BreakpointKinds {
			m.deactivate(kind, func(Address) bool { return true }, b)
		}
		return nil
	})
}

// DeactivateModule 模块卸载以后该模块中的断点按照Reset的规则处理
func (m *Manager) DeactivateModule(module string) {
	_, _ = m.apply(false, func(b *batch) error {
		for _, kind := range constants.BreakpointKinds {
			m.deactivate(kind, func(address Address) bool { return address.Module == module }, b)
		}
		return nil
	})
}

func (m *Manager) deactivate(kind constants.BreakpointKind, match func(Address) bool, b *batch) {
	storage := m.storages[kind]
	policy := policies[kind]
	for _, address := range sortedAddresses(storage) {
		if !match(address) {
			continue
		}
		breakpoint := storage[address]
		switch {
		case policy.PassiveClear || breakpoint.PendingRemoval == constants.RemoveToDelete:
			m.erase(kind, address, b)
		case breakpoint.PendingRemoval == constants.RemoveToDisable:
			m.commands.dropAddress(kind, address)
			breakpoint.Status = constants.StatusDisabled
			breakpoint.PendingRemoval = constants.NoRemoval
			b.changed(constants.ChangeType, *breakpoint)
		case breakpoint.PendingRemoval == constants.RemoveToRearm:
			m.commands.dropAddress(kind, address)
			breakpoint.Status = constants.StatusInactive
			breakpoint.PendingRemoval = constants.NoRemoval
			b.changed(constants.ChangeType, *breakpoint)
		case breakpoint.Status == constants.StatusDisabled || breakpoint.Status == constants.StatusInactive:
		default:
			m.commands.dropAddress(kind, address)
			breakpoint.Status = constants.StatusInactive
			b.changed(constants.ChangeType, *breakpoint)
		}
	}
}

// ClearHits 目标进程继续运行，HIT断点恢复为ACTIVE
func (m *Manager) ClearHits() {
	_, _ = m.apply(false, func(b *batch) error {
		for _, kind := range constants.BreakpointKinds {
			if policies[kind].hit != hitMarks {
				continue
			}
			storage := m.storages[kind]
			for _, address := range sortedAddresses(storage) {
				if breakpoint := storage[address]; breakpoint.Status == constants.StatusHit {
					breakpoint.Status = constants.StatusActive
					b.changed(constants.ChangeType, *breakpoint)
				}
			}
		}
		return nil
	})
}

// SetCondition 修改断点条件，断点已经在agent一侧生效时同时发送给agent
func (m *Manager) SetCondition(kind constants.BreakpointKind, address Address, condition string) error {
	policy, ok := PolicyOf(kind)
	if !ok {
		return fmt.Errorf("%w: %s", e.ErrUnknownKind, kind)
	}
	if !policy.AcceptsCondition {
		return fmt.Errorf("%w: %s", e.ErrConditionNotSupported, kind)
	}
	_, err := m.apply(true, func(b *batch) error {
		breakpoint, ok := m.storages[kind][address]
		if !ok {
			return fmt.Errorf("%w: %s %s", e.ErrUnknownBreakpoint, kind, address)
		}
		if breakpoint.Condition == condition {
			return nil
		}
		previous := breakpoint.Condition
		breakpoint.Condition = condition
		b.changed(constants.ConditionType, *breakpoint)
		if breakpoint.Status == constants.StatusActive || breakpoint.Status == constants.StatusHit {
			if relocated, ok := m.target.Relocate(address); ok {
				b.condition(&conditionChange{
					kind:      kind,
					address:   address,
					relocated: relocated,
					condition: condition,
					previous:  previous,
				})
			}
		}
		return nil
	})
	return err
}

// SetDescription 修改断点描述，只保存在内存中
func (m *Manager) SetDescription(kind constants.BreakpointKind, address Address, description string) error {
	policy, ok := PolicyOf(kind)
	if !ok {
		return fmt.Errorf("%w: %s", e.ErrUnknownKind, kind)
	}
	if !policy.AcceptsCondition {
		return fmt.Errorf("%w: %s", e.ErrConditionNotSupported, kind)
	}
	_, err := m.apply(true, func(b *batch) error {
		breakpoint, ok := m.storages[kind][address]
		if !ok {
			return fmt.Errorf("%w: %s %s", e.ErrUnknownBreakpoint, kind, address)
		}
		if breakpoint.Description != description {
			breakpoint.Description = description
			b.changed(constants.DescriptionType, *breakpoint)
		}
		return nil
	})
	return err
}

// applyAgentResult 根据agent的回复修改断点状态，只由Synchronizer调用，必须持有mu
func (m *Manager) applyAgentResult(kind constants.BreakpointKind, address Address, outcome constants.AgentOutcome,
	b *batch) {
	storage := m.storages[kind]
	breakpoint, ok := storage[address]
	if !ok {
		logrus.Warnf("[Manager] %s result for unknown %s breakpoint %s", outcome, kind, address)
		return
	}
	switch outcome {
	case constants.SetOK:
		if breakpoint.Status != constants.StatusEnabled {
			logrus.Warnf("[Manager] ignore %s for %s breakpoint %s in status %s", outcome, kind, address, breakpoint.Status)
			return
		}
		breakpoint.Status = constants.StatusActive
		b.changed(constants.ChangeType, *breakpoint)
		if breakpoint.Condition != "" && policies[kind].AcceptsCondition && breakpoint.PendingRemoval == constants.NoRemoval {
			if relocated, ok := m.target.Relocate(address); ok {
				b.condition(&conditionChange{
					kind:      kind,
					address:   address,
					relocated: relocated,
					condition: breakpoint.Condition,
					previous:  breakpoint.Condition,
				})
			}
		}
	case constants.SetFailed:
		if breakpoint.Status != constants.StatusEnabled {
			logrus.Warnf("[Manager] ignore %s for %s breakpoint %s in status %s", outcome, kind, address, breakpoint.Status)
			return
		}
		breakpoint.Status = constants.StatusInvalid
		b.changed(constants.ChangeType, *breakpoint)
	case constants.RemovedOK:
		switch breakpoint.PendingRemoval {
		case constants.RemoveToDisable:
			breakpoint.Status = constants.StatusDisabled
			breakpoint.PendingRemoval = constants.NoRemoval
			b.changed(constants.ChangeType, *breakpoint)
		case constants.RemoveToDelete:
			m.erase(kind, address, b)
		case constants.RemoveToRearm:
			breakpoint.Status = constants.StatusInactive
			breakpoint.PendingRemoval = constants.NoRemoval
			if m.target.IsAttached() {
				m.arm(breakpoint, b)
			}
			b.changed(constants.ChangeType, *breakpoint)
		default:
			logrus.Warnf("[Manager] %v: %s breakpoint %s was not waiting for removal",
				e.ErrCorrelationMismatch, kind, address)
		}
	case constants.Hit:
		switch policies[kind].hit {
		case hitMarks:
			if breakpoint.Status != constants.StatusActive && breakpoint.Status != constants.StatusHit {
				logrus.Warnf("[Manager] hit on %s breakpoint %s in status %s", kind, address, breakpoint.Status)
				return
			}
			for _, other := range sortedAddresses(storage) {
				if previous := storage[other]; other != address && previous.Status == constants.StatusHit {
					previous.Status = constants.StatusActive
					b.changed(constants.ChangeType, *previous)
				}
			}
			if breakpoint.Status != constants.StatusHit {
				breakpoint.Status = constants.StatusHit
				b.changed(constants.ChangeType, *breakpoint)
			}
		case hitClearsKind:
			for _, other := range sortedAddresses(storage) {
				m.erase(kind, other, b)
			}
		case hitObserved:
		}
	}
}

// find 在断点存储中查找运行时地址对应的断点
func (m *Manager) find(kind constants.BreakpointKind, relocated RelocatedAddress,
	accept func(*Breakpoint) bool) (Address, bool) {
	storage := m.storages[kind]
	candidates := []Address{m.target.Unrelocate(relocated), {Offset: uint64(relocated)}}
	for _, candidate := range candidates {
		if breakpoint, ok := storage[candidate]; ok && accept(breakpoint) {
			return candidate, true
		}
	}
	return Address{}, false
}

func (m *Manager) Get(kind constants.BreakpointKind, address Address) (Breakpoint, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	breakpoint, ok := m.storages[kind][address]
	if !ok {
		return Breakpoint{}, false
	}
	return *breakpoint, true
}

func (m *Manager) Status(kind constants.BreakpointKind, address Address) (constants.BreakpointStatus, error) {
	breakpoint, ok := m.Get(kind, address)
	if !ok {
		return "", fmt.Errorf("%w: %s %s", e.ErrUnknownBreakpoint, kind, address)
	}
	return breakpoint.Status, nil
}

func (m *Manager) Has(kind constants.BreakpointKind, address Address) bool {
	_, ok := m.Get(kind, address)
	return ok
}

func (m *Manager) Count(kind constants.BreakpointKind) int {
	defer m.mu.Unlock()
	m.mu.Lock()
	return len(m.storages[kind])
}

// All 返回某种类型所有断点的快照，按地址排序
func (m *Manager) All(kind constants.BreakpointKind) []Breakpoint {
	defer m.mu.Unlock()
	m.mu.Lock()
	storage := m.storages[kind]
	answer := make([]Breakpoint, 0, len(storage))
	for _, address := range sortedAddresses(storage) {
		answer = append(answer, *storage[address])
	}
	return answer
}

// InflightCount 还没有收到全部回复的命令数量
func (m *Manager) InflightCount() int {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.commands.len()
}

func sortedAddresses(storage map[Address]*Breakpoint) []Address {
	answer := make([]Address, 0, len(storage))
	for address := range storage {
		answer = append(answer, address)
	}
	slices.SortFunc(answer, Address.Compare)
	return answer
}
