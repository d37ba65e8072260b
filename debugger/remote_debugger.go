package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/transport"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/sirupsen/logrus"
)

// RemoteDebugger
// 通过transport控制远程agent，维护目标进程模型以及断点注册表
type RemoteDebugger struct {
	// 会话事件产生时，触发该回调
	callback NotificationCallback

	// statusManager 调试会话的状态管理
	statusManager *utils.StatusManager

	transport    transport.Transport
	process      *Process
	manager      *breakpoint.Manager
	hub          *breakpoint.ReplyHub
	synchronizer *breakpoint.Synchronizer

	sequence atomic.Uint64
}

var _ Debugger = (*RemoteDebugger)(nil)
var _ breakpoint.Target = (*RemoteDebugger)(nil)

func NewRemoteDebugger(t transport.Transport, option *StartOption) *RemoteDebugger {
	d := &RemoteDebugger{
		callback:      option.Callback,
		statusManager: utils.NewStatusManager(),
		transport:     t,
		process:       NewProcess(),
	}
	if d.callback == nil {
		d.callback = func(interface{}) {}
	}
	d.manager = breakpoint.NewManager(d)
	d.hub = breakpoint.NewReplyHub(option.ReplyBufferWarnThreshold, option.MaxUnexpectedReplies)
	d.synchronizer = breakpoint.NewSynchronizer(d.manager, d.hub)
	return d
}

func (d *RemoteDebugger) Connect(ctx context.Context) error {
	logrus.Infof("[RemoteDebugger] Connect")
	if d.statusManager.Is(utils.Finish) {
		return e.ErrDebuggerIsClosed
	}
	if !d.statusManager.Is(utils.Init) {
		return nil
	}
	if err := d.transport.Connect(ctx, d.HandleMessage, d.onClose); err != nil {
		return err
	}
	d.statusManager.CompareAndSet(utils.Connected, utils.Init)
	return nil
}

// HandleMessage 处理agent的回复以及事件，在接收协程中调用
func (d *RemoteDebugger) HandleMessage(message protocol.Message) {
	switch m := message.(type) {
	case *protocol.SetBreakpointsResult:
		d.synchronizer.OnSetReply(m.Kind, m.Results)
	case *protocol.RemoveBreakpointsResult:
		d.synchronizer.OnRemoveReply(m.Kind, m.Results)
	case *protocol.ConditionSetResult:
		d.synchronizer.OnConditionResult(m)
	case *protocol.BreakpointHitEvent:
		d.onHit(m)
	case *protocol.ProcessStartEvent:
		d.onProcessStart(m)
	case *protocol.ModuleEvent:
		d.onModule(m)
	case *protocol.ThreadEvent:
		if m.Type == constants.ThreadCreatedMessage {
			d.process.addThread(m.ThreadID)
			d.callback(NewThreadEvent(true, m.ThreadID))
		} else {
			d.process.removeThread(m.ThreadID)
			d.callback(NewThreadEvent(false, m.ThreadID))
		}
	case *protocol.ProcessClosedEvent:
		d.finishProcess(m.ExitCode, "process exited")
	case *protocol.CommandResult:
		d.onCommandResult(m)
	default:
		logrus.Warnf("[RemoteDebugger] %v: %T", e.ErrUnknownMessage, message)
	}
}

func (d *RemoteDebugger) onHit(m *protocol.BreakpointHitEvent) {
	address, ok := m.Thread.ProgramCounter()
	if !ok {
		address = m.Address
	}
	d.process.setCurrentAddress(m.Thread.ThreadID, address)
	d.synchronizer.OnHit(m)
	policy, ok := breakpoint.PolicyOf(m.Kind)
	if !ok || !policy.HitStops {
		return
	}
	d.statusManager.CompareAndSet(utils.Stopped, utils.Running)
	reason := constants.BreakpointStopped
	if m.Kind == constants.StepBreakpoint {
		reason = constants.StepStopped
	}
	d.callback(NewStoppedEvent(reason, m.Thread.ThreadID, address))
}

func (d *RemoteDebugger) onProcessStart(m *protocol.ProcessStartEvent) {
	logrus.Infof("[RemoteDebugger] process started with %d modules", len(m.Modules))
	d.process.start(m.Modules, m.Threads)
	d.statusManager.CompareAndSet(utils.Running, utils.Connected)
	d.callback(NewProcessStartedEvent(d.process.Modules(), m.Threads))
	if err := d.manager.ArmPending(); err != nil {
		logrus.Errorf("[RemoteDebugger] arm breakpoints fail, err = %v", err)
	}
}

func (d *RemoteDebugger) onModule(m *protocol.ModuleEvent) {
	if m.Type == constants.ModuleLoadedMessage {
		d.process.loadModule(m.Module)
		d.callback(NewModuleEvent(true, newModule(m.Module)))
		if err := d.manager.ArmPending(); err != nil {
			logrus.Errorf("[RemoteDebugger] arm breakpoints of %s fail, err = %v", m.Module.Name, err)
		}
		return
	}
	d.manager.DeactivateModule(m.Module.Name)
	d.process.unloadModule(m.Module.Name)
	d.callback(NewModuleEvent(false, newModule(m.Module)))
}

func (d *RemoteDebugger) onCommandResult(m *protocol.CommandResult) {
	if m.ErrorCode != 0 {
		logrus.Warnf("[RemoteDebugger] %s fail, errorCode = %d, message = %s", m.Command, m.ErrorCode, m.Message)
		d.callback(NewCommandErrorEvent(m.Command, m.ErrorCode, m.Message))
		return
	}
	switch m.Command {
	case constants.HaltMessage:
		if d.statusManager.CompareAndSet(utils.Stopped, utils.Running) {
			d.callback(NewStoppedEvent(constants.PauseStopped, 0, 0))
		}
	case constants.SingleStepMessage:
		if d.statusManager.CompareAndSet(utils.Stopped, utils.Running) {
			d.callback(NewStoppedEvent(constants.StepStopped, 0, 0))
		}
	}
}

// finishProcess 目标进程退出或者分离，断点恢复为未设置的状态
func (d *RemoteDebugger) finishProcess(exitCode int, message string) {
	if !d.statusManager.CompareAndSet(utils.Connected, utils.Running, utils.Stopped) {
		return
	}
	logrus.Infof("[RemoteDebugger] %s, exitCode = %d", message, exitCode)
	d.process.reset()
	d.synchronizer.ResetTarget(e.ErrDisconnected)
	d.callback(NewExitedEvent(exitCode, message))
}

func (d *RemoteDebugger) onClose(err error) {
	logrus.Infof("[RemoteDebugger] connection closed, err = %v", err)
	if !d.statusManager.Is(utils.Finish) {
		d.statusManager.Set(utils.Init)
	}
	d.process.reset()
	d.synchronizer.ResetTarget(e.ErrDisconnected)
	d.callback(NewTerminatedEvent(err))
}

// Send 为命令分配序列号并发送
func (d *RemoteDebugger) Send(message protocol.Message) error {
	if !d.transport.IsConnected() {
		return e.ErrNotConnected
	}
	message.GetHeader().Sequence = uint(d.sequence.Add(1))
	return d.transport.Send(message)
}

// IsAttached 已连接agent并且目标进程已经启动
func (d *RemoteDebugger) IsAttached() bool {
	return d.statusManager.Is(utils.Running, utils.Stopped) && d.transport.IsConnected()
}

func (d *RemoteDebugger) Relocate(address breakpoint.Address) (breakpoint.RelocatedAddress, bool) {
	return d.process.Relocate(address)
}

func (d *RemoteDebugger) Unrelocate(relocated breakpoint.RelocatedAddress) breakpoint.Address {
	return d.process.Unrelocate(relocated)
}

func (d *RemoteDebugger) sendCommand(message protocol.Message) error {
	if err := d.Send(message); err != nil {
		logrus.Errorf("[RemoteDebugger] send %s fail, err = %v", message.GetHeader().Type, err)
		if errors.Is(err, e.ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %w", e.ErrTransport, err)
	}
	return nil
}

func (d *RemoteDebugger) Resume(ctx context.Context) error {
	logrus.Infof("[RemoteDebugger] Resume")
	if !d.IsAttached() {
		return e.ErrNotConnected
	}
	if !d.statusManager.Is(utils.Stopped) {
		return e.ErrProgramIsRunningOptionFail
	}
	if err := d.sendCommand(protocol.NewSessionCommand(constants.ResumeMessage)); err != nil {
		return err
	}
	d.manager.ClearHits()
	d.statusManager.CompareAndSet(utils.Running, utils.Stopped)
	d.callback(NewContinuedEvent())
	return nil
}

func (d *RemoteDebugger) Halt(ctx context.Context) error {
	logrus.Infof("[RemoteDebugger] Halt")
	if !d.IsAttached() {
		return e.ErrNotConnected
	}
	if !d.statusManager.Is(utils.Running) {
		return e.ErrProgramIsStoppedOptionFail
	}
	return d.sendCommand(protocol.NewSessionCommand(constants.HaltMessage))
}

func (d *RemoteDebugger) SingleStep(ctx context.Context, threadID int) error {
	logrus.Infof("[RemoteDebugger] SingleStep")
	if !d.IsAttached() {
		return e.ErrNotConnected
	}
	if !d.statusManager.Is(utils.Stopped) {
		return e.ErrProgramIsRunningOptionFail
	}
	if err := d.sendCommand(protocol.NewSingleStepCommand(threadID)); err != nil {
		return err
	}
	d.manager.ClearHits()
	d.statusManager.CompareAndSet(utils.Running, utils.Stopped)
	d.callback(NewContinuedEvent())
	return nil
}

func (d *RemoteDebugger) Detach(ctx context.Context) error {
	logrus.Infof("[RemoteDebugger] Detach")
	if !d.IsAttached() {
		return e.ErrNotConnected
	}
	if err := d.sendCommand(protocol.NewSessionCommand(constants.DetachMessage)); err != nil {
		return err
	}
	d.finishProcess(0, "detached")
	return nil
}

func (d *RemoteDebugger) Terminate(ctx context.Context) error {
	logrus.Infof("[RemoteDebugger] Terminate")
	if !d.IsAttached() {
		return nil
	}
	if err := d.sendCommand(protocol.NewSessionCommand(constants.TerminateMessage)); err != nil {
		return err
	}
	d.finishProcess(0, "terminated")
	return nil
}

func (d *RemoteDebugger) AddBreakpoints(ctx context.Context, kind constants.BreakpointKind,
	addresses []breakpoint.Address) error {
	_, err := d.manager.Add(kind, addresses)
	return err
}

func (d *RemoteDebugger) RemoveBreakpoints(ctx context.Context, kind constants.BreakpointKind,
	addresses []breakpoint.Address) error {
	_, err := d.manager.Remove(kind, addresses)
	return err
}

func (d *RemoteDebugger) SetBreakpointStatus(ctx context.Context, kind constants.BreakpointKind,
	addresses []breakpoint.Address, status constants.BreakpointStatus) error {
	_, err := d.manager.SetStatus(kind, addresses, status)
	return err
}

func (d *RemoteDebugger) GetBreakpointStatus(kind constants.BreakpointKind,
	address breakpoint.Address) (constants.BreakpointStatus, error) {
	return d.manager.Status(kind, address)
}

func (d *RemoteDebugger) GetNumberOfBreakpoints(kind constants.BreakpointKind) int {
	return d.manager.Count(kind)
}

func (d *RemoteDebugger) HasBreakpoint(kind constants.BreakpointKind, address breakpoint.Address) bool {
	return d.manager.Has(kind, address)
}

func (d *RemoteDebugger) GetBreakpoints(kind constants.BreakpointKind) []breakpoint.Breakpoint {
	return d.manager.All(kind)
}

func (d *RemoteDebugger) SetBreakpointCondition(ctx context.Context, address breakpoint.Address,
	condition string) error {
	return d.manager.SetCondition(constants.RegularBreakpoint, address, condition)
}

func (d *RemoteDebugger) SetBreakpointDescription(address breakpoint.Address, description string) error {
	return d.manager.SetDescription(constants.RegularBreakpoint, address, description)
}

func (d *RemoteDebugger) AddListener(callback breakpoint.NotificationCallback) string {
	return d.manager.AddListener(callback)
}

func (d *RemoteDebugger) RemoveListener(id string) {
	d.manager.RemoveListener(id)
}

func (d *RemoteDebugger) GetThreads() []Thread {
	return d.process.Threads()
}

// Manager 断点注册表，trace使用
func (d *RemoteDebugger) Manager() *breakpoint.Manager {
	return d.manager
}

// Hub 阻塞式断点操作使用
func (d *RemoteDebugger) Hub() *breakpoint.ReplyHub {
	return d.hub
}

func (d *RemoteDebugger) Close() error {
	logrus.Infof("[RemoteDebugger] Close")
	if d.statusManager.Is(utils.Finish) {
		return nil
	}
	d.statusManager.Set(utils.Finish)
	return d.transport.Close()
}
