package trace

import (
	"context"
	"time"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
	"github.com/sirupsen/logrus"
)

// Helper
// 阻塞式的echo断点操作：先登记Expectation，再执行操作，得到地址集合以后绑定并等待agent确认。
// 超时或者取消不会回滚注册表，断点保持等待之前的状态。
type Helper struct {
	registry Registry
	hub      *breakpoint.ReplyHub
	timeout  time.Duration
}

func NewHelper(registry Registry, hub *breakpoint.ReplyHub, timeout time.Duration) *Helper {
	return &Helper{
		registry: registry,
		hub:      hub,
		timeout:  timeout,
	}
}

// SetEchoBreakpointsAndWait 设置echo断点并等待所有SET回复，返回agent拒绝的地址
func (h *Helper) SetEchoBreakpointsAndWait(ctx context.Context, addresses []breakpoint.Address) ([]breakpoint.Address, error) {
	return h.do(ctx, constants.SetCommand, func() (*breakpoint.Change, error) {
		return h.registry.Add(constants.EchoBreakpoint, addresses)
	})
}

// RemoveEchoBreakpointsAndWait 删除echo断点并等待所有REMOVE回复
func (h *Helper) RemoveEchoBreakpointsAndWait(ctx context.Context, addresses []breakpoint.Address) ([]breakpoint.Address, error) {
	return h.do(ctx, constants.RemoveCommand, func() (*breakpoint.Change, error) {
		return h.registry.Remove(constants.EchoBreakpoint, addresses)
	})
}

// StartTraceAndWait 开始trace并等待所有echo断点设置完成
func (h *Helper) StartTraceAndWait(ctx context.Context, logger *TraceLogger, trace *EventTrace,
	addresses []breakpoint.Address, maxHits int) ([]breakpoint.Address, error) {
	return h.do(ctx, constants.SetCommand, func() (*breakpoint.Change, error) {
		return logger.Start(trace, addresses, maxHits)
	})
}

// StopTraceAndWait 结束trace并等待剩余echo断点删除完成
// 需要删除的地址由logger计算，计算完成之前到达的回复先缓存
func (h *Helper) StopTraceAndWait(ctx context.Context, logger *TraceLogger) ([]breakpoint.Address, error) {
	return h.do(ctx, constants.RemoveCommand, logger.Stop)
}

func (h *Helper) do(ctx context.Context, command constants.CommandKind,
	operation func() (*breakpoint.Change, error)) ([]breakpoint.Address, error) {
	expectation := h.hub.Expect(constants.EchoBreakpoint, command)
	defer expectation.Close()

	change, err := operation()
	if err != nil {
		return nil, err
	}
	expectation.Bind(change.Sent)

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if err = expectation.Wait(ctx); err != nil {
		logrus.Warnf("[Helper] wait for echo %s replies fail, err = %v", command, err)
		return nil, err
	}
	return expectation.Failed(), nil
}
