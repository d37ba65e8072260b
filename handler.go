package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
	"github.com/fansqz/go-bpsync/debugger"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/trace"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// attachArguments attach请求的参数，agentUrl为空时使用配置中的地址
type attachArguments struct {
	AgentURL string `json:"agentUrl"`
}

func (s *DebugSession) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsInstructionBreakpoints = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportsEvaluateForHovers = false
	response.Body.SupportsStepBack = false
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{}
	s.send(response)
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *DebugSession) onAttachRequest(request *dap.AttachRequest) {
	if s.debugger != nil {
		s.send(newErrorResponse(request.Seq, request.Command, "debugger is already attached"))
		return
	}
	args := attachArguments{}
	if len(request.Arguments) > 0 {
		if err := json.Unmarshal(request.Arguments, &args); err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
	}
	if args.AgentURL == "" {
		args.AgentURL = s.config.AgentURL
	}

	d := debugger.NewRemoteDebugger(s.newTransport(args.AgentURL), &debugger.StartOption{
		Callback:                 s.onDebugEvent,
		ReplyBufferWarnThreshold: s.config.ReplyBufferWarnThreshold,
		MaxUnexpectedReplies:     s.config.MaxUnexpectedReplies,
	})
	d.AddListener(s.onBreakpointEvent)
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HelperTimeout)
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		logrus.Errorf("[DebugSession] connect agent %s fail, err = %v", args.AgentURL, err)
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	s.debugger = d
	s.helper = trace.NewHelper(d.Manager(), d.Hub(), s.config.HelperTimeout)
	s.traceLogger = trace.NewTraceLogger(d.Manager(), s.onTraceFinished)

	response := &dap.AttachResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

// getDebugger 未attach时回复错误并返回nil
func (s *DebugSession) getDebugger(request dap.Request) *debugger.RemoteDebugger {
	if s.debugger == nil {
		s.send(newErrorResponse(request.Seq, request.Command, e.ErrNotConnected.Error()))
	}
	return s.debugger
}

// onSetInstructionBreakpointsRequest 请求中的断点集合替换所有普通断点
func (s *DebugSession) onSetInstructionBreakpointsRequest(request *dap.SetInstructionBreakpointsRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	ctx := s.ctx
	requested := request.Arguments.Breakpoints
	results := make([]dap.Breakpoint, len(requested))
	addresses := make([]breakpoint.Address, len(requested))
	valid := make([]bool, len(requested))
	desired := make([]breakpoint.Address, 0, len(requested))
	for i, bp := range requested {
		address, err := parseInstructionReference(bp.InstructionReference, bp.Offset)
		if err != nil {
			results[i] = dap.Breakpoint{
				Verified:             false,
				Message:              err.Error(),
				InstructionReference: bp.InstructionReference,
				Offset:               bp.Offset,
			}
			continue
		}
		addresses[i], valid[i] = address, true
		desired = append(desired, address)
	}

	desiredSet := utils.List2set(desired)
	var stale []breakpoint.Address
	for _, bp := range d.GetBreakpoints(constants.RegularBreakpoint) {
		if !desiredSet.Contains(bp.Address) && bp.PendingRemoval != constants.RemoveToDelete {
			stale = append(stale, bp.Address)
		}
	}
	if len(stale) > 0 {
		if err := d.RemoveBreakpoints(ctx, constants.RegularBreakpoint, stale); err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
	}
	if err := d.AddBreakpoints(ctx, constants.RegularBreakpoint, desired); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}

	current := map[breakpoint.Address]breakpoint.Breakpoint{}
	for _, bp := range d.GetBreakpoints(constants.RegularBreakpoint) {
		current[bp.Address] = bp
	}
	for i, bp := range requested {
		if !valid[i] {
			continue
		}
		address := addresses[i]
		if current[address].Condition != bp.Condition {
			if err := d.SetBreakpointCondition(ctx, address, bp.Condition); err != nil {
				logrus.Warnf("[DebugSession] set condition of %s fail, err = %v", address, err)
			}
		}
		registered, ok := current[address]
		if !ok {
			registered = breakpoint.Breakpoint{Kind: constants.RegularBreakpoint, Address: address,
				Status: constants.StatusInvalid}
		}
		registered.Condition = bp.Condition
		results[i] = s.toDapBreakpoint(registered)
	}

	response := &dap.SetInstructionBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = results
	s.send(response)
}

func (s *DebugSession) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	response := &dap.ConfigurationDoneResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onContinueRequest(request *dap.ContinueRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	if err := d.Resume(s.ctx); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ContinueResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.AllThreadsContinued = true
	s.send(response)
}

func (s *DebugSession) onPauseRequest(request *dap.PauseRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	if err := d.Halt(s.ctx); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.PauseResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onNextRequest(request *dap.NextRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	if err := d.SingleStep(s.ctx, request.Arguments.ThreadId); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.NextResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onStepInRequest(request *dap.StepInRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	if err := d.SingleStep(s.ctx, request.Arguments.ThreadId); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.StepInResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onThreadsRequest(request *dap.ThreadsRequest) {
	response := &dap.ThreadsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Threads = []dap.Thread{}
	if s.debugger != nil {
		for _, thread := range s.debugger.GetThreads() {
			response.Body.Threads = append(response.Body.Threads, dap.Thread{
				Id:   thread.ID,
				Name: fmt.Sprintf("thread %d at 0x%X", thread.ID, thread.CurrentAddress),
			})
		}
	}
	s.send(response)
}

// onEvaluateRequest 支持trace命令：
//
//	trace start NAME MAXHITS REFERENCE...
//	trace stop
//	trace status
func (s *DebugSession) onEvaluateRequest(request *dap.EvaluateRequest) {
	fields := strings.Fields(request.Arguments.Expression)
	if len(fields) < 2 || fields[0] != "trace" {
		s.send(newErrorResponse(request.Seq, request.Command,
			fmt.Sprintf("unsupported expression %q", request.Arguments.Expression)))
		return
	}
	var result string
	var err error
	switch fields[1] {
	case "start":
		result, err = s.startTrace(fields[2:])
	case "stop":
		result, err = s.stopTrace()
	case "status":
		result = s.traceStatus()
	default:
		err = fmt.Errorf("unknown trace command %s", fields[1])
	}
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.EvaluateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Result = result
	s.send(response)
}

func (s *DebugSession) startTrace(args []string) (string, error) {
	if s.debugger == nil {
		return "", e.ErrNotConnected
	}
	if len(args) < 3 {
		return "", errors.New("usage: trace start NAME MAXHITS REFERENCE...")
	}
	maxHits, err := strconv.Atoi(args[1])
	if err != nil {
		return "", fmt.Errorf("invalid max hits %s: %w", args[1], err)
	}
	addresses := make([]breakpoint.Address, 0, len(args)-2)
	for _, reference := range args[2:] {
		address, err := parseInstructionReference(reference, 0)
		if err != nil {
			return "", err
		}
		addresses = append(addresses, address)
	}
	failed, err := s.helper.StartTraceAndWait(s.ctx, s.traceLogger, trace.NewEventTrace(args[0]), addresses, maxHits)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("trace %s armed on %d addresses, %d rejected", args[0], s.traceLogger.ActiveCount(),
		len(failed)), nil
}

func (s *DebugSession) stopTrace() (string, error) {
	if s.debugger == nil {
		return "", e.ErrNotConnected
	}
	if !s.traceLogger.IsRunning() {
		return "no trace is running", nil
	}
	if _, err := s.helper.StopTraceAndWait(s.ctx, s.traceLogger); err != nil {
		return "", err
	}
	return s.traceStatus(), nil
}

func (s *DebugSession) traceStatus() string {
	if s.traceLogger != nil && s.traceLogger.IsRunning() {
		return fmt.Sprintf("trace is running on %d addresses", s.traceLogger.ActiveCount())
	}
	s.lock.Lock()
	last := s.lastTrace
	s.lock.Unlock()
	if last == nil {
		return "no trace"
	}
	return fmt.Sprintf("trace %s finished with %d events", last.Name, last.Len())
}

func (s *DebugSession) onDisconnectRequest(request *dap.DisconnectRequest) {
	if s.debugger != nil {
		if err := s.debugger.Detach(s.ctx); err != nil && !errors.Is(err, e.ErrNotConnected) {
			logrus.Warnf("[DebugSession] detach fail, err = %v", err)
		}
		_ = s.debugger.Close()
	}
	response := &dap.DisconnectResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onTerminateRequest(request *dap.TerminateRequest) {
	d := s.getDebugger(request.Request)
	if d == nil {
		return
	}
	if err := d.Terminate(s.ctx); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.TerminateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

// onDebugEvent 会话事件转换为DAP事件
func (s *DebugSession) onDebugEvent(event interface{}) {
	switch ev := event.(type) {
	case *debugger.ProcessStartedEvent:
		s.sendOutput("console", fmt.Sprintf("process started with %d modules\n", len(ev.Modules)))
	case *debugger.StoppedEvent:
		stopped := &dap.StoppedEvent{Event: *newEvent("stopped")}
		stopped.Body.Reason = string(ev.Reason)
		stopped.Body.ThreadId = ev.ThreadID
		stopped.Body.AllThreadsStopped = true
		s.send(stopped)
	case *debugger.ContinuedEvent:
		continued := &dap.ContinuedEvent{Event: *newEvent("continued")}
		continued.Body.AllThreadsContinued = true
		s.send(continued)
	case *debugger.ThreadEvent:
		thread := &dap.ThreadEvent{Event: *newEvent("thread")}
		thread.Body.Reason = "exited"
		if ev.Started {
			thread.Body.Reason = "started"
		}
		thread.Body.ThreadId = ev.ThreadID
		s.send(thread)
	case *debugger.ModuleEvent:
		module := &dap.ModuleEvent{Event: *newEvent("module")}
		module.Body.Reason = "removed"
		if ev.Loaded {
			module.Body.Reason = "new"
		}
		module.Body.Module = dap.Module{
			Id:           ev.Module.Name,
			Name:         ev.Module.Name,
			AddressRange: fmt.Sprintf("0x%X-0x%X", ev.Module.ImageBase, ev.Module.ImageBase+ev.Module.Size),
		}
		s.send(module)
	case *debugger.CommandErrorEvent:
		s.sendOutput("stderr", fmt.Sprintf("%s fail, errorCode = %d, %s\n", ev.Command, ev.ErrorCode, ev.Message))
	case *debugger.ExitedEvent:
		exited := &dap.ExitedEvent{Event: *newEvent("exited")}
		exited.Body.ExitCode = ev.ExitCode
		s.send(exited)
	case *debugger.TerminatedEvent:
		if ev.Err != nil {
			s.sendOutput("stderr", fmt.Sprintf("agent connection closed, err = %v\n", ev.Err))
		}
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
}

// onBreakpointEvent 普通断点的变化转换为DAP breakpoint事件
func (s *DebugSession) onBreakpointEvent(event interface{}) {
	switch ev := event.(type) {
	case *breakpoint.BreakpointEvent:
		if ev.Kind != constants.RegularBreakpoint {
			return
		}
		reason := "changed"
		switch ev.Reason {
		case constants.NewType:
			reason = "new"
		case constants.RemovedType:
			reason = "removed"
		}
		for _, bp := range ev.Breakpoints {
			message := &dap.BreakpointEvent{Event: *newEvent("breakpoint")}
			message.Body.Reason = reason
			message.Body.Breakpoint = s.toDapBreakpoint(bp)
			if ev.Reason == constants.RemovedType {
				s.releaseBreakpointID(bp.Address)
			}
			s.send(message)
		}
	case *breakpoint.AgentErrorEvent:
		s.sendOutput("stderr", ev.Error()+"\n")
	}
}

func (s *DebugSession) onTraceFinished(finished *trace.EventTrace) {
	s.lock.Lock()
	s.lastTrace = finished
	s.lock.Unlock()
	s.sendOutput("console", fmt.Sprintf("trace %s finished with %d events\n", finished.Name, finished.Len()))
}

func (s *DebugSession) sendOutput(category string, output string) {
	message := &dap.OutputEvent{Event: *newEvent("output")}
	message.Body.Category = category
	message.Body.Output = output
	s.send(message)
}

// toDapBreakpoint 等待REMOVE确认的断点不是verified
func (s *DebugSession) toDapBreakpoint(bp breakpoint.Breakpoint) dap.Breakpoint {
	verified := bp.Status == constants.StatusActive || bp.Status == constants.StatusHit
	return dap.Breakpoint{
		Id:                   s.breakpointID(bp.Address),
		Verified:             verified && bp.PendingRemoval == constants.NoRemoval,
		Message:              string(bp.Status),
		InstructionReference: formatInstructionReference(bp.Address),
	}
}

// breakpointID 同一个地址在删除之前使用同一个id
func (s *DebugSession) breakpointID(address breakpoint.Address) int {
	defer s.lock.Unlock()
	s.lock.Lock()
	if id, ok := s.breakpointIDs[address]; ok {
		return id
	}
	s.nextBreakpointID++
	s.breakpointIDs[address] = s.nextBreakpointID
	return s.nextBreakpointID
}

func (s *DebugSession) releaseBreakpointID(address breakpoint.Address) {
	defer s.lock.Unlock()
	s.lock.Lock()
	delete(s.breakpointIDs, address)
}

// parseInstructionReference "module!0x1000"为模块内的地址，"0x1000"为绝对地址
func parseInstructionReference(reference string, offset int) (breakpoint.Address, error) {
	module, value := "", reference
	if i := strings.LastIndex(reference, "!"); i >= 0 {
		module, value = reference[:i], reference[i+1:]
	}
	address, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return breakpoint.Address{}, fmt.Errorf("%w: %s", e.ErrInvalidAddress, reference)
	}
	return breakpoint.NewAddress(module, uint64(int64(address)+int64(offset))), nil
}

func formatInstructionReference(address breakpoint.Address) string {
	if address.Module == "" {
		return fmt.Sprintf("0x%X", address.Offset)
	}
	return fmt.Sprintf("%s!0x%X", address.Module, address.Offset)
}
