package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/config"
	"github.com/fansqz/go-bpsync/debugger"
	"github.com/fansqz/go-bpsync/trace"
	"github.com/fansqz/go-bpsync/transport"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TransportFactory 根据agent地址创建transport
type TransportFactory func(agentURL string) transport.Transport

func newAgentTransport(cfg *config.Config) TransportFactory {
	return func(agentURL string) transport.Transport {
		return transport.NewWebsocketTransport(agentURL, nil, cfg.IdleTimeout)
	}
}

// DebugSession 一个DAP客户端连接对应的调试会话
type DebugSession struct {
	conn net.Conn
	// rw is used to read requests and write events/responses
	rw           *bufio.ReadWriter
	config       *config.Config
	newTransport TransportFactory

	ctx context.Context
	// sendQueue 请求处理、agent事件以及断点事件都通过该队列由发送协程写回客户端
	sendQueue chan dap.Message

	// 以下字段只在请求处理协程中访问
	debugger    *debugger.RemoteDebugger
	helper      *trace.Helper
	traceLogger *trace.TraceLogger

	lock             sync.Mutex
	breakpointIDs    map[breakpoint.Address]int
	nextBreakpointID int
	lastTrace        *trace.EventTrace
}

// handleConnection 读取并处理客户端请求，直到连接关闭
func handleConnection(conn net.Conn, cfg *config.Config, newTransport TransportFactory) {
	logrus.Infof("[DebugSession] accept connection from %s", conn.RemoteAddr())
	group, ctx := errgroup.WithContext(context.Background())
	s := &DebugSession{
		conn:          conn,
		rw:            bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		config:        cfg,
		newTransport:  newTransport,
		ctx:           ctx,
		sendQueue:     make(chan dap.Message, 100),
		breakpointIDs: map[breakpoint.Address]int{},
	}

	group.Go(func() error {
		return s.sendFromQueue(ctx)
	})
	group.Go(func() error {
		for {
			if err := s.handleRequest(); err != nil {
				return err
			}
		}
	})
	// 任意一个协程退出以后关闭连接，阻塞中的读取会返回
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logrus.Errorf("[DebugSession] connection from %s fail, err = %v", conn.RemoteAddr(), err)
	}
	logrus.Infof("[DebugSession] closing connection from %s", conn.RemoteAddr())
	if s.debugger != nil {
		_ = s.debugger.Close()
	}
}

func (s *DebugSession) handleRequest() error {
	request, err := dap.ReadProtocolMessage(s.rw.Reader)
	if err != nil {
		var fieldErr *dap.DecodeProtocolMessageFieldError
		if errors.As(err, &fieldErr) {
			// 不支持的请求，回复错误以后继续读取
			logrus.Warnf("[DebugSession] decode request fail, err = %v", err)
			s.send(newErrorResponse(fieldErr.Seq, fieldErr.SubType, fieldErr.Error()))
			return nil
		}
		return err
	}
	s.dispatchRequest(request)
	return nil
}

func (s *DebugSession) dispatchRequest(request dap.Message) {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.SetInstructionBreakpointsRequest:
		s.onSetInstructionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.PauseRequest:
		s.onPauseRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.TerminateRequest:
		s.onTerminateRequest(request)
	default:
		if baseReq, ok := request.(dap.RequestMessage); ok {
			r := baseReq.GetRequest()
			s.send(newErrorResponse(r.Seq, r.Command, fmt.Sprintf("%s is not yet supported", r.Command)))
		}
		logrus.Warnf("[DebugSession] unable to process %#v", request)
	}
}

// send 把消息放入发送队列，连接关闭以后直接丢弃
func (s *DebugSession) send(message dap.Message) {
	select {
	case s.sendQueue <- message:
	case <-s.ctx.Done():
	}
}

func (s *DebugSession) sendFromQueue(ctx context.Context) error {
	for {
		select {
		case message := <-s.sendQueue:
			if err := dap.WriteProtocolMessage(s.rw.Writer, message); err != nil {
				return err
			}
			if err := s.rw.Flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

func newErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body.Error = &dap.ErrorMessage{}
	er.Body.Error.Format = message
	er.Body.Error.Id = 12345
	return er
}
