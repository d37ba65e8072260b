package transport

import (
	"context"
	"sync"

	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
)

// Loopback 内存中的transport，记录发送的命令，由调用方注入agent的消息
type Loopback struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Message
	failNext  error
	onReceive ReceiveHandler
	onClose   CloseHandler
	// onSend 在Send返回之前调用，可以在其中直接Inject回复
	onSend func(message protocol.Message)
}

var _ Transport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Connect(ctx context.Context, onReceive ReceiveHandler, onClose CloseHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer l.mu.Unlock()
	l.mu.Lock()
	l.connected = true
	l.onReceive = onReceive
	l.onClose = onClose
	return nil
}

func (l *Loopback) Send(message protocol.Message) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return e.ErrNotConnected
	}
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, message)
	onSend := l.onSend
	l.mu.Unlock()
	if onSend != nil {
		onSend(message)
	}
	return nil
}

// OnSend 每次发送成功以后在发送方协程中调用onSend，nil表示取消
func (l *Loopback) OnSend(onSend func(message protocol.Message)) {
	defer l.mu.Unlock()
	l.mu.Lock()
	l.onSend = onSend
}

// Inject 在调用方协程中投递一条agent消息
func (l *Loopback) Inject(message protocol.Message) {
	l.mu.Lock()
	onReceive := l.onReceive
	l.mu.Unlock()
	if onReceive != nil {
		onReceive(message)
	}
}

// Drop 模拟连接断开
func (l *Loopback) Drop(err error) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	onClose := l.onClose
	l.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

func (l *Loopback) Close() error {
	l.Drop(nil)
	return nil
}

func (l *Loopback) IsConnected() bool {
	defer l.mu.Unlock()
	l.mu.Lock()
	return l.connected
}

// FailNextSend 下一次Send返回err
func (l *Loopback) FailNextSend(err error) {
	defer l.mu.Unlock()
	l.mu.Lock()
	l.failNext = err
}

// TakeSent 返回并清空已发送的消息
func (l *Loopback) TakeSent() []protocol.Message {
	defer l.mu.Unlock()
	l.mu.Lock()
	sent := l.sent
	l.sent = nil
	return sent
}
