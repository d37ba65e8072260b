package transport

import (
	"context"

	"github.com/fansqz/go-bpsync/protocol"
)

// ReceiveHandler 收到agent消息的回调，在接收协程中串行调用
type ReceiveHandler func(message protocol.Message)

// CloseHandler 连接断开的回调，只会调用一次，主动关闭时err为nil
type CloseHandler func(err error)

// Transport 与远程调试agent之间的连接
type Transport interface {
	Connect(ctx context.Context, onReceive ReceiveHandler, onClose CloseHandler) error
	// Send 发送消息，可以在多个协程中并发调用
	Send(message protocol.Message) error
	Close() error
	IsConnected() bool
}
