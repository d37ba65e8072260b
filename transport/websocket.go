package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/fansqz/go-bpsync/utils/gosync"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebsocketTransport 通过websocket与agent通信，每条消息为一个json文本帧
type WebsocketTransport struct {
	url         string
	header      http.Header
	idleTimeout time.Duration

	mu        sync.RWMutex
	writeLock sync.Mutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once
	watchdog  *utils.TimeoutManager
	cancel    context.CancelFunc
	onClose   CloseHandler
}

var _ Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport idleTimeout为0时不检测连接空闲
func NewWebsocketTransport(url string, header http.Header, idleTimeout time.Duration) *WebsocketTransport {
	return &WebsocketTransport{
		url:         url,
		header:      header,
		idleTimeout: idleTimeout,
	}
}

func (w *WebsocketTransport) Connect(ctx context.Context, onReceive ReceiveHandler, onClose CloseHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return fmt.Errorf("websocket transport to %s is already used", w.url)
	}
	logrus.Infof("[WebsocketTransport] connecting to %s", w.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		logrus.Errorf("[WebsocketTransport] dial %s fail, err = %v", w.url, err)
		return fmt.Errorf("%w: %w", e.ErrTransport, err)
	}
	w.conn = conn
	w.connected = true
	w.onClose = onClose

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	if w.idleTimeout > 0 {
		w.watchdog = utils.NewTimeoutManager()
		w.watchdog.Start(loopCtx, w.idleTimeout, func() {
			logrus.Warnf("[WebsocketTransport] no message from agent in %v", w.idleTimeout)
			w.shutdown(e.ErrTimeout)
		})
	}
	gosync.Go(loopCtx, func(ctx context.Context) {
		w.readLoop(conn, onReceive)
	})
	return nil
}

func (w *WebsocketTransport) readLoop(conn *websocket.Conn, onReceive ReceiveHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.shutdown(nil)
			} else {
				logrus.Errorf("[WebsocketTransport] read fail, err = %v", err)
				w.shutdown(err)
			}
			return
		}
		if w.watchdog != nil {
			w.watchdog.Reset()
		}
		message, err := protocol.Decode(data)
		if err != nil {
			logrus.Warnf("[WebsocketTransport] decode message fail, err = %v", err)
			continue
		}
		onReceive(message)
	}
}

func (w *WebsocketTransport) Send(message protocol.Message) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	w.mu.RLock()
	conn, connected := w.conn, w.connected
	w.mu.RUnlock()
	if !connected {
		return e.ErrNotConnected
	}
	defer w.writeLock.Unlock()
	w.writeLock.Lock()
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", e.ErrTransport, err)
	}
	return nil
}

func (w *WebsocketTransport) Close() error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return nil
	}
	w.writeLock.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeLock.Unlock()
	w.shutdown(nil)
	return nil
}

// shutdown 关闭连接并且调用onClose，只执行一次
func (w *WebsocketTransport) shutdown(err error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.connected = false
		conn, onClose := w.conn, w.onClose
		w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		logrus.Infof("[WebsocketTransport] connection to %s closed", w.url)
		if onClose != nil {
			onClose(err)
		}
	})
}

func (w *WebsocketTransport) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
