// Package connection はWebSocket接続1本分の読み書きと死活監視を担当する。
package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	// この時間Pongが来なければ切断とみなす
	pongWait       = 60 * time.Second
	pingPeriod     = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client は1つのWebSocket接続。読み込みは呼び出し元のゴルーチン、書き込みは専用ゴルーチンで行う
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewClient wraps conn. logger should already carry the fields identifying the peer.
func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues msg without blocking. A slow peer whose buffer is full loses the message.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down. Safe to call more than once.
// 実際のソケットはwritePumpがクローズフレームを送ってから閉じる
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Run starts the write pump and reads frames until the peer goes away. Frames are
// handed to onMessage in arrival order; onClose runs exactly once afterwards.
func (c *Client) Run(onMessage func([]byte), onClose func()) {
	go c.writePump()
	c.readPump(onMessage)
	c.Close()
	if onClose != nil {
		onClose()
	}
}

func (c *Client) readPump(onMessage func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	// Pongを受け取るたびに読み取りデッドラインを延長する
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("WebSocket closed unexpectedly", zap.Error(err))
			} else {
				c.logger.Debug("WebSocket read finished", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Error writing message", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", zap.Error(err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
