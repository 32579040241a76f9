package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/document"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsSendBufferSize = 64
	wsMaxMessageSize = 4 << 20
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
)

var (
	errConnectionClosed = errors.New("server: websocket connection closed")
	errSendBufferFull   = errors.New("server: websocket send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsConnection owns one websocket. Writes happen on its writer goroutine only.
type wsConnection struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	return &wsConnection{
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		closed: make(chan struct{}),
	}
}

// TrySend queues message for the writer without blocking.
func (connection *wsConnection) TrySend(message []byte) error {
	select {
	case <-connection.closed:
		return errConnectionClosed
	default:
	}
	select {
	case connection.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

func (connection *wsConnection) close() {
	connection.closeOnce.Do(func() {
		close(connection.closed)
		_ = connection.conn.Close()
	})
}

func (connection *wsConnection) writeLoop(logger *zap.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer connection.close()
	for {
		select {
		case <-connection.closed:
			_ = connection.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case message := <-connection.send:
			_ = connection.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := connection.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := connection.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// handleWebsocket upgrades the request and feeds every binary frame to the
// dispatch actor. Rejected frames are logged and the connection stays open.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	uid := c.GetInt64(uidContextKey)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Int64("uid", uid), zap.Error(err))
		return
	}

	connection := newWSConnection(conn)
	logger := h.logger.With(zap.Int64("uid", uid))
	user := document.NewRevisionUser(uid, connection, logger)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		h.live.Unsubscribe(user)
		connection.close()
		logger.Debug("websocket closed")
	}()
	go connection.writeLoop(logger)

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := document.Dispatch(ctx, h.dispatch, document.ClientData{UID: uid, User: user, Raw: data}); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("client frame rejected",
				zap.String("kind", string(collab.KindOf(err))),
				zap.Error(err))
		}
	}
}
