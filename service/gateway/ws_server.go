package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"PPCollab/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsTransport adapts a gorilla connection. Data writes come only from the
// connection's writer goroutine; WriteControl is safe alongside them.
type wsTransport struct {
	ws        *websocket.Conn
	broken    atomic.Bool
	closeOnce sync.Once
}

func (t *wsTransport) WriteText(data []byte, deadline time.Time) error {
	_ = t.ws.SetWriteDeadline(deadline)
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.broken.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Ping(deadline time.Time) error {
	if err := t.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		t.broken.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.broken.Store(true)
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) Writable() bool { return !t.broken.Load() }

func (t *wsTransport) RemoteAddr() string {
	if a := t.ws.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type ServerConf struct {
	MaxMessageBytes   int64
	HeartbeatInterval time.Duration
	AllowedOrigins    []string // empty: allow all
}

// Server is the websocket entry point.
type Server struct {
	reg      *Registry
	disp     *Dispatcher
	conf     ServerConf
	upgrader websocket.Upgrader
}

func NewServer(reg *Registry, disp *Dispatcher, conf ServerConf) *Server {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(disp, "dispatcher")
	if conf.MaxMessageBytes <= 0 {
		conf.MaxMessageBytes = 64 << 10
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = reg.conf.HeartbeatInterval
	}
	s := &Server{reg: reg, disp: disp, conf: conf}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }
func (s *Server) Disp() *Dispatcher   { return s.disp }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.conf.AllowedOrigins {
		if strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
			return true
		}
	}
	return false
}

// HandleWS upgrades the request and runs the read loop until the peer goes away.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.reg.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}

	connID := s.reg.Register(&wsTransport{ws: ws})
	// A peer gets two heartbeat periods to answer before the read deadline fires.
	readWait := 2 * s.conf.HeartbeatInterval
	ws.SetReadLimit(s.conf.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		s.reg.Pong(connID)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	reason := "client closed"
readLoop:
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			switch {
			case websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				s.reg.log.Debug("peer closed", zap.String("conn_id", connID))
			case isTimeout(rerr):
				reason = "read timeout"
			case rerr == websocket.ErrReadLimit:
				reason = "message too large"
			default:
				reason = "read error"
				s.reg.log.Debug("read failed", zap.String("conn_id", connID), zap.Error(rerr))
			}
			break readLoop
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.disp.Dispatch(ctx, s.reg, connID, data)
	}

	s.reg.Close(connID, reason)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
