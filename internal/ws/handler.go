package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/hub"
	"github.com/collapsinghierarchy/nt-callrelay/internal/logs"
	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
	"github.com/collapsinghierarchy/nt-callrelay/internal/signal"
)

type wsOpts struct {
	readBuf, writeBuf int
	maxMsg            int64
	heartbeat         time.Duration
	sendQueue         int
	rl                interface{ AllowWS(*http.Request) bool } // nil => no limit
}
type Option func(*wsOpts)

func WithRateLimiter(rl interface{ AllowWS(*http.Request) bool }) Option {
	return func(o *wsOpts) { o.rl = rl }
}

func WithBuffers(read, write int) Option {
	return func(o *wsOpts) { o.readBuf, o.writeBuf = read, write }
}
func WithLimits(max int64, heartbeat time.Duration) Option {
	return func(o *wsOpts) { o.maxMsg, o.heartbeat = max, heartbeat }
}

// WithSendQueue bounds the per-connection outbound queue.
func WithSendQueue(n int) Option {
	return func(o *wsOpts) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// originAllowed checks if the Origin header is in the allowlist.
// - Empty Origin (non-browser clients) is allowed.
// - Items in allowedOrigins can be full origins (https://example.com) or hostnames (example.com).
func originAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" {
		return true
	}
	if len(allowedOrigins) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, a := range allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.EqualFold(a, origin) || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// NewHandler upgrades GET /ws?user=<id>&kind=<kind> and feeds frames to h.
func NewHandler(h *hub.Hub, allowedOrigins []string, lg *zap.Logger, dev bool, options ...Option) http.Handler {
	lg = logs.OrNop(lg).Named("ws")
	cfg := wsOpts{readBuf: 64 << 10, writeBuf: 64 << 10, maxMsg: 1 << 20, heartbeat: 60 * time.Second, sendQueue: 64}
	for _, opt := range options {
		opt(&cfg)
	}
	pingPeriod := cfg.heartbeat * 9 / 10

	up := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if dev {
				return true
			}
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
		ReadBufferSize:  cfg.readBuf,
		WriteBufferSize: cfg.writeBuf,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		kind, ok := registry.ParseKind(q.Get("kind"))
		if !ok {
			http.Error(w, "invalid kind", http.StatusBadRequest)
			return
		}
		user := q.Get("user")
		if user == "" {
			user = q.Get("userId")
		}

		if !dev && !originAllowed(allowedOrigins, r.Header.Get("Origin")) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		if cfg.rl != nil && !cfg.rl.AllowWS(r) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			lg.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(cfg.maxMsg)

		sock := newSocket(conn, cfg.sendQueue, pingPeriod, lg)
		info, err := h.Admit(user, kind, sock)
		if err != nil {
			refuse(conn, err, lg)
			return
		}
		id := info.ID
		clg := lg.With(zap.String("conn", id), zap.String("user", user), zap.String("kind", string(kind)))

		go sock.writePump()

		_ = conn.SetReadDeadline(time.Now().Add(cfg.heartbeat))
		conn.SetPongHandler(func(data string) error {
			if err := conn.SetReadDeadline(time.Now().Add(cfg.heartbeat)); err != nil {
				return err
			}
			h.Touch(id)
			if ts, err := strconv.ParseInt(data, 10, 64); err == nil {
				metrics.WSRTTSeconds.Observe(time.Since(time.Unix(0, ts)).Seconds())
			}
			return nil
		})

		h.Open(id)
		clg.Debug("ws connected")

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.Disconnect(id, nil)
				} else {
					clg.Debug("ws read error", zap.Error(err))
					h.Disconnect(id, err)
				}
				return
			}
			metrics.WSFrameSize.WithLabelValues("in").Observe(float64(len(msg)))
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(cfg.heartbeat))
			h.Dispatch(id, msg)
		}
	})
}

// refuse answers a failed admission before any pump is running.
func refuse(conn *websocket.Conn, err error, lg *zap.Logger) {
	defer conn.Close()
	code := websocket.CloseGoingAway
	body := signal.ErrorBody{Code: "unavailable", Message: err.Error()}
	if errors.Is(err, registry.ErrCapacityExceeded) {
		code = websocket.CloseTryAgainLater
		body.Code = signal.CodeCapacityExceeded
		lg.Info("ws admission refused", zap.Error(err))
	}
	if env, e := signal.New(signal.Error, body); e == nil {
		if b, e := env.Encode(); e == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, body.Code), time.Now().Add(writeWait))
}
