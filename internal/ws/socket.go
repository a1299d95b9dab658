package ws

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
)

var (
	ErrBackpressure = errors.New("send queue full")
	ErrClosed       = errors.New("socket closed")
)

const writeWait = 10 * time.Second

// socket is the registry transport for one websocket. Send only enqueues;
// writePump is the single writer on the connection.
type socket struct {
	c    *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	lg   *zap.Logger

	pingPeriod time.Duration
}

func newSocket(c *websocket.Conn, queue int, pingPeriod time.Duration, lg *zap.Logger) *socket {
	return &socket{
		c:          c,
		out:        make(chan []byte, queue),
		done:       make(chan struct{}),
		lg:         lg,
		pingPeriod: pingPeriod,
	}
}

func (s *socket) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the write pump, which sends a close frame and tears the
// connection down. Safe to call more than once.
func (s *socket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *socket) writePump() {
	t := time.NewTicker(s.pingPeriod)
	defer func() {
		t.Stop()
		_ = s.Close()
		_ = s.c.Close()
	}()
	for {
		select {
		case <-s.done:
			s.flush()
			_ = s.c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-s.out:
			if err := s.write(msg); err != nil {
				s.lg.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-t.C:
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			if err := s.c.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued, best effort.
func (s *socket) flush() {
	for {
		select {
		case msg := <-s.out:
			if s.write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socket) write(msg []byte) error {
	_ = s.c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.c.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	metrics.WSFrameSize.WithLabelValues("out").Observe(float64(len(msg)))
	return nil
}
