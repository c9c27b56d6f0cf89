// Package broker implements the data broker core: per-connection sessions,
// the request dispatcher, the subscription registry with mutation fan-out,
// and the WebSocket server tying them together.
package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/databroker/internal/metrics"
	"github.com/adred-codev/databroker/internal/protocol"
)

// Time allowed to write a frame to the peer before the session is considered
// dead.
const writeWait = 5 * time.Second

// Session is the broker-side state of one live client connection. The write
// loop is the single owner of the socket's write side: data frames arrive
// through send, control frames (pings, pong replies, close) through control,
// so the read loop and the keep-alive sweeper never touch the socket
// directly.
type Session struct {
	ID       string
	Platform protocol.Platform

	conn    net.Conn
	send    chan []byte
	control chan ws.Frame
	done    chan struct{}

	alive       atomic.Bool
	connectedAt time.Time
	closeOnce   sync.Once
	stats       *Stats
	logger      zerolog.Logger
}

func newSession(id string, platform protocol.Platform, conn net.Conn, sendBuffer int, logger zerolog.Logger) *Session {
	s := &Session{
		ID:          id,
		Platform:    platform,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		control:     make(chan ws.Frame, 8),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		logger:      logger.With().Str("client_id", id).Str("platform", string(platform)).Logger(),
	}
	s.alive.Store(true)
	return s
}

// TrySend queues a data frame without blocking. Returns false when the
// session's buffer is full or the session is closed; the caller decides
// whether that is a drop (fan-out) or a teardown (responses).
func (s *Session) TrySend(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// SendEnvelope encodes and queues a broker-generated envelope. A full send
// buffer on the request/response path means the client stopped reading; the
// session is torn down rather than stalling the read loop.
func (s *Session) SendEnvelope(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error().Err(err).Str("type", env.Type).Msg("Failed to encode envelope, terminating session")
		s.Close()
		return
	}
	if !s.TrySend(data) {
		s.logger.Warn().Str("type", env.Type).Msg("Send buffer full on response path, terminating session")
		s.Close()
	}
}

// queueControl queues a control frame for the write loop. Control frames are
// droppable: a lost ping is retried on the next sweep, a lost pong reply at
// worst costs the peer one liveness round.
func (s *Session) queueControl(frame ws.Frame) {
	select {
	case s.control <- frame:
	default:
	}
}

// Close terminates the session's transport. Idempotent; the read and write
// loops observe the closed socket / done channel and exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writeLoop is the only writer to the socket. It drains the data queue,
// interleaves control frames, and exits when the session closes or a write
// fails.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}
			metrics.MessageSent(len(data))
			if s.stats != nil {
				s.stats.MessagesSent.Add(1)
				s.stats.BytesSent.Add(int64(len(data)))
			}

		case frame := <-s.control:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteFrame(s.conn, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write control frame")
				return
			}
			if frame.Header.OpCode == ws.OpClose {
				return
			}

		case <-s.done:
			return
		}
	}
}

// sendClose queues a clean close frame (code 1000). The write loop exits
// after writing it.
func (s *Session) sendClose(reason string) {
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
	s.queueControl(ws.NewCloseFrame(body))
}
