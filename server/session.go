package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OwlPlatform/world-model/errors"
	"github.com/OwlPlatform/world-model/logger"
	"github.com/OwlPlatform/world-model/wire"
)

// readPollInterval bounds how long a blocked read waits before the session
// rechecks the interrupted flag and its keep-alive obligation.
const readPollInterval = 250 * time.Millisecond

// sendRetries bounds retransmission attempts when the socket is
// transiently unavailable before the session is torn down.
const sendRetries = 10

// sendRetryDelay is the pause between send retries.
const sendRetryDelay = time.Millisecond

// session is the state shared by solver and client connection machines:
// the socket, activity timestamps, the frame-serializing send mutex, and
// the interrupted flag checked between operations.
type session struct {
	id   string
	conn net.Conn
	br   *bufio.Reader
	log  *zap.SugaredLogger
	clk  clock.Clock

	timeout time.Duration

	interrupted atomic.Bool

	sendMu  sync.Mutex
	limiter *rate.Limiter

	activityMu   sync.Mutex
	lastReceived time.Time
	lastSent     time.Time
}

func newSession(conn net.Conn, role string, timeout time.Duration, clk clock.Clock, log *zap.SugaredLogger) *session {
	id := uuid.NewString()
	now := clk.Now()
	return &session{
		id:      id,
		conn:    conn,
		br:      bufio.NewReader(conn),
		log: log.With(
			logger.FieldSessionID, id,
			logger.FieldRole, role,
			logger.FieldAddress, conn.RemoteAddr().String(),
		),
		clk:     clk,
		timeout: timeout,
		// Pace outbound data frames instead of sleeping between sends.
		limiter:      rate.NewLimiter(rate.Every(10*time.Microsecond), 512),
		lastReceived: now,
		lastSent:     now,
	}
}

// interrupt asks the session to stop; the read loop observes the flag at
// the next poll.
func (s *session) interrupt() {
	s.interrupted.Store(true)
}

func (s *session) markReceived() {
	s.activityMu.Lock()
	s.lastReceived = s.clk.Now()
	s.activityMu.Unlock()
}

func (s *session) markSent() {
	s.activityMu.Lock()
	s.lastSent = s.clk.Now()
	s.activityMu.Unlock()
}

// idle reports whether both directions have been silent past the timeout.
func (s *session) idle() bool {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	now := s.clk.Now()
	return now.Sub(s.lastReceived) > s.timeout && now.Sub(s.lastSent) > s.timeout
}

// needKeepAlive reports whether the connection has sat idle on the send
// side for more than half the timeout.
func (s *session) needKeepAlive() bool {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.clk.Now().Sub(s.lastSent) > s.timeout/2
}

// send frames and writes a message, retrying a bounded number of times on
// transient unavailability. A send that exhausts its retries is fatal for
// the session.
func (s *session) send(m wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if err := wire.WriteMessage(s.conn, m); err != nil {
			lastErr = err
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				time.Sleep(sendRetryDelay)
				continue
			}
			return err
		}
		s.markSent()
		return nil
	}
	return errors.Wrap(lastErr, "send retry budget exhausted")
}

// sendPaced applies the data-frame rate limit before sending, so bursts of
// responses do not overwhelm the socket buffer.
func (s *session) sendPaced(m wire.Message) error {
	if err := s.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return s.send(m)
}

// readFrame polls for the next frame, honoring the interrupted flag and
// sending keep-alives while the connection is quiet. keepAlive is the
// role's empty probe message. Polling peeks through the buffered reader so
// a deadline can never strand a partially read frame.
func (s *session) readFrame(keepAlive wire.Message) (byte, []byte, error) {
	for {
		if s.interrupted.Load() {
			return 0, nil, errors.ErrTimeout
		}
		if s.needKeepAlive() {
			if err := s.send(keepAlive); err != nil {
				return 0, nil, err
			}
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return 0, nil, err
		}
		if _, err := s.br.Peek(1); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return 0, nil, err
		}
		// A frame has started; give the peer the full timeout to finish it.
		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, nil, err
		}
		id, payload, err := wire.ReadFrame(s.br)
		if err != nil {
			return 0, nil, err
		}
		s.markReceived()
		return id, payload, nil
	}
}

// handshake performs the fixed handshake exchange with a handshake-scoped
// read deadline.
func (s *session) handshake() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if err := wire.ExchangeHandshake(bufferedConn{r: s.br, w: s.conn}); err != nil {
		return err
	}
	s.markReceived()
	s.markSent()
	return nil
}

func (s *session) close() {
	s.conn.Close()
}

// bufferedConn pairs the session's buffered reader with the raw socket for
// writes, so handshake reads go through the same buffer as frame reads.
type bufferedConn struct {
	r *bufio.Reader
	w net.Conn
}

func (b bufferedConn) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b bufferedConn) Write(p []byte) (int, error) { return b.w.Write(p) }
