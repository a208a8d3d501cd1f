package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/protocol"
)

// SessionState is the protocol state of a session
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const readChunkSize = 4096

// ErrSessionManagerClosed is returned by CreateSession after CloseAll
var ErrSessionManagerClosed = errors.New("session manager closed")

// Session represents one live client connection
type Session struct {
	ID        string
	Transport string

	conn    net.Conn
	logger  zerolog.Logger
	metrics *Metrics
	limiter *rate.Limiter // nil when rate limiting is off
	onClose func(*Session)

	mu       sync.Mutex // Protects username, state and queue
	username string
	state    SessionState
	queue    [][]byte // Encoded frames waiting for the writer

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Username returns the bound username, empty before login
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether a login has succeeded on this session
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Logger returns a copy of the session's logger, tagged with its id, address
// and, once logged in, username
func (s *Session) Logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logger
	return &l
}

// authenticate binds username and moves the session to StateAuthenticated.
// It returns false if the session is already closed.
func (s *Session) authenticate(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	s.username = username
	s.state = StateAuthenticated
	s.logger = s.logger.With().Str(logging.FieldUsername, username).Logger()
	return true
}

// Allow reports whether the rate limiter admits one more chat message
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Deliver encodes payload as a frame and appends it to the outbound queue.
// It returns false if the session is closed.
func (s *Session) Deliver(payload []byte) bool {
	frame, err := protocol.Encode(payload)
	if err != nil {
		s.Logger().Error().Err(err).Int("bytes", len(payload)).Msg("Failed to encode outbound frame")
		return false
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, frame)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.RecordQueueDepth(depth)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// QueueLen returns the number of frames waiting to be written
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// writeLoop drains the outbound queue, one write in flight at a time
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.state == StateClosed {
				s.mu.Unlock()
				break
			}
			head := s.queue[0]
			s.mu.Unlock()

			if _, err := s.conn.Write(head); err != nil {
				s.Logger().Debug().Err(err).Msg("Write failed, closing session")
				s.Close()
				return
			}

			s.mu.Lock()
			if len(s.queue) > 0 {
				s.queue[0] = nil
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
		}
	}
}

// ReadLoop reads from the connection until it fails or the session closes,
// passing every non-empty frame payload to handle. It returns nil on a clean
// end of stream or local close.
func (s *Session) ReadLoop(maxFrameSize uint32, handle func(*Session, []byte)) error {
	dec := protocol.NewDecoder(maxFrameSize)
	buf := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, ok, ferr := dec.Next()
				if ferr != nil {
					return ferr
				}
				if !ok {
					break
				}
				// Zero-length frames carry no message
				if len(payload) == 0 {
					continue
				}
				handle(s, payload)
				if s.State() == StateClosed {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.State() == StateClosed {
				return nil
			}
			return err
		}
	}
}

// Close moves the session to StateClosed, drops pending frames and closes the
// connection. The close callback runs exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		dropped := len(s.queue)
		s.queue = nil
		logger := s.logger
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()

		if dropped > 0 {
			logger.Debug().Int("dropped_frames", dropped).Msg("Discarded unsent frames")
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionOptions configures sessions created by a SessionManager
type SessionOptions struct {
	MessageRate  float64 // messages per second; 0 disables the limiter
	MessageBurst int
	// OnClose runs once per session after its connection is closed
	OnClose func(*Session)
}

// SessionManager is the arena of live sessions keyed by id. Asynchronous
// paths hold ids, never sessions, and resolve them here.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool
	opts     SessionOptions
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewSessionManager creates a new session manager
func NewSessionManager(opts SessionOptions, metrics *Metrics, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateSession registers a new session for conn and starts its writer
func (sm *SessionManager) CreateSession(conn net.Conn, transport string) (*Session, error) {
	id := uuid.NewString()

	sess := &Session{
		ID:        id,
		Transport: transport,
		conn:      conn,
		metrics:   sm.metrics,
		onClose:   sm.opts.OnClose,
		state:     StateUnauthenticated,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger: sm.logger.With().
			Str(logging.FieldSessionID, id).
			Str(logging.FieldRemoteAddr, conn.RemoteAddr().String()).
			Str(logging.FieldTransport, transport).
			Logger(),
	}
	if sm.opts.MessageRate > 0 {
		burst := sm.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(sm.opts.MessageRate), burst)
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrSessionManagerClosed
	}
	sm.sessions[id] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated(transport)

	go sess.writeLoop()
	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession retires an id from the arena. It reports whether the id was live.
func (sm *SessionManager) RemoveSession(id string) bool {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, id)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionDisconnected()
	return true
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session and refuses new ones
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	// Close outside the lock; OnClose calls back into RemoveSession
	for _, sess := range sessions {
		sess.Close()
	}
}
