package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/relay/pkg/credentials"
	"github.com/aeolun/relay/pkg/history"
	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/protocol"
)

// handleFrame decodes one frame payload and dispatches it. Malformed payloads
// are logged and dropped; the session stays open.
func (s *Server) handleFrame(sess *Session, payload []byte) {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		s.metrics.RecordMalformedFrame()
		sess.Logger().Warn().
			Err(err).
			Str("payload", protocol.PreviewForLog(payload)).
			Msg("Dropping malformed frame")
		return
	}

	if err := s.handleMessage(sess, req); err != nil {
		sess.Logger().Error().Err(err).Str(logging.FieldMsgType, req.Kind()).Msg("Handler failed")
	}
}

// handleMessage dispatches a request to the appropriate handler
func (s *Server) handleMessage(sess *Session, req protocol.Request) error {
	if _, unknown := req.(*protocol.UnknownRequest); unknown {
		s.metrics.RecordMessageReceived("unknown")
	} else {
		s.metrics.RecordMessageReceived(req.Kind())
	}

	switch msg := req.(type) {
	case *protocol.RegisterRequest:
		return s.handleRegister(sess, msg)
	case *protocol.LoginRequest:
		return s.handleLogin(sess, msg)
	case *protocol.ChatRequest:
		return s.handleChat(sess, msg)
	case *protocol.PrivateRequest:
		return s.handlePrivate(sess, msg)
	case *protocol.HeartbeatRequest:
		return s.sendMessage(sess, protocol.TypePong, protocol.NewPong())
	case *protocol.HistoryRequest:
		return s.handleHistory(sess, msg)
	case *protocol.ListUsersRequest:
		return s.sendMessage(sess, protocol.TypeUserList, protocol.NewUserList(s.router.SnapshotUsernames()))
	case *protocol.LogoutRequest:
		sess.Logger().Info().Msg("Logout requested")
		sess.Close()
		return nil
	case *protocol.UnknownRequest:
		sess.Logger().Warn().Str(logging.FieldMsgType, msg.Type).Msg("Ignoring unknown message type")
		return nil
	default:
		return fmt.Errorf("unhandled request %T", req)
	}
}

// handleRegister handles register
func (s *Server) handleRegister(sess *Session, msg *protocol.RegisterRequest) error {
	err := s.creds.Register(msg.Username, msg.Password)
	if err == nil {
		sess.Logger().Info().Str(logging.FieldUsername, msg.Username).Msg("User registered")
		return s.sendMessage(sess, protocol.TypeRegisterResult, protocol.NewRegisterResult(true, ""))
	}

	reason := registerFailureReason(err)
	if reason == protocol.ReasonUnavailable {
		sess.Logger().Error().Err(err).Str(logging.FieldUsername, msg.Username).Msg("Credential store failed on register")
	} else {
		sess.Logger().Info().Str(logging.FieldUsername, msg.Username).Str("reason", reason).Msg("Registration rejected")
	}
	return s.sendMessage(sess, protocol.TypeRegisterResult, protocol.NewRegisterResult(false, reason))
}

func registerFailureReason(err error) string {
	switch {
	case errors.Is(err, credentials.ErrUsernameExists):
		return protocol.ReasonUsernameExists
	case errors.Is(err, credentials.ErrInvalidUsername):
		return protocol.ReasonInvalidUsername
	case errors.Is(err, credentials.ErrPasswordTooShort):
		return protocol.ReasonPasswordTooShort
	default:
		return protocol.ReasonUnavailable
	}
}

// handleLogin handles login. On success the session is bound, announced and
// sent its recent history.
func (s *Server) handleLogin(sess *Session, msg *protocol.LoginRequest) error {
	ok, err := s.creds.Verify(msg.Username, msg.Password)
	if err != nil {
		sess.Logger().Error().Err(err).Str(logging.FieldUsername, msg.Username).Msg("Credential store failed on login")
		return s.sendMessage(sess, protocol.TypeLoginResult, protocol.NewLoginFailure(protocol.ReasonUnavailable))
	}
	if !ok {
		sess.Logger().Info().Str(logging.FieldUsername, msg.Username).Msg("Login failed")
		return s.sendMessage(sess, protocol.TypeLoginResult, protocol.NewLoginFailure(protocol.ReasonInvalidLogin))
	}

	if !sess.authenticate(msg.Username) {
		return nil
	}
	s.router.Login(msg.Username, sess)
	sess.Logger().Info().Msg("Login succeeded")

	if err := s.sendMessage(sess, protocol.TypeLoginResult, protocol.NewLoginSuccess(msg.Username)); err != nil {
		return err
	}
	return s.replay(sess, s.config.ReplayOnLogin)
}

// requireAuth replies not_logged_in and returns false for unauthenticated sessions
func (s *Server) requireAuth(sess *Session) bool {
	if sess.Authenticated() {
		return true
	}
	s.sendError(sess, protocol.ErrorNotLoggedIn)
	return false
}

// allowChat applies the per-session rate limit
func (s *Server) allowChat(sess *Session) bool {
	if sess.Allow() {
		return true
	}
	s.metrics.RecordRateLimited()
	sess.Logger().Debug().Msg("Chat message rate limited")
	s.sendError(sess, protocol.ErrorRateLimited)
	return false
}

// handleChat handles a broadcast message
func (s *Server) handleChat(sess *Session, msg *protocol.ChatRequest) error {
	if !s.requireAuth(sess) || !s.allowChat(sess) {
		return nil
	}

	from := sess.Username()
	line := history.ChatMessage{From: from, Text: msg.Text, Timestamp: nowMillis()}
	s.history.Append(line)

	payload, err := protocol.Marshal(protocol.NewChatEvent(line.From, "", line.Text, line.Timestamp))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	// Sender included: its echo is the server's copy
	n := s.router.Broadcast(payload, "")
	s.metrics.RecordMessageSent(protocol.TypeMessage)
	sess.Logger().Debug().
		Int("recipients", n).
		Str("text", protocol.Preview(msg.Text, protocol.PreviewLimit)).
		Msg("Broadcast message")
	return nil
}

// handlePrivate handles a direct message
func (s *Server) handlePrivate(sess *Session, msg *protocol.PrivateRequest) error {
	if !s.requireAuth(sess) {
		return nil
	}
	if msg.To == "" {
		return s.sendError(sess, protocol.ErrorMissingRecipient)
	}
	if !s.allowChat(sess) {
		return nil
	}

	from := sess.Username()
	line := history.ChatMessage{From: from, To: msg.To, Text: msg.Text, Timestamp: nowMillis()}
	s.history.Append(line)

	payload, err := protocol.Marshal(protocol.NewChatEvent(line.From, line.To, line.Text, line.Timestamp))
	if err != nil {
		return fmt.Errorf("encode private: %w", err)
	}

	delivered := s.router.SendTo(msg.To, payload)
	s.metrics.RecordPrivateMessage(delivered)

	// The sender always gets its own copy, so a note to self arrives twice
	sess.Deliver(payload)
	s.metrics.RecordMessageSent(protocol.TypePrivate)

	sess.Logger().Debug().
		Str("to", msg.To).
		Bool("delivered", delivered).
		Msg("Private message")
	return nil
}

// handleHistory replays n messages visible to the session's user. Anonymous
// sessions have no username and see broadcasts only.
func (s *Server) handleHistory(sess *Session, msg *protocol.HistoryRequest) error {
	n := s.config.DefaultHistory
	if msg.N != nil {
		n = int(min(*msg.N, uint(s.history.Capacity())))
	}
	return s.replay(sess, n)
}

// replay streams up to n history entries as individual message/private frames
func (s *Server) replay(sess *Session, n int) error {
	user := sess.Username()
	lines := s.history.ForUser(user, n)

	for _, line := range lines {
		payload, err := protocol.Marshal(protocol.NewChatEvent(line.From, line.To, line.Text, line.Timestamp))
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		if !sess.Deliver(payload) {
			return nil
		}
	}

	if len(lines) > 0 {
		sess.Logger().Debug().Int("count", len(lines)).Msg("History replayed")
	}
	return nil
}

// sendMessage encodes msg and queues it for sess
func (s *Server) sendMessage(sess *Session, msgType string, msg any) error {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if sess.Deliver(payload) {
		s.metrics.RecordMessageSent(msgType)
	}
	return nil
}

// sendError sends an error reply to a session
func (s *Server) sendError(sess *Session, code string) error {
	return s.sendMessage(sess, protocol.TypeError, protocol.NewErrorReply(code))
}

// nowMillis is the current time in epoch milliseconds
func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
