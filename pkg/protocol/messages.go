package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags carried in the "type" field
const (
	TypeRegister       = "register"
	TypeRegisterResult = "register_result"
	TypeLogin          = "login"
	TypeLoginResult    = "login_result"
	TypeMessage        = "message"
	TypePrivate        = "private"
	TypeHeartbeat      = "heartbeat"
	TypePong           = "pong"
	TypeHistory        = "history"
	TypeListUsers      = "list_users"
	TypeUserList       = "user_list"
	TypeLogout         = "logout"
	TypeError          = "error"
)

// Reasons carried by register_result / login_result
const (
	ReasonUsernameExists   = "username_exists"
	ReasonInvalidUsername  = "invalid_username"
	ReasonPasswordTooShort = "password_too_short"
	ReasonInvalidLogin     = "invalid"
	ReasonUnavailable      = "unavailable"
)

// Codes carried by error replies
const (
	ErrorNotLoggedIn      = "not_logged_in"
	ErrorMissingRecipient = "missing_recipient"
	ErrorRateLimited      = "rate_limited"
)

// ErrMalformed is returned when a payload is not a decodable message object
var ErrMalformed = errors.New("malformed message")

// Request is a decoded client message. The concrete type identifies the variant.
type Request interface {
	Kind() string
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChatRequest is a broadcast chat message ("message")
type ChatRequest struct {
	Text string `json:"text"`
}

type PrivateRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type HeartbeatRequest struct{}

// HistoryRequest asks for a replay; N is nil when the client left it out
type HistoryRequest struct {
	N *uint `json:"n,omitempty"`
}

type ListUsersRequest struct{}

type LogoutRequest struct{}

// UnknownRequest carries a type tag the server does not recognize
type UnknownRequest struct {
	Type string `json:"-"`
}

func (*RegisterRequest) Kind() string  { return TypeRegister }
func (*LoginRequest) Kind() string     { return TypeLogin }
func (*ChatRequest) Kind() string      { return TypeMessage }
func (*PrivateRequest) Kind() string   { return TypePrivate }
func (*HeartbeatRequest) Kind() string { return TypeHeartbeat }
func (*HistoryRequest) Kind() string   { return TypeHistory }
func (*ListUsersRequest) Kind() string { return TypeListUsers }
func (*LogoutRequest) Kind() string    { return TypeLogout }
func (r *UnknownRequest) Kind() string { return r.Type }

// ParseRequest decodes a frame payload into one of the request variants.
// Unrecognized type tags decode to *UnknownRequest; anything that is not a
// JSON object, or has a field of the wrong JSON type, wraps ErrMalformed.
func ParseRequest(payload []byte) (Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var req Request
	switch envelope.Type {
	case TypeRegister:
		req = &RegisterRequest{}
	case TypeLogin:
		req = &LoginRequest{}
	case TypeMessage:
		req = &ChatRequest{}
	case TypePrivate:
		req = &PrivateRequest{}
	case TypeHeartbeat:
		return &HeartbeatRequest{}, nil
	case TypeHistory:
		req = &HistoryRequest{}
	case TypeListUsers:
		return &ListUsersRequest{}, nil
	case TypeLogout:
		return &LogoutRequest{}, nil
	default:
		return &UnknownRequest{Type: envelope.Type}, nil
	}

	if err := json.Unmarshal(trimmed, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, envelope.Type, err)
	}
	return req, nil
}

// MarshalRequest encodes a request with its type tag. Used by clients.
func MarshalRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	tag, err := json.Marshal(req.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag

	return json.Marshal(fields)
}

// Server → client messages

type RegisterResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type LoginResult struct {
	Type     string `json:"type"`
	OK       bool   `json:"ok"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ChatEvent is a delivered chat line, either "message" (broadcast) or "private"
type ChatEvent struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text"`
	Timestamp uint64 `json:"ts"`
}

type Pong struct {
	Type string `json:"type"`
}

type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type ErrorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewRegisterResult(ok bool, reason string) *RegisterResult {
	return &RegisterResult{Type: TypeRegisterResult, OK: ok, Reason: reason}
}

func NewLoginSuccess(username string) *LoginResult {
	return &LoginResult{Type: TypeLoginResult, OK: true, Username: username}
}

func NewLoginFailure(reason string) *LoginResult {
	return &LoginResult{Type: TypeLoginResult, OK: false, Reason: reason}
}

// NewChatEvent builds the event for a chat line; an empty recipient means broadcast
func NewChatEvent(from, to, text string, ts uint64) *ChatEvent {
	msgType := TypeMessage
	if to != "" {
		msgType = TypePrivate
	}
	return &ChatEvent{Type: msgType, From: from, To: to, Text: text, Timestamp: ts}
}

func NewPong() *Pong {
	return &Pong{Type: TypePong}
}

func NewUserList(users []string) *UserList {
	if users == nil {
		users = []string{}
	}
	return &UserList{Type: TypeUserList, Users: users}
}

func NewErrorReply(code string) *ErrorReply {
	return &ErrorReply{Type: TypeError, Error: code}
}

// Marshal encodes a server message payload
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Envelope is the union of every field a server message can carry.
// Clients decode into it and switch on Type.
type Envelope struct {
	Type      string   `json:"type"`
	OK        bool     `json:"ok,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Username  string   `json:"username,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Text      string   `json:"text,omitempty"`
	Timestamp uint64   `json:"ts,omitempty"`
	Users     []string `json:"users,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// DecodeEnvelope decodes a server message payload
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}
