package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/presence"
	"github.com/aeolun/relay/pkg/protocol"
)

const (
	broadcastMessage  = "message"
	broadcastPresence = "presence"
)

// Router delivers payloads to sessions by username or to everyone online.
// The registry holds session ids; they are resolved through the arena at
// delivery time and retired ids are skipped.
type Router struct {
	registry *presence.Registry
	sessions *SessionManager
	metrics  *Metrics
	logger   zerolog.Logger
}

func NewRouter(registry *presence.Registry, sessions *SessionManager, metrics *Metrics, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.With().Str(logging.FieldComponent, "router").Logger(),
	}
}

// Login binds username to sess and broadcasts the new presence list. A
// session that was bound to a different name gives that name up.
func (r *Router) Login(username string, sess *Session) {
	r.registry.Logout(sess.ID)
	if replaced, ok := r.registry.Login(username, sess.ID); ok {
		r.logger.Info().
			Str(logging.FieldUsername, username).
			Str("previous_session", replaced).
			Str(logging.FieldSessionID, sess.ID).
			Msg("Username rebound to new session")
	}
	// A session retired between authenticate and Login must not stay listed
	if _, live := r.sessions.GetSession(sess.ID); !live || sess.State() == StateClosed {
		r.registry.Logout(sess.ID)
		r.logger.Debug().
			Str(logging.FieldUsername, username).
			Str(logging.FieldSessionID, sess.ID).
			Msg("Login dropped for retired session")
		return
	}
	r.metrics.RecordOnlineUsers(r.registry.Len())
	r.BroadcastPresenceList()
}

// Logout removes every registry entry that points at sess and broadcasts the
// new presence list.
func (r *Router) Logout(sess *Session) []string {
	removed := r.registry.Logout(sess.ID)
	r.metrics.RecordOnlineUsers(r.registry.Len())
	r.BroadcastPresenceList()
	return removed
}

// Broadcast delivers payload to every registered session except the one with
// id except. An empty except includes everyone. It returns the number of
// sessions the payload was queued for.
func (r *Router) Broadcast(payload []byte, except string) int {
	return r.broadcast(broadcastMessage, payload, except)
}

func (r *Router) broadcast(kind string, payload []byte, except string) int {
	start := time.Now()

	// Snapshot under the registry lock; deliver after it is released
	ids := r.registry.IDs()

	seen := make(map[string]struct{}, len(ids))
	delivered := 0
	for _, id := range ids {
		if id == except {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		sess, ok := r.sessions.GetSession(id)
		if !ok {
			continue
		}
		if sess.Deliver(payload) {
			delivered++
		}
	}

	r.metrics.RecordBroadcastFanout(kind, delivered)
	r.metrics.RecordBroadcastDuration(kind, time.Since(start).Seconds())
	return delivered
}

// SendTo delivers payload to the session bound to username. It returns false
// if the user is not online; nothing is queued for later.
func (r *Router) SendTo(username string, payload []byte) bool {
	id, ok := r.registry.Lookup(username)
	if !ok {
		r.logger.Warn().Str(logging.FieldUsername, username).Msg("Recipient not online, dropping message")
		return false
	}

	sess, ok := r.sessions.GetSession(id)
	if !ok || !sess.Deliver(payload) {
		r.logger.Warn().Str(logging.FieldUsername, username).Str(logging.FieldSessionID, id).Msg("Recipient session gone, dropping message")
		return false
	}
	return true
}

// SnapshotUsernames returns a sorted copy of the online usernames
func (r *Router) SnapshotUsernames() []string {
	return r.registry.Usernames()
}

// BroadcastPresenceList sends user_list to every registered session
func (r *Router) BroadcastPresenceList() {
	payload, err := protocol.Marshal(protocol.NewUserList(r.registry.Usernames()))
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode user list")
		return
	}

	n := r.broadcast(broadcastPresence, payload, "")
	r.metrics.RecordMessageSent(protocol.TypeUserList)
	r.logger.Debug().Int("recipients", n).Msg("Presence list broadcast")
}
