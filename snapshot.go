package weblogin

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is a transferable capture of a Session: the cookie state of every
// origin the session has visited plus the handler chain. The handlers are
// part of the snapshot deliberately: they are not reconstructable from the
// transport layer alone, and re-hydration must not silently lose the
// authentication automation.
type Snapshot struct {
	ID        string    `json:"id" bson:"_id"`
	Version   int       `json:"version" bson:"version"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	// Cookies maps origin (scheme://host) to the cookies the jar returns
	// for that origin.
	Cookies map[string][]CookieState `json:"cookies" bson:"cookies"`

	Handlers []HandlerDescriptor `json:"handlers" bson:"handlers"`
}

// CookieState is one serializable cookie.
type CookieState struct {
	Name  string `json:"name" bson:"name"`
	Value string `json:"value" bson:"value"`
}

// Snapshot captures the session's current cookie and handler state.
func (s *Session) Snapshot() (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Version:   SnapshotVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Cookies:   make(map[string][]CookieState),
	}
	for origin, u := range s.origins {
		cookies := s.client.Jar.Cookies(u)
		if len(cookies) == 0 {
			continue
		}
		states := make([]CookieState, 0, len(cookies))
		for _, c := range cookies {
			states = append(states, CookieState{Name: c.Name, Value: c.Value})
		}
		snap.Cookies[origin] = states
	}
	for _, h := range s.handlers {
		snap.Handlers = append(snap.Handlers, h.Descriptor())
	}
	return snap, nil
}

// RestoreSession rebuilds a session from a snapshot. Every handler kind in
// the snapshot must have been registered with RegisterHandler; an unknown
// kind is an error rather than a silently dropped handler.
func RestoreSession(snap *Snapshot, opts ...Option) (*Session, error) {
	s, err := NewSession(opts...)
	if err != nil {
		return nil, err
	}
	for origin, states := range snap.Cookies {
		u, err := url.Parse(origin)
		if err != nil {
			return nil, fmt.Errorf("snapshot has invalid origin %q: %w", origin, err)
		}
		cookies := make([]*http.Cookie, 0, len(states))
		for _, c := range states {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
		}
		s.client.Jar.SetCookies(u, cookies)
		s.origins[origin] = u
	}
	for _, desc := range snap.Handlers {
		factory, ok := lookupHandlerFactory(desc.Kind)
		if !ok {
			return nil, fmt.Errorf("snapshot contains unknown handler kind %q", desc.Kind)
		}
		h, err := factory(desc.Config)
		if err != nil {
			return nil, fmt.Errorf("cannot restore handler %q: %w", desc.Kind, err)
		}
		s.handlers = append(s.handlers, h)
	}
	return s, nil
}
