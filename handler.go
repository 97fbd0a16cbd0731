package weblogin

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler automates one part of an authentication flow. A Session evaluates
// its handlers in order after every request; a handler whose NeedsLogin
// predicate claims the response performs the login and hands back a new
// response for the rest of the chain.
//
// Handlers are stateful: each owns a private "authenticating" flag so that
// the HTTP traffic it issues during Login does not re-trigger its own
// interception. NeedsLogin must return false while that flag is set.
type Handler interface {
	// NeedsLogin reports whether this handler must act on the response.
	// It is a pure predicate and must not perform I/O.
	NeedsLogin(resp *Response) bool

	// Login performs however many requests are needed to reach an
	// authenticated state. If orig is non-nil and replay is appropriate
	// for this handler, the original request is re-issued and its
	// response returned; otherwise the last intermediate response is
	// returned. Unrecoverable failures surface as an *AuthError, never
	// as a response still representing an unauthenticated state.
	Login(ctx context.Context, session *Session, resp *Response, orig *RequestSpec) (*Response, error)

	// Descriptor captures the handler's configuration for session
	// snapshots.
	Descriptor() HandlerDescriptor
}

// HandlerDescriptor is the serialized form of a handler inside a session
// snapshot: a registered kind plus the handler's own JSON configuration.
type HandlerDescriptor struct {
	Kind   string          `json:"kind" bson:"kind"`
	Config json.RawMessage `json:"config,omitempty" bson:"config,omitempty"`
}

// HandlerFactory rebuilds a handler from its snapshot configuration.
type HandlerFactory func(config json.RawMessage) (Handler, error)

var (
	handlerFactoriesMu sync.RWMutex
	handlerFactories   = map[string]HandlerFactory{}
)

// RegisterHandler makes a handler kind restorable from snapshots. Handler
// packages call this from init.
func RegisterHandler(kind string, factory HandlerFactory) {
	handlerFactoriesMu.Lock()
	defer handlerFactoriesMu.Unlock()
	handlerFactories[kind] = factory
}

func lookupHandlerFactory(kind string) (HandlerFactory, bool) {
	handlerFactoriesMu.RLock()
	defer handlerFactoriesMu.RUnlock()
	factory, ok := handlerFactories[kind]
	return factory, ok
}

// MustDescriptor marshals config into a descriptor and panics on failure.
// Handler configurations are plain structs, so failure is a programming
// error.
func MustDescriptor(kind string, config any) HandlerDescriptor {
	raw, err := json.Marshal(config)
	if err != nil {
		panic("weblogin: cannot marshal handler config: " + err.Error())
	}
	return HandlerDescriptor{Kind: kind, Config: raw}
}
