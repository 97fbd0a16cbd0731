package weblogin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/rs/zerolog"
)

const defaultUserAgent = "weblogin/1.0"

// Session wraps an HTTP client so that requests issued through it
// transparently run a chain of login handlers. Cookies and other transport
// state accumulate in the underlying client across handler invocations, so a
// Session represents one logical logged-in identity.
//
// A Session guards against re-entrant interception from a handler's own
// login traffic, but it is not safe against concurrent callers racing a
// login; sharing a Session across goroutines that may trigger login at the
// same time is the caller's responsibility.
type Session struct {
	client    *http.Client
	handlers  []Handler
	logger    zerolog.Logger
	userAgent string

	// origins records every scheme://host this session has talked to, so
	// snapshots can harvest the cookie jar per origin.
	origins map[string]*url.URL
}

// Option configures a Session.
type Option func(*Session)

// WithHandlers appends handlers to the session's chain, evaluated in order.
func WithHandlers(handlers ...Handler) Option {
	return func(s *Session) {
		s.handlers = append(s.handlers, handlers...)
	}
}

// WithHTTPClient replaces the underlying client. A cookie jar is installed
// if the client has none.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		s.client = client
	}
}

// WithLogger sets the structured logger used by the session.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(s *Session) {
		s.userAgent = ua
	}
}

// NewSession creates a session with a fresh cookie jar.
func NewSession(opts ...Option) (*Session, error) {
	s := &Session{
		logger:    zerolog.Nop(),
		userAgent: defaultUserAgent,
		origins:   make(map[string]*url.URL),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cannot create cookie jar: %w", err)
		}
		s.client.Jar = jar
	}
	return s, nil
}

// Handlers returns the session's handler chain in evaluation order.
func (s *Session) Handlers() []Handler {
	return s.handlers
}

// Jar exposes the session's cookie jar.
func (s *Session) Jar() http.CookieJar {
	return s.client.Jar
}

// Do executes the request and then walks the handler chain: every handler is
// consulted in order against the latest response, and a handler that claims
// it replaces the response with its login result before the next handler is
// consulted. No handler is skipped because an earlier one acted. The final
// response is returned.
func (s *Session) Do(ctx context.Context, spec *RequestSpec) (*Response, error) {
	resp, err := s.transport(ctx, spec)
	if err != nil {
		return nil, err
	}
	for _, h := range s.handlers {
		if !h.NeedsLogin(resp) {
			continue
		}
		s.logger.Debug().
			Str("url", resp.URL.String()).
			Int("status", resp.StatusCode).
			Msg("handler claimed response, running login")
		resp, err = h.Login(ctx, s, resp, spec)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Get issues an intercepted GET request.
func (s *Session) Get(ctx context.Context, rawurl string) (*Response, error) {
	return s.Do(ctx, NewRequestSpec(http.MethodGet, rawurl))
}

// PostForm issues an intercepted url-encoded POST request.
func (s *Session) PostForm(ctx context.Context, rawurl string, values url.Values) (*Response, error) {
	return s.Do(ctx, NewFormSpec(rawurl, values))
}

// SubmitForm submits form values with the given method, encoding GET
// submissions into the query string.
func (s *Session) SubmitForm(ctx context.Context, method, rawurl string, values url.Values) (*Response, error) {
	return s.Do(ctx, formSpec(method, rawurl, values))
}

// transport performs the raw HTTP call, following redirects, and reads the
// body in full.
func (s *Session) transport(ctx context.Context, spec *RequestSpec) (*Response, error) {
	req, err := spec.httpRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot build request for %s: %w", spec.URL, err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	hr, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", spec.URL, err)
	}
	defer hr.Body.Close()
	body, err := io.ReadAll(hr.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body from %s: %w", hr.Request.URL, err)
	}
	resp := newResponse(hr, body)
	s.recordOrigin(resp.URL)
	for _, hop := range resp.History {
		s.recordOrigin(hop)
	}
	s.logger.Debug().
		Str("method", spec.Method).
		Str("url", spec.URL).
		Str("final_url", resp.URL.String()).
		Int("status", resp.StatusCode).
		Int("redirects", len(resp.History)).
		Msg("request completed")
	return resp, nil
}

func (s *Session) recordOrigin(u *url.URL) {
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host}
	s.origins[origin.String()] = origin
}
