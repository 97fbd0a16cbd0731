// Package kth implements login handlers for KTH's UG identity provider.
// Unlike the generic walker in package saml, these handlers use exact
// knowledge of the provider's pages: a relay handler that forwards the UG
// gateway's chain of auto-submit forms without interpretation, and a
// credential handler that fills the provider's named login form.
package kth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dbosk/weblogin"
	"github.com/dbosk/weblogin/htmlform"
)

// Handler kinds for session snapshots.
const (
	RelayKind       = "kth-ug-relay"
	CredentialsKind = "kth-credentials"
)

// DefaultBaseURL is the production UG login server. Tests and the KTH test
// environment point BaseURL elsewhere.
const DefaultBaseURL = "https://login.ug.kth.se"

// userDomain is appended to bare usernames; the provider requires the full
// form.
const userDomain = "@ug.kth.se"

// RelayConfig configures a Relay handler.
type RelayConfig struct {
	// Host is the UG gateway domain suffix the handler recognizes.
	Host string `json:"host,omitempty"`
}

// Relay forwards the UG gateway's intermediate pages: each one carries a
// single form meant to be auto-submitted by a browser. The handler posts the
// form's fields verbatim, no credential injection, and keeps going on its
// own output until a page without a form appears.
type Relay struct {
	cfg            RelayConfig
	authenticating bool
}

// NewRelay creates a relay handler for the UG gateway.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Host == "" {
		cfg.Host = "ug.kth.se"
	}
	return &Relay{cfg: cfg}
}

// NeedsLogin claims pages on the gateway domain that carry a form.
func (r *Relay) NeedsLogin(resp *weblogin.Response) bool {
	if r.authenticating {
		return false
	}
	if !hostMatches(resp.URL.Host, r.cfg.Host) {
		return false
	}
	form, err := htmlform.First(resp.Body, resp.URL)
	return err == nil && form != nil
}

// Login reposts forms until none remains. The original request is never
// replayed: the relay only forwards a chain someone else started.
func (r *Relay) Login(ctx context.Context, session *weblogin.Session, resp *weblogin.Response, _ *weblogin.RequestSpec) (*weblogin.Response, error) {
	r.authenticating = true
	defer func() { r.authenticating = false }()
	return relayForms(ctx, session, resp)
}

// Descriptor implements weblogin.Handler.
func (r *Relay) Descriptor() weblogin.HandlerDescriptor {
	return weblogin.MustDescriptor(RelayKind, r.cfg)
}

// relayForms posts each page's form verbatim until a page has no form.
func relayForms(ctx context.Context, session *weblogin.Session, cur *weblogin.Response) (*weblogin.Response, error) {
	for {
		form, err := htmlform.First(cur.Body, cur.URL)
		if err != nil {
			return nil, err
		}
		if form == nil {
			return cur, nil
		}
		cur, err = session.SubmitForm(ctx, form.Method, form.Action.String(), form.Payload(nil))
		if err != nil {
			return nil, err
		}
	}
}

// CredentialsConfig configures a Credentials handler.
type CredentialsConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`

	// BaseURL is the UG login server; an explicit value so the KTH test
	// environment can be targeted.
	BaseURL string `json:"base_url,omitempty"`

	// TargetHost is the protected service whose 401/403 responses this
	// handler resolves.
	TargetHost string `json:"target_host"`

	// TriggerURL is fetched when the target rejects a request outright;
	// it produces either the login page or a relay hand-off.
	TriggerURL string `json:"trigger_url,omitempty"`
}

// Credentials logs in to the UG provider with a username and password. It
// recognizes an unauthorized response from the target, the provider's login
// page, and mid-relay gateway pages.
type Credentials struct {
	cfg            CredentialsConfig
	logger         zerolog.Logger
	authenticating bool
}

// NewCredentials creates the handler against the production login server
// unless BaseURL says otherwise.
func NewCredentials(cfg CredentialsConfig, logger ...zerolog.Logger) *Credentials {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Credentials{cfg: cfg, logger: zerolog.Nop()}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	return c
}

func (c *Credentials) loginPage() string {
	return c.cfg.BaseURL + "/login"
}

// NeedsLogin claims unauthorized responses from the target, the provider's
// login page, and gateway pages mid-relay.
func (c *Credentials) NeedsLogin(resp *weblogin.Response) bool {
	if c.authenticating {
		return false
	}
	if unauthorized(resp.StatusCode) && strings.EqualFold(resp.URL.Host, c.cfg.TargetHost) {
		return true
	}
	if c.onLoginPage(resp) {
		return true
	}
	if hostMatches(resp.URL.Host, loginHost(c.cfg.BaseURL)) {
		form, err := htmlform.First(resp.Body, resp.URL)
		return err == nil && form != nil
	}
	return false
}

// Login resolves whichever of the three situations the response represents
// and replays the original request afterwards when one was supplied.
func (c *Credentials) Login(ctx context.Context, session *weblogin.Session, resp *weblogin.Response, orig *weblogin.RequestSpec) (*weblogin.Response, error) {
	c.authenticating = true
	defer func() { c.authenticating = false }()

	cur := resp
	triggered := unauthorized(cur.StatusCode)
	if triggered && c.cfg.TriggerURL != "" {
		var err error
		cur, err = session.Get(ctx, c.cfg.TriggerURL)
		if err != nil {
			return nil, err
		}
	}

	submitted := false
	for {
		if c.onLoginPage(cur) {
			next, err := c.submitCredentials(ctx, session, cur)
			if err != nil {
				return nil, err
			}
			submitted = true
			cur = next
			continue
		}
		form, err := htmlform.First(cur.Body, cur.URL)
		if err != nil {
			return nil, err
		}
		if form == nil {
			break
		}
		// Mid-relay page: forward it verbatim.
		cur, err = session.SubmitForm(ctx, form.Method, form.Action.String(), form.Payload(nil))
		if err != nil {
			return nil, err
		}
	}

	// An unauthorized response that never led to the login form cannot
	// have authenticated the session.
	if triggered && !submitted {
		return nil, weblogin.NewAuthError(weblogin.ErrNoForm,
			"flow ended at %s without reaching the login form at %s",
			cur.URL, c.loginPage())
	}

	if orig != nil {
		done, err := session.Do(ctx, orig)
		if err != nil {
			return nil, err
		}
		if unauthorized(done.StatusCode) {
			return nil, weblogin.NewAuthError(weblogin.ErrBadCredentials,
				"request to %s still unauthorized after login", done.URL)
		}
		return done, nil
	}
	return cur, nil
}

// submitCredentials fills and posts the provider's login form. The login
// page coming straight back means the credentials were rejected.
func (c *Credentials) submitCredentials(ctx context.Context, session *weblogin.Session, cur *weblogin.Response) (*weblogin.Response, error) {
	form, err := c.findLoginForm(cur)
	if err != nil {
		return nil, err
	}
	username := c.cfg.Username
	if !strings.Contains(username, "@") {
		username += userDomain
	}
	payload := form.Payload(map[string]string{
		"username": username,
		"password": c.cfg.Password,
	})
	c.logger.Debug().
		Str("url", cur.URL.String()).
		Str("username", username).
		Msg("submitting credentials")
	next, err := session.SubmitForm(ctx, form.Method, form.Action.String(), payload)
	if err != nil {
		return nil, err
	}
	if c.onLoginPage(next) {
		return nil, weblogin.NewAuthError(weblogin.ErrBadCredentials,
			"login page reappeared after submitting credentials for %s", username)
	}
	return next, nil
}

// findLoginForm prefers the form the provider names loginForm, falling back
// to the page's first form.
func (c *Credentials) findLoginForm(resp *weblogin.Response) (*htmlform.Form, error) {
	forms, err := htmlform.Parse(resp.Body, resp.URL)
	if err != nil {
		return nil, err
	}
	for _, form := range forms {
		if form.Name == "loginForm" {
			return form, nil
		}
	}
	if len(forms) > 0 {
		return forms[0], nil
	}
	return nil, weblogin.NewAuthError(weblogin.ErrNoForm,
		"login page at %s has no form", resp.URL)
}

// onLoginPage reports whether the response is the provider's login page: its
// fixed URL serving the named login form. The same URL also serves relay
// pages after a successful login, so the URL alone is not enough.
func (c *Credentials) onLoginPage(resp *weblogin.Response) bool {
	if !strings.HasPrefix(resp.URL.String(), c.loginPage()) {
		return false
	}
	forms, err := htmlform.Parse(resp.Body, resp.URL)
	if err != nil {
		return false
	}
	for _, form := range forms {
		if form.Name == "loginForm" {
			return true
		}
	}
	return false
}

// Descriptor implements weblogin.Handler.
func (c *Credentials) Descriptor() weblogin.HandlerDescriptor {
	return weblogin.MustDescriptor(CredentialsKind, c.cfg)
}

func unauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// hostMatches reports whether host is domain or a subdomain of it.
func hostMatches(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func loginHost(baseURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func init() {
	weblogin.RegisterHandler(RelayKind, func(raw json.RawMessage) (weblogin.Handler, error) {
		var cfg RelayConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return NewRelay(cfg), nil
	})
	weblogin.RegisterHandler(CredentialsKind, func(raw json.RawMessage) (weblogin.Handler, error) {
		var cfg CredentialsConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return NewCredentials(cfg), nil
	})
}
