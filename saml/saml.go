// Package saml implements the institution-agnostic login handler: it drives
// a SAML-style redirect/form-post chain from a service's login trigger,
// through federation discovery and an arbitrary identity provider's pages,
// until the flow arrives back at the target service. It knows nothing about
// any particular provider; caller-supplied variables are substituted into
// whatever field names the remote forms happen to use.
package saml

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dbosk/weblogin"
	"github.com/dbosk/weblogin/discovery"
	"github.com/dbosk/weblogin/htmlform"
)

// HandlerKind identifies this handler in session snapshots.
const HandlerKind = "saml"

// DefaultDiscoveryHost is where the production discovery service lands
// login triggers.
const DefaultDiscoveryHost = "service.seamlessaccess.org"

// Config is the serializable configuration of a Login handler.
type Config struct {
	// TriggerURL is the target service's fixed login (or
	// logout-and-redirect) entry point. Fetching it must end, by design,
	// on the discovery service.
	TriggerURL string `json:"trigger_url"`

	// TargetHost is the host of the protected service; the form walk is
	// done once the flow lands on it.
	TargetHost string `json:"target_host"`

	// Institution selects the identity provider, either as the discovery
	// service's opaque {sha1} hash or as a name to search for.
	Institution string `json:"institution"`

	// Vars substitutes values into form fields by case-insensitive name,
	// typically credentials under whatever names the provider's form
	// uses.
	Vars map[string]string `json:"vars,omitempty"`

	// DiscoveryHost is the host the trigger chain is expected to land
	// on. Landing anywhere else means the service's login entry point
	// changed.
	DiscoveryHost string `json:"discovery_host,omitempty"`

	// DiscoveryBaseURL overrides the metadata lookup service, e.g. for a
	// test system.
	DiscoveryBaseURL string `json:"discovery_base_url,omitempty"`
}

// Login is the generic SSO walker handler.
type Login struct {
	cfg    Config
	disco  *discovery.Client
	logger zerolog.Logger

	authenticating bool
}

// Option configures a Login handler.
type Option func(*Login)

// WithDiscovery replaces the discovery client.
func WithDiscovery(c *discovery.Client) Option {
	return func(l *Login) {
		l.disco = c
	}
}

// WithLogger sets the handler's structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Login) {
		l.logger = logger
	}
}

// New creates the handler. TargetHost defaults to the trigger URL's host and
// DiscoveryHost to the production discovery service.
func New(cfg Config, opts ...Option) *Login {
	if cfg.TargetHost == "" {
		if u, err := url.Parse(cfg.TriggerURL); err == nil {
			cfg.TargetHost = u.Host
		}
	}
	if cfg.DiscoveryHost == "" {
		cfg.DiscoveryHost = DefaultDiscoveryHost
	}
	l := &Login{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.disco == nil {
		var dopts []discovery.Option
		if cfg.DiscoveryBaseURL != "" {
			dopts = append(dopts, discovery.WithBaseURL(cfg.DiscoveryBaseURL))
		}
		l.disco = discovery.NewClient(dopts...)
	}
	return l
}

// NeedsLogin claims responses that were redirected off the target host: the
// service signalled authentication by bouncing the request into an SSO flow.
func (l *Login) NeedsLogin(resp *weblogin.Response) bool {
	if l.authenticating {
		return false
	}
	return resp.Redirected() && !strings.EqualFold(resp.URL.Host, l.cfg.TargetHost)
}

// Login walks the SSO flow: trigger, discovery, identity selection, then
// form submission until the flow returns to the target host. If orig is
// supplied and the walk involved at least one redirect, the original request
// is replayed and its response returned.
func (l *Login) Login(ctx context.Context, session *weblogin.Session, resp *weblogin.Response, orig *weblogin.RequestSpec) (*weblogin.Response, error) {
	l.authenticating = true
	defer func() { l.authenticating = false }()

	cur, err := session.Get(ctx, l.cfg.TriggerURL)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(cur.URL.Host, l.cfg.DiscoveryHost) {
		return nil, weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
			"login trigger landed on %s, expected discovery service %s; the service's login entry point may have changed",
			cur.URL.Host, l.cfg.DiscoveryHost)
	}

	returnURL := cur.URL.Query().Get("return")
	if returnURL == "" {
		return nil, weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
			"discovery landing URL %s has no return parameter", cur.URL)
	}

	entityID, err := l.disco.Resolve(ctx, l.cfg.Institution)
	if err != nil {
		return nil, err
	}
	l.logger.Debug().
		Str("institution", l.cfg.Institution).
		Str("entity_id", entityID).
		Msg("resolved identity provider")

	cur, err = session.Get(ctx, withEntityID(returnURL, entityID))
	if err != nil {
		return nil, err
	}

	cur, err = l.walkForms(ctx, session, cur)
	if err != nil {
		return nil, err
	}

	if orig != nil && cur.Redirected() {
		return session.Do(ctx, orig)
	}
	return cur, nil
}

// walkForms submits successive forms until the flow lands on the target
// host. A ledger of visited URL to form field-name set distinguishes a
// genuinely stuck flow from a legitimate revisit of a URL serving a
// different logical page.
func (l *Login) walkForms(ctx context.Context, session *weblogin.Session, cur *weblogin.Response) (*weblogin.Response, error) {
	ledger := make(map[string]map[string]bool)
	for !strings.EqualFold(cur.URL.Host, l.cfg.TargetHost) {
		form, err := htmlform.First(cur.Body, cur.URL)
		if err != nil {
			return nil, err
		}
		if form == nil {
			return nil, weblogin.NewAuthError(weblogin.ErrNoForm,
				"page at %s has no form but the flow has not reached %s",
				cur.URL, l.cfg.TargetHost)
		}

		payload := form.Payload(l.cfg.Vars)
		ledger[cur.URL.String()] = form.FieldNameSet()

		l.logger.Debug().
			Str("url", cur.URL.String()).
			Str("action", form.Action.String()).
			Str("method", form.Method).
			Strs("fields", form.FieldNames()).
			Msg("submitting form")

		next, err := session.SubmitForm(ctx, form.Method, form.Action.String(), payload)
		if err != nil {
			return nil, err
		}

		if recorded, ok := ledger[next.URL.String()]; ok {
			nextForm, err := htmlform.First(next.Body, next.URL)
			if err != nil {
				return nil, err
			}
			if nextForm != nil && sameFieldSet(recorded, nextForm.FieldNameSet()) {
				return nil, weblogin.NewLoopError(next.URL.String(), payload)
			}
		}
		cur = next
	}
	return cur, nil
}

// Descriptor implements weblogin.Handler.
func (l *Login) Descriptor() weblogin.HandlerDescriptor {
	return weblogin.MustDescriptor(HandlerKind, l.cfg)
}

// withEntityID appends the resolved provider to the return URL, joining with
// & or ? depending on whether the URL already has a query string.
func withEntityID(returnURL, entityID string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "entityID=" + url.QueryEscape(entityID)
}

func sameFieldSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}

func init() {
	weblogin.RegisterHandler(HandlerKind, func(raw json.RawMessage) (weblogin.Handler, error) {
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}
