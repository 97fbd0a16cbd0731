// Package discovery looks up identity-provider metadata in a
// SeamlessAccess-style federation discovery service. Institutions are
// identified either by the service's opaque entity hash or by a human name,
// and resolve to the provider's entityID.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/dbosk/weblogin"
)

// DefaultBaseURL is the production discovery service. Point BaseURL at a
// test system instead when needed; it is an explicit configuration value,
// not a package constant baked into the lookups.
const DefaultBaseURL = "https://md.seamlessaccess.org"

const defaultCacheTTL = 15 * time.Minute

// Entity is one discovery record. The service returns more metadata than
// this; only the fields the login flow needs are modeled.
type Entity struct {
	ID       string `json:"id"`
	EntityID string `json:"entityID"`
	Title    string `json:"title"`
}

// Client queries the discovery service over plain GET+JSON. Lookups are
// cached so repeated logins for the same institution do not hammer the
// service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	cache      *ttlcache.Cache[string, string]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different discovery service, e.g. a
// test instance.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client's structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a discovery client against the production service unless
// configured otherwise.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     zerolog.Nop(),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, string](defaultCacheTTL),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cache.Start()
	return c
}

// LookupByID fetches the record for one opaque entity hash.
func (c *Client) LookupByID(ctx context.Context, id string) (*Entity, error) {
	var entity Entity
	err := c.getJSON(ctx, fmt.Sprintf("%s/entities/%s.json", c.baseURL, url.PathEscape(id)), &entity)
	if err != nil {
		return nil, err
	}
	if entity.EntityID == "" {
		return nil, weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
			"discovery record for %q has no entityID", id)
	}
	return &entity, nil
}

// SearchByName queries the service for institutions matching name.
func (c *Client) SearchByName(ctx context.Context, name string) ([]Entity, error) {
	query := url.Values{"q": {name}}
	var entities []Entity
	err := c.getJSON(ctx, fmt.Sprintf("%s/entities/?%s", c.baseURL, query.Encode()), &entities)
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Resolve maps an institution, given either as the service's opaque entity
// hash or as a human name, to the provider's entityID. Name lookups take the
// first match. Zero matches and records missing entityID surface as
// different failures: the former is a user input error, the latter a broken
// service contract.
func (c *Client) Resolve(ctx context.Context, institution string) (string, error) {
	if item := c.cache.Get(institution); item != nil {
		return item.Value(), nil
	}
	var entityID string
	if looksLikeID(institution) {
		entity, err := c.LookupByID(ctx, institution)
		if err != nil {
			return "", err
		}
		entityID = entity.EntityID
	} else {
		entities, err := c.SearchByName(ctx, institution)
		if err != nil {
			return "", err
		}
		if len(entities) == 0 {
			return "", weblogin.NewAuthError(weblogin.ErrNoMatch,
				"no institution matches %q", institution)
		}
		first := entities[0]
		if first.EntityID == "" {
			return "", weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
				"discovery match for %q has no entityID", institution)
		}
		c.logger.Debug().
			Str("institution", institution).
			Str("title", first.Title).
			Int("matches", len(entities)).
			Msg("resolved institution by name")
		entityID = first.EntityID
	}
	c.cache.Set(institution, entityID, ttlcache.DefaultTTL)
	return entityID, nil
}

// looksLikeID reports whether the institution argument is the discovery
// service's opaque hash form rather than a human name.
func looksLikeID(institution string) bool {
	return strings.HasPrefix(institution, "{sha1}")
}

func (c *Client) getJSON(ctx context.Context, rawurl string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return fmt.Errorf("cannot build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discovery request to %s failed: %w", rawurl, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot read discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
			"discovery service returned status %d for %s", resp.StatusCode, rawurl)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return weblogin.NewAuthError(weblogin.ErrDiscoveryContract,
			"discovery service returned malformed JSON: %v", err)
	}
	return nil
}
