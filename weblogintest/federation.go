// Package weblogintest provides an in-process mock federation for tests: a
// protected target service, an identity provider serving a login form, and a
// discovery service answering metadata lookups. The three servers together
// exercise a full trigger, discovery, login-form, relay, return round trip.
package weblogintest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Fixed test identity.
const (
	Username        = "alice"
	Password        = "squeamish ossifrage"
	InstitutionID   = "{sha1}1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b"
	InstitutionName = "Test University"
	EntityID        = "https://idp.example.org/idp"
)

const sessionCookie = "wlsession"

// APIPayload is what the protected API endpoint serves once authenticated.
const APIPayload = `{"data":"top secret"}`

// Federation is the set of cooperating mock servers.
type Federation struct {
	Target *httptest.Server
	IdP    *httptest.Server
	Disco  *httptest.Server

	// Unauthorized makes the target answer 401 instead of redirecting
	// into the SSO flow, for password-handler style clients.
	Unauthorized bool

	// RejectAll makes the identity provider reject every credential, so
	// the login form reappears forever.
	RejectAll bool

	// MissingEntityID makes discovery records omit their entityID.
	MissingEntityID bool

	mu            sync.Mutex
	sessions      map[string]bool
	assertions    map[string]bool
	loginAttempts int
}

// New starts the three servers. Callers must Close the federation.
func New() *Federation {
	f := &Federation{
		sessions:   make(map[string]bool),
		assertions: make(map[string]bool),
	}
	f.Disco = httptest.NewServer(f.discoHandler())
	f.IdP = httptest.NewServer(f.idpHandler())
	f.Target = httptest.NewServer(f.targetHandler())
	return f
}

// Close shuts down all three servers.
func (f *Federation) Close() {
	f.Target.Close()
	f.IdP.Close()
	f.Disco.Close()
}

// TargetHost is the host:port of the protected service.
func (f *Federation) TargetHost() string {
	return hostOf(f.Target.URL)
}

// DiscoHost is the host:port the login trigger lands on.
func (f *Federation) DiscoHost() string {
	return hostOf(f.Disco.URL)
}

// TriggerURL is the target service's login entry point.
func (f *Federation) TriggerURL() string {
	return f.Target.URL + "/login"
}

// IdPLoginURL is the identity provider's login page, including the return
// parameter pointing back at the target.
func (f *Federation) IdPLoginURL() string {
	return f.IdP.URL + "/login?return=" + url.QueryEscape(f.Target.URL+"/SAML/POST")
}

// LoginAttempts reports how many credential submissions the identity
// provider has seen.
func (f *Federation) LoginAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginAttempts
}

func (f *Federation) targetHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "welcome")
	})

	e.GET("/api/data", func(c echo.Context) error {
		if f.authenticated(c.Request()) {
			return c.JSONBlob(http.StatusOK, []byte(APIPayload))
		}
		if f.Unauthorized {
			return c.String(http.StatusUnauthorized, "authentication required")
		}
		return c.Redirect(http.StatusFound, "/login")
	})

	// The login trigger bounces to the discovery service with a return
	// parameter pointing at the SP's session initiator.
	e.GET("/login", func(c echo.Context) error {
		ds := f.Disco.URL + "/ds?return=" +
			url.QueryEscape(f.Target.URL+"/Shibboleth.sso/Login")
		return c.Redirect(http.StatusFound, ds)
	})

	// Session initiator: with an entityID selected, hand over to that
	// provider.
	e.GET("/Shibboleth.sso/Login", func(c echo.Context) error {
		if c.QueryParam("entityID") != EntityID {
			return c.String(http.StatusBadRequest, "unknown entityID")
		}
		return c.Redirect(http.StatusFound, f.IdPLoginURL())
	})

	// Assertion consumer: a valid assertion starts a session.
	e.POST("/SAML/POST", func(c echo.Context) error {
		assertion := c.FormValue("SAMLResponse")
		f.mu.Lock()
		ok := f.assertions[assertion]
		delete(f.assertions, assertion)
		f.mu.Unlock()
		if !ok {
			return c.String(http.StatusForbidden, "invalid assertion")
		}
		session := uuid.NewString()
		f.mu.Lock()
		f.sessions[session] = true
		f.mu.Unlock()
		c.SetCookie(&http.Cookie{Name: sessionCookie, Value: session, Path: "/"})
		return c.Redirect(http.StatusFound, "/")
	})

	return e
}

func (f *Federation) idpHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true

	e.GET("/login", func(c echo.Context) error {
		return c.HTML(http.StatusOK, loginPage(c.QueryParam("return")))
	})

	e.POST("/login", func(c echo.Context) error {
		f.mu.Lock()
		f.loginAttempts++
		f.mu.Unlock()

		returnURL := c.FormValue("return")
		username := c.FormValue("username")
		password := c.FormValue("password")
		// Accept the bare and the domain-qualified username.
		username = strings.TrimSuffix(username, "@ug.kth.se")
		if f.RejectAll || username != Username || password != Password {
			return c.HTML(http.StatusOK, loginPage(returnURL))
		}

		assertion := uuid.NewString()
		f.mu.Lock()
		f.assertions[assertion] = true
		f.mu.Unlock()
		return c.HTML(http.StatusOK, relayPage(returnURL, assertion))
	})

	return e
}

func (f *Federation) discoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true

	// The landing page itself carries nothing the client needs; the
	// return parameter in its URL does.
	e.GET("/ds", func(c echo.Context) error {
		return c.HTML(http.StatusOK, "<html><body>Select your institution</body></html>")
	})

	e.GET("/entities/:id", func(c echo.Context) error {
		id := strings.TrimSuffix(c.Param("id"), ".json")
		if id != InstitutionID {
			return c.String(http.StatusNotFound, "no such entity")
		}
		return c.JSON(http.StatusOK, f.entityRecord())
	})

	e.GET("/entities/", func(c echo.Context) error {
		q := strings.ToLower(c.QueryParam("q"))
		if q != "" && strings.Contains(strings.ToLower(InstitutionName), q) {
			return c.JSON(http.StatusOK, []map[string]string{f.entityRecord()})
		}
		return c.JSON(http.StatusOK, []map[string]string{})
	})

	return e
}

func (f *Federation) entityRecord() map[string]string {
	record := map[string]string{
		"id":    InstitutionID,
		"title": InstitutionName,
	}
	if !f.MissingEntityID {
		record["entityID"] = EntityID
	}
	return record
}

func (f *Federation) authenticated(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[cookie.Value]
}

func loginPage(returnURL string) string {
	return fmt.Sprintf(`<html><body>
<form name="loginForm" method="post" action="/login">
  <input type="hidden" name="return" value="%s"/>
  <input type="text" name="username" value=""/>
  <input type="password" name="password" value=""/>
  <input type="submit" name="submit" value="Log in"/>
  <input type="submit" name="cancel" value="Cancel"/>
</form>
</body></html>`, html.EscapeString(returnURL))
}

func relayPage(returnURL, assertion string) string {
	return fmt.Sprintf(`<html><body onload="document.forms[0].submit()">
<form method="post" action="%s">
  <input type="hidden" name="SAMLResponse" value="%s"/>
</form>
</body></html>`, html.EscapeString(returnURL), html.EscapeString(assertion))
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		panic(err)
	}
	return u.Host
}
