package saml_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbosk/weblogin"
	"github.com/dbosk/weblogin/saml"
	"github.com/dbosk/weblogin/weblogintest"
)

func newHandler(f *weblogintest.Federation, institution, username, password string) *saml.Login {
	return saml.New(saml.Config{
		TriggerURL:       f.TriggerURL(),
		TargetHost:       f.TargetHost(),
		Institution:      institution,
		DiscoveryHost:    f.DiscoHost(),
		DiscoveryBaseURL: f.Disco.URL,
		Vars: map[string]string{
			"username": username,
			"password": password,
		},
	})
}

func newSession(t *testing.T, h weblogin.Handler) *weblogin.Session {
	t.Helper()
	session, err := weblogin.NewSession(weblogin.WithHandlers(h))
	require.NoError(t, err)
	return session
}

// The headline behavior: a protected API call triggers the whole SSO round
// trip and comes back with the API payload, with the login flow invisible to
// the caller.
func TestLogin_EndToEnd(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	session := newSession(t, newHandler(f, weblogintest.InstitutionID,
		weblogintest.Username, weblogintest.Password))

	resp, err := session.Get(context.Background(), f.Target.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, weblogintest.APIPayload, string(resp.Body))
	assert.Equal(t, 1, f.LoginAttempts())

	// Second call is already authenticated; no new login happens.
	resp, err = session.Get(context.Background(), f.Target.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, weblogintest.APIPayload, string(resp.Body))
	assert.Equal(t, 1, f.LoginAttempts())
}

func TestLogin_ResolvesInstitutionByName(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	session := newSession(t, newHandler(f, "Test University",
		weblogintest.Username, weblogintest.Password))

	resp, err := session.Get(context.Background(), f.Target.URL+"/api/data")
	require.NoError(t, err)
	assert.Equal(t, weblogintest.APIPayload, string(resp.Body))
}

func TestLogin_UnknownInstitution(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	session := newSession(t, newHandler(f, "No Such Place",
		weblogintest.Username, weblogintest.Password))

	_, err := session.Get(context.Background(), f.Target.URL+"/api/data")
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrNoMatch)
}

// Wrong credentials make the identity provider serve the same login form at
// the same URL forever; the walker must detect the stall and report the
// payload it submitted.
func TestLogin_LoopDetection(t *testing.T) {
	f := weblogintest.New()
	f.RejectAll = true
	defer f.Close()

	session := newSession(t, newHandler(f, weblogintest.InstitutionID,
		weblogintest.Username, "wrong password"))

	_, err := session.Get(context.Background(), f.Target.URL+"/api/data")
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrLoopDetected)

	var authErr *weblogin.AuthError
	require.ErrorAs(t, err, &authErr)
	require.NotNil(t, authErr.Data)
	// The attached data is the payload of the last submission, so the
	// caller can see which field names the remote form expects.
	assert.Equal(t, weblogintest.Username, authErr.Data.Get("username"))
	assert.Equal(t, "wrong password", authErr.Data.Get("password"))
	assert.Contains(t, authErr.Data, "return")
}

// Two different logical pages can legitimately share one URL. As long as
// their form field names differ, the walker must keep going instead of
// declaring a loop.
func TestLogin_RevisitedURLWithDifferentFormIsNotALoop(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("arrived"))
	}))
	defer target.Close()
	targetHost := hostOf(t, target.URL)

	var posts atomic.Int32
	mux := http.NewServeMux()
	flow := httptest.NewServer(mux)
	defer flow.Close()

	// /step serves two logical pages at the same URL: a confirmation
	// form, then a relay form, both posting back to themselves.
	mux.HandleFunc("/step", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && posts.Add(1) == 2 {
			http.Redirect(w, r, target.URL+"/done", http.StatusFound)
			return
		}
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`<form method="post" action="">
				<input type="hidden" name="confirm" value="yes"/>
			</form>`))
			return
		}
		_, _ = w.Write([]byte(`<form method="post" action="">
			<input type="text" name="foo" value="1"/>
			<input type="text" name="bar" value="2"/>
		</form>`))
	})
	mux.HandleFunc("/ds", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>discovery</html>"))
	})
	mux.HandleFunc("/entities/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","entityID":"https://idp.example.org/idp","title":"X"}`))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r,
			flow.URL+"/ds?return="+url.QueryEscape(flow.URL+"/step"),
			http.StatusFound)
	})

	handler := saml.New(saml.Config{
		TriggerURL:       flow.URL + "/login",
		TargetHost:       targetHost,
		Institution:      "{sha1}0000000000000000000000000000000000000000",
		DiscoveryHost:    hostOf(t, flow.URL),
		DiscoveryBaseURL: flow.URL,
	})

	resp, err := handler.Login(context.Background(), newSession(t, handler), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, targetHost, resp.URL.Host)
	assert.Equal(t, int32(2), posts.Load())
}

func TestLogin_NoFormOffTargetFails(t *testing.T) {
	mux := http.NewServeMux()
	flow := httptest.NewServer(mux)
	defer flow.Close()

	mux.HandleFunc("/dead-end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>nothing to submit</html>"))
	})
	mux.HandleFunc("/ds", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>discovery</html>"))
	})
	mux.HandleFunc("/entities/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","entityID":"https://idp.example.org/idp","title":"X"}`))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r,
			flow.URL+"/ds?return="+url.QueryEscape(flow.URL+"/dead-end"),
			http.StatusFound)
	})

	handler := saml.New(saml.Config{
		TriggerURL:       flow.URL + "/login",
		TargetHost:       "never-reached.example.org",
		Institution:      "{sha1}0000000000000000000000000000000000000000",
		DiscoveryHost:    hostOf(t, flow.URL),
		DiscoveryBaseURL: flow.URL,
	})

	_, err := handler.Login(context.Background(), newSession(t, handler), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrNoForm)
}

// The trigger landing anywhere but the discovery service means the target's
// login entry point changed.
func TestLogin_UnexpectedLandingHost(t *testing.T) {
	flow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not the discovery service</html>"))
	}))
	defer flow.Close()

	handler := saml.New(saml.Config{
		TriggerURL:    flow.URL + "/login",
		TargetHost:    "target.example.org",
		Institution:   "anything",
		DiscoveryHost: "service.seamlessaccess.org",
	})

	_, err := handler.Login(context.Background(), newSession(t, handler), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrDiscoveryContract)
}

func TestLogin_SnapshotDescriptorRoundTrip(t *testing.T) {
	handler := saml.New(saml.Config{
		TriggerURL:  "https://service.example.org/login",
		Institution: "Test University",
		Vars:        map[string]string{"username": "alice"},
	})

	session := newSession(t, handler)
	snap, err := session.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Handlers, 1)
	assert.Equal(t, saml.HandlerKind, snap.Handlers[0].Kind)

	restored, err := weblogin.RestoreSession(snap)
	require.NoError(t, err)
	require.Len(t, restored.Handlers(), 1)
	assert.Equal(t, snap.Handlers[0], restored.Handlers()[0].Descriptor())
}

func hostOf(t *testing.T, rawurl string) string {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	return u.Host
}
