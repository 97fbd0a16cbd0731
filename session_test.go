package weblogin_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbosk/weblogin"
)

// stubHandler lets tests script NeedsLogin/Login behavior and observe calls.
// Like real handlers it holds an authenticating flag so its own login
// traffic does not re-trigger it.
type stubHandler struct {
	kind           string
	needs          func(*weblogin.Response) bool
	login          func(context.Context, *weblogin.Session, *weblogin.Response, *weblogin.RequestSpec) (*weblogin.Response, error)
	claims         int
	logins         int
	authenticating bool
}

func (h *stubHandler) NeedsLogin(resp *weblogin.Response) bool {
	if h.authenticating {
		return false
	}
	if h.needs != nil && h.needs(resp) {
		h.claims++
		return true
	}
	return false
}

func (h *stubHandler) Login(ctx context.Context, s *weblogin.Session, resp *weblogin.Response, orig *weblogin.RequestSpec) (*weblogin.Response, error) {
	h.logins++
	h.authenticating = true
	defer func() { h.authenticating = false }()
	return h.login(ctx, s, resp, orig)
}

func (h *stubHandler) Descriptor() weblogin.HandlerDescriptor {
	return weblogin.MustDescriptor(h.kind, struct{}{})
}

func TestDo_NoHandlerClaims(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain"))
	}))
	defer server.Close()

	h := &stubHandler{kind: "never"}
	session, err := weblogin.NewSession(weblogin.WithHandlers(h))
	require.NoError(t, err)

	resp, err := session.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plain", string(resp.Body))
	assert.Zero(t, h.logins)
}

// A later handler must see the response the earlier handler produced, not
// the original one.
func TestDo_ChainSeesLatestResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fixed" {
			_, _ = w.Write([]byte("fixed"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	first := &stubHandler{
		kind:  "first",
		needs: func(r *weblogin.Response) bool { return r.StatusCode == http.StatusUnauthorized },
		login: func(ctx context.Context, s *weblogin.Session, _ *weblogin.Response, _ *weblogin.RequestSpec) (*weblogin.Response, error) {
			return s.Get(ctx, server.URL+"/fixed")
		},
	}
	var secondSaw []string
	second := &stubHandler{
		kind: "second",
		needs: func(r *weblogin.Response) bool {
			secondSaw = append(secondSaw, string(r.Body))
			return false
		},
	}
	session, err := weblogin.NewSession(weblogin.WithHandlers(first, second))
	require.NoError(t, err)

	resp, err := session.Get(context.Background(), server.URL+"/protected")
	require.NoError(t, err)
	assert.Equal(t, "fixed", string(resp.Body))
	assert.Equal(t, 1, first.logins)
	// The second handler is consulted twice: once inside the first
	// handler's nested Get and once at the top level. Both times it saw
	// the produced response, never the original unauthorized one.
	assert.Equal(t, []string{"fixed", "fixed"}, secondSaw)
}

func TestDo_LoginErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	failing := &stubHandler{
		kind:  "failing",
		needs: func(r *weblogin.Response) bool { return r.StatusCode == http.StatusUnauthorized },
		login: func(context.Context, *weblogin.Session, *weblogin.Response, *weblogin.RequestSpec) (*weblogin.Response, error) {
			return nil, weblogin.NewAuthError(weblogin.ErrBadCredentials, "rejected")
		},
	}
	session, err := weblogin.NewSession(weblogin.WithHandlers(failing))
	require.NoError(t, err)

	_, err = session.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrBadCredentials)
}

// Once a handler has authenticated the session, issuing the same request
// again must not trigger another login.
func TestDo_InterceptionIdempotentOnceAuthenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("auth"); err == nil && cookie.Value == "ok" {
			_, _ = w.Write([]byte("content"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	h := &stubHandler{kind: "cookie"}
	h.needs = func(r *weblogin.Response) bool { return r.StatusCode == http.StatusUnauthorized }
	h.login = func(ctx context.Context, s *weblogin.Session, _ *weblogin.Response, orig *weblogin.RequestSpec) (*weblogin.Response, error) {
		s.Jar().SetCookies(serverURL, []*http.Cookie{{Name: "auth", Value: "ok"}})
		return s.Do(ctx, orig)
	}
	session, err := weblogin.NewSession(weblogin.WithHandlers(h))
	require.NoError(t, err)

	for range 2 {
		resp, err := session.Get(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, "content", string(resp.Body))
	}
	assert.Equal(t, 1, h.claims)
	assert.Equal(t, 1, h.logins)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s3cret", Path: "/"})
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	type stubConfig struct {
		Tag string `json:"tag"`
	}
	weblogin.RegisterHandler("stub", func(raw json.RawMessage) (weblogin.Handler, error) {
		var cfg stubConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return &stubHandler{kind: "stub"}, nil
	})

	h := &stubHandler{kind: "stub"}
	session, err := weblogin.NewSession(weblogin.WithHandlers(h))
	require.NoError(t, err)
	_, err = session.Get(context.Background(), server.URL)
	require.NoError(t, err)

	snap, err := session.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	require.Len(t, snap.Handlers, 1)
	assert.Equal(t, "stub", snap.Handlers[0].Kind)

	restored, err := weblogin.RestoreSession(snap)
	require.NoError(t, err)
	require.Len(t, restored.Handlers(), 1)

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	cookies := restored.Jar().Cookies(serverURL)
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, "s3cret", cookies[0].Value)
}

func TestRegisterHandler_ConcurrentWithRestore(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind := fmt.Sprintf("concurrent-%d", i)
			weblogin.RegisterHandler(kind, func(json.RawMessage) (weblogin.Handler, error) {
				return &stubHandler{kind: kind}, nil
			})
			snap := &weblogin.Snapshot{
				ID:       kind,
				Version:  weblogin.SnapshotVersion,
				Handlers: []weblogin.HandlerDescriptor{{Kind: kind}},
			}
			restored, err := weblogin.RestoreSession(snap)
			if assert.NoError(t, err) {
				assert.Len(t, restored.Handlers(), 1)
			}
		}()
	}
	wg.Wait()
}

func TestRestoreSession_UnknownHandlerKind(t *testing.T) {
	snap := &weblogin.Snapshot{
		ID:       "x",
		Version:  weblogin.SnapshotVersion,
		Handlers: []weblogin.HandlerDescriptor{{Kind: "nobody-registered-this"}},
	}
	_, err := weblogin.RestoreSession(snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler kind")
}

// A GET form submission replaces the action URL's query string, so stale
// parameters in the action do not leak into the submitted request.
func TestSubmitForm_GetReplacesActionQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.RawQuery))
	}))
	defer server.Close()

	session, err := weblogin.NewSession()
	require.NoError(t, err)

	resp, err := session.SubmitForm(context.Background(), http.MethodGet,
		server.URL+"/search?stale=1", url.Values{"q": {"new"}})
	require.NoError(t, err)
	assert.Equal(t, "q=new", string(resp.Body))
}

func TestResponse_RedirectHistory(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c", http.StatusFound)
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("end"))
	})

	session, err := weblogin.NewSession()
	require.NoError(t, err)
	resp, err := session.Get(context.Background(), server.URL+"/a")
	require.NoError(t, err)

	assert.True(t, resp.Redirected())
	require.Len(t, resp.History, 2)
	assert.Equal(t, "/a", resp.History[0].Path)
	assert.Equal(t, "/b", resp.History[1].Path)
	assert.Equal(t, "/c", resp.URL.Path)
}
