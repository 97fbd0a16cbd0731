package discovery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbosk/weblogin"
	"github.com/dbosk/weblogin/discovery"
	"github.com/dbosk/weblogin/weblogintest"
)

func newClient(baseURL string) *discovery.Client {
	return discovery.NewClient(discovery.WithBaseURL(baseURL))
}

func TestResolve_ByID(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	entityID, err := newClient(f.Disco.URL).Resolve(context.Background(), weblogintest.InstitutionID)
	require.NoError(t, err)
	assert.Equal(t, weblogintest.EntityID, entityID)
}

func TestResolve_ByName(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	entityID, err := newClient(f.Disco.URL).Resolve(context.Background(), "test univ")
	require.NoError(t, err)
	assert.Equal(t, weblogintest.EntityID, entityID)
}

func TestResolve_NoMatch(t *testing.T) {
	f := weblogintest.New()
	defer f.Close()

	_, err := newClient(f.Disco.URL).Resolve(context.Background(), "no such place")
	require.Error(t, err)
	assert.ErrorIs(t, err, weblogin.ErrNoMatch)

	var authErr *weblogin.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestResolve_MissingEntityIDIsContractViolation(t *testing.T) {
	f := weblogintest.New()
	f.MissingEntityID = true
	defer f.Close()

	_, err := newClient(f.Disco.URL).Resolve(context.Background(), "test univ")
	assert.ErrorIs(t, err, weblogin.ErrDiscoveryContract)

	_, err = newClient(f.Disco.URL).Resolve(context.Background(), weblogintest.InstitutionID)
	assert.ErrorIs(t, err, weblogin.ErrDiscoveryContract)
}

func TestResolve_MalformedJSONIsContractViolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("this is not json"))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Resolve(context.Background(), "anything")
	assert.ErrorIs(t, err, weblogin.ErrDiscoveryContract)
	assert.NotErrorIs(t, err, weblogin.ErrNoMatch)
}

func TestResolve_CachesLookups(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"x","entityID":"https://idp.example.org/idp","title":"X"}]`))
	}))
	defer server.Close()

	client := newClient(server.URL)
	for range 3 {
		entityID, err := client.Resolve(context.Background(), "x university")
		require.NoError(t, err)
		assert.Equal(t, "https://idp.example.org/idp", entityID)
	}
	assert.Equal(t, int32(1), calls.Load())
}
