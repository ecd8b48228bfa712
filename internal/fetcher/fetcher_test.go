package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbluedigital/pagefeed/internal/pagefeed"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestGetPagePaginatedEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.URL.Query().Get("_limit"))
		assert.Equal(t, "6", r.URL.Query().Get("_offset"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meta":{"total":100},"response":[{"id":6},{"id":7},{"id":8}]}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	result, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things?_limit=3&_offset=6"), "tok-1")
	require.NoError(t, err)

	assert.True(t, result.LooksPaginated)
	assert.False(t, result.LooksLikeLastPage)
	assert.Equal(t, 3, result.RequestedLimit)
	assert.Equal(t, 6, result.RequestedOffset)
	require.Len(t, result.Items, 3)
	assert.JSONEq(t, `{"id":7}`, string(result.Items[1]))
}

func TestGetPageShortPageLooksLikeLast(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":[{"id":98},{"id":99}]}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	result, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things?_limit=10&_offset=90"), "")
	require.NoError(t, err)

	assert.True(t, result.LooksPaginated)
	assert.True(t, result.LooksLikeLastPage)
	assert.Len(t, result.Items, 2)
}

func TestGetPageEmptyPageLooksLikeLast(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	result, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things"), "")
	require.NoError(t, err)

	assert.True(t, result.LooksLikeLastPage)
	assert.Empty(t, result.Items)
}

func TestGetPageNonEnvelopeBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","uptime":12}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	result, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/health"), "")
	require.NoError(t, err)

	assert.False(t, result.LooksPaginated)
	assert.True(t, result.LooksLikeLastPage)
	require.Len(t, result.Items, 1)
	assert.JSONEq(t, `{"status":"ok","uptime":12}`, string(result.Items[0]))
}

func TestGetPageServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-status-reason", "Could not authorize your access (B: No token found)")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	_, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things"), "stale")
	require.Error(t, err)

	var svcErr *pagefeed.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 401, svcErr.Status)
	assert.Equal(t, "Could not authorize your access (B: No token found)", svcErr.Reason())
}

func TestGetPageServiceErrorWithoutReason(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	_, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things"), "")
	require.Error(t, err)

	var svcErr *pagefeed.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 500, svcErr.Status)
	assert.Equal(t, "[n/a]", svcErr.Reason())
}

func TestGetPageParseError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>definitely not json</html>`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	_, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things"), "")

	var parseErr *pagefeed.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestGetPageNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := New(nil, nil)
	_, err := f.GetPage(context.Background(), mustParse(t, srv.URL+"/things"), "")

	var netErr *pagefeed.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestGetPageStripsLegacyPageParam(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has(pagefeed.ParamPage))
		assert.Equal(t, "5", r.URL.Query().Get(pagefeed.ParamLimit))
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), nil)
	u := mustParse(t, srv.URL+"/things?_page=3&_limit=5")
	_, err := f.GetPage(context.Background(), u, "")
	require.NoError(t, err)

	// The caller's copy keeps the parameter; only the request loses it.
	assert.Equal(t, "3", u.Query().Get(pagefeed.ParamPage))
}

func TestGetPageDoesNotMutateCallerURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	defer srv.Close()

	u := mustParse(t, srv.URL+"/things?_limit=5")
	before := u.String()

	f := New(srv.Client(), nil)
	_, err := f.GetPage(context.Background(), u, "")
	require.NoError(t, err)
	assert.Equal(t, before, u.String())
}
