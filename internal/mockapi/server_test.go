package mockapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, items int, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.ClientID == "" {
		opts.ClientID = "client-id"
		opts.ClientSecret = "client-secret"
	}
	s := NewServer(Collection(items), opts, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func obtainToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"read(all)"}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.SetBasicAuth("client-id", "client-secret")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.AccessToken, 64)
	require.Positive(t, body.ExpiresIn)
	return body.AccessToken
}

func getPage(t *testing.T, srv *httptest.Server, token, query string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v2/items"+query, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestTokenEndpointRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 10, Options{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/oauth/token",
		strings.NewReader("grant_type=client_credentials"))
	require.NoError(t, err)
	req.SetBasicAuth("client-id", "wrong")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListItemsRequiresToken(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 10, Options{})

	resp, _ := getPage(t, srv, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Could not authorize your access (B: No token found)",
		resp.Header.Get("x-status-reason"))
}

func TestListItemsSlicesByLimitAndOffset(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 25, Options{})
	token := obtainToken(t, srv)

	resp, body := getPage(t, srv, token, "?_limit=10&_offset=20")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	items := gjson.GetBytes(body, "response").Array()
	require.Len(t, items, 5)
	assert.Equal(t, int64(20), items[0].Get("id").Int())
	assert.Equal(t, int64(25), gjson.GetBytes(body, "meta.total").Int())
	assert.Equal(t, int64(20), gjson.GetBytes(body, "meta.offset").Int())
}

func TestListItemsBeyondEndIsEmpty(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 5, Options{})
	token := obtainToken(t, srv)

	resp, body := getPage(t, srv, token, "?_limit=10&_offset=100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, gjson.GetBytes(body, "response").Array())
}

func TestListItemsRejectsOversizedLimit(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 5, Options{})
	token := obtainToken(t, srv)

	resp, _ := getPage(t, srv, token, "?_limit=51")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInjectedFailuresClearAfterBudget(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, 10, Options{FailuresAt: map[int]int{0: 2}})
	token := obtainToken(t, srv)

	for i := 0; i < 2; i++ {
		resp, _ := getPage(t, srv, token, "")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	resp, _ := getPage(t, srv, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpireTokensForcesRefresh(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t, 10, Options{})
	token := obtainToken(t, srv)

	resp, _ := getPage(t, srv, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.ExpireTokens()
	resp, _ = getPage(t, srv, token, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	fresh := obtainToken(t, srv)
	resp, _ = getPage(t, srv, fresh, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
