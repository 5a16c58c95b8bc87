package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/amirphl/order-router/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	utils.SetLogger(zap.NewNop().Sugar())
}

func newTestClient(t *testing.T, h http.HandlerFunc) *KiteClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewKiteClient(KiteConfig{RootURL: srv.URL, APIKey: "key", AccessToken: "tok"})
}

func TestKiteClient_PostSendsFormAndHeaders(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/regular", r.URL.Path)
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		assert.Equal(t, "token key:tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"151220000000000"}}`))
	})

	form := url.Values{"tradingsymbol": {"INFY"}, "quantity": {"1"}}
	envelope, err := c.Post(context.Background(), "/orders/regular", form)
	require.NoError(t, err)
	assert.Equal(t, "INFY", got.Get("tradingsymbol"))
	assert.Equal(t, "151220000000000", String(Map(Data(envelope))["order_id"]))
}

func TestKiteClient_GetRepeatsQueryParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"NSE:INFY", "NSE:TCS"}, r.URL.Query()["i"])
		_, _ = w.Write([]byte(`{"status":"success","data":{}}`))
	})

	_, err := c.Get(context.Background(), "/quote/ltp", url.Values{"i": {"NSE:INFY", "NSE:TCS"}})
	require.NoError(t, err)
}

func TestKiteClient_NonSuccessIsHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`))
	})

	_, err := c.Delete(context.Background(), "/orders/regular/1")
	require.Error(t, err)

	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusForbidden, herr.StatusCode)
	assert.Equal(t, "TokenException", herr.ErrorType)
	assert.Contains(t, herr.Error(), "Incorrect api_key")
}

func TestPayloadCoercion(t *testing.T) {
	assert.Equal(t, 12, Int("12"))
	assert.Equal(t, 0, Int("abc"))
	assert.Equal(t, 3, Int(3.9))
	assert.Equal(t, 2.5, FloatOr("2.5", 0))
	assert.Equal(t, -1.0, FloatOr(nil, -1))
	assert.Equal(t, "42", String(42.0))
	assert.Nil(t, Map("x"))
	assert.Nil(t, List(map[string]any{}))
	assert.Nil(t, Data(nil))
}
