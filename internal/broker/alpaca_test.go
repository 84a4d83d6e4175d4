package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
)

func TestAlpacaEndpointSelection(t *testing.T) {
	// Construction must not perform network calls.
	assert.NotNil(t, NewAlpacaBroker(AlpacaCredentials{KeyID: "k", SecretKey: "s", Env: "live"}, "", "", "iex"))
	assert.Equal(t, domain.BrokerAlpaca, NewAlpacaBroker(AlpacaCredentials{}, "", "", "").Kind())
}

func TestAlpacaValidateConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		if r.Header.Get("APCA-API-KEY-ID") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":40110000,"message":"request is not authorized"}`))
			return
		}
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct-1","currency":"USD","cash":"80000","equity":"100000","buying_power":"200000","status":"ACTIVE"}`))
	}))
	defer srv.Close()
	ctx := context.Background()

	good := NewAlpacaBroker(AlpacaCredentials{KeyID: "good", SecretKey: "secret"}, srv.URL, srv.URL, "")
	require.NoError(t, good.ValidateConnection(ctx))

	summary, err := good.GetAccountSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, summary.Equity)
	assert.Equal(t, 80000.0, summary.Cash)
	assert.Equal(t, 200000.0, summary.BuyingPower)

	bad := NewAlpacaBroker(AlpacaCredentials{KeyID: "bad", SecretKey: "secret"}, srv.URL, srv.URL, "")
	assert.ErrorIs(t, bad.ValidateConnection(ctx), domain.ErrAuth)
}
