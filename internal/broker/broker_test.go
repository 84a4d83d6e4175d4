package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
)

func TestAlpacaTimeframeNames(t *testing.T) {
	want := map[domain.Timeframe]string{
		domain.Timeframe1m:  "1Min",
		domain.Timeframe5m:  "5Min",
		domain.Timeframe15m: "15Min",
		domain.Timeframe1h:  "1Hour",
		domain.Timeframe1d:  "1Day",
	}
	for tf, name := range want {
		got, ok := AlpacaTimeframe(tf)
		require.True(t, ok, tf)
		assert.Equal(t, name, got)
	}
	_, ok := AlpacaTimeframe("2m")
	assert.False(t, ok)
}

func TestKiteIntervals(t *testing.T) {
	assert.Equal(t, "minute", kiteIntervals[domain.Timeframe1m])
	assert.Equal(t, "15minute", kiteIntervals[domain.Timeframe15m])
	assert.Equal(t, "60minute", kiteIntervals[domain.Timeframe1h])
	assert.Equal(t, "day", kiteIntervals[domain.Timeframe1d])
}

func TestStatusErrorClassification(t *testing.T) {
	assert.ErrorIs(t, statusError("kite", 401, "bad token"), domain.ErrAuth)
	assert.ErrorIs(t, statusError("kite", 403, ""), domain.ErrAuth)
	assert.ErrorIs(t, statusError("kite", 500, "boom"), domain.ErrExternal)
	assert.ErrorIs(t, statusError("kite", 429, "slow down"), domain.ErrExternal)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestTransportErrorClassification(t *testing.T) {
	assert.ErrorIs(t, transportError("x", context.DeadlineExceeded), domain.ErrTransient)
	assert.ErrorIs(t, transportError("x", fmt.Errorf("dial: %w", timeoutErr{})), domain.ErrTransient)
	assert.ErrorIs(t, transportError("x", errors.New("status 403 forbidden")), domain.ErrAuth)
	assert.ErrorIs(t, transportError("x", errors.New("weird")), domain.ErrExternal)

	already := fmt.Errorf("%w: nope", domain.ErrAuth)
	assert.Equal(t, already, transportError("x", already))
}

func TestWithContextAbandonsStalledCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	_, err := withContext(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactoryNew(t *testing.T) {
	f := NewFactory(Options{KiteRatePerMin: 180}, nil)

	decode := func(v any) func(any) error {
		return func(out any) error {
			b, _ := json.Marshal(v)
			return json.Unmarshal(b, out)
		}
	}

	b, err := f.New(domain.BrokerAlpaca, decode(AlpacaCredentials{KeyID: "k", SecretKey: "s", Env: "paper"}))
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerAlpaca, b.Kind())

	b, err = f.New(domain.BrokerZerodha, decode(KiteCredentials{APIKey: "a", AccessToken: "t"}))
	require.NoError(t, err)
	kite := b.(*KiteBroker)
	assert.Equal(t, domain.BrokerZerodha, kite.Kind())
	assert.Same(t, kite.limiter, f.Kite(KiteCredentials{APIKey: "a"}).limiter)

	_, err = f.New("IBKR", decode(nil))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.New(domain.BrokerAlpaca, func(any) error { return errors.New("tampered") })
	assert.Error(t, err)
}

func TestSplitKiteInstrument(t *testing.T) {
	ex, sym := SplitKiteInstrument("BSE:INFY")
	assert.Equal(t, "BSE", ex)
	assert.Equal(t, "INFY", sym)

	ex, sym = SplitKiteInstrument("RELIANCE")
	assert.Equal(t, "NSE", ex)
	assert.Equal(t, "RELIANCE", sym)
}
