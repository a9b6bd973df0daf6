package gena_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/netio"
)

func TestSubscribeSetsStateAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SUBSCRIBE", r.Method)
		assert.Equal(t, "upnp:event", r.Header.Get("NT"))
		w.Header().Set("SID", "uuid:sub-1")
		w.Header().Set("TIMEOUT", "Second-1800")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := netio.NewHTTPClientTransport(time.Second)
	mgr := gena.NewManager(client, 0, nil)
	sub := gena.NewSubscription(srv.URL, "http://127.0.0.1:1234/notify")

	require.NoError(t, mgr.Subscribe(context.Background(), sub, 1800, 1000))
	assert.Equal(t, gena.Subscribed, sub.State())
	assert.Equal(t, "uuid:sub-1", sub.SID())
	assert.EqualValues(t, 1000+1800*1000, sub.ExpiresAt())
}

func TestSubscribeRejectedSetsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	client := netio.NewHTTPClientTransport(time.Second)
	mgr := gena.NewManager(client, 0, nil)
	sub := gena.NewSubscription(srv.URL, "http://127.0.0.1:1234/notify")

	err := mgr.Subscribe(context.Background(), sub, 1800, 1000)
	require.Error(t, err)
	assert.Equal(t, gena.Failed, sub.State())
}

func TestRenewFailuresExhaustRetriesToUnsubscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("NT") != "" {
			// initial subscribe
			w.Header().Set("SID", "uuid:sub-2")
			w.Header().Set("TIMEOUT", "Second-1800")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	client := netio.NewHTTPClientTransport(time.Second)
	mgr := gena.NewManager(client, 0, nil)
	sub := gena.NewSubscription(srv.URL, "http://127.0.0.1:1234/notify")
	require.NoError(t, mgr.Subscribe(context.Background(), sub, 1800, 1000))

	var lastErr error
	for i := 0; i < gena.MaxNotifyRetries; i++ {
		lastErr = mgr.Renew(context.Background(), sub, 1800, 2000)
		require.Error(t, lastErr)
	}
	assert.ErrorIs(t, lastErr, dlnaerr.ErrStaleSID)
	assert.Equal(t, gena.Unsubscribed, sub.State())
	assert.Empty(t, sub.SID())
}

func TestExpireIfPastTransitionsToUnsubscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("SID", "uuid:sub-3")
		w.Header().Set("TIMEOUT", "Second-60")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	sub := gena.NewSubscription(srv.URL, "http://example/notify")
	client := netio.NewHTTPClientTransport(time.Second)
	mgr := gena.NewManager(client, 0, nil)
	require.NoError(t, mgr.Subscribe(context.Background(), sub, 60, 0))

	assert.False(t, sub.ExpireIfPast(1000))
	assert.True(t, sub.ExpireIfPast(60000))
	assert.Equal(t, gena.Unsubscribed, sub.State())
}

func TestRenewGuard(t *testing.T) {
	assert.Equal(t, 30*time.Second, gena.RenewGuard(60))
	assert.Equal(t, 180*time.Second, gena.RenewGuard(1800))
}

func TestHandleNotifyDispatchesPropertyChanges(t *testing.T) {
	var mu sync.Mutex
	var got []gena.PropertyChange
	mgr := gena.NewManager(nil, 0, func(pc gena.PropertyChange) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, pc)
	})

	body := []byte(`<?xml version="1.0"?>
<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
  <e:property><TransportState>PLAYING</TransportState></e:property>
  <e:property><CurrentTrack>3</CurrentTrack></e:property>
</e:propertyset>`)

	require.NoError(t, mgr.HandleNotify("uuid:sub-4", body))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "TransportState", got[0].Name)
	assert.Equal(t, "PLAYING", got[0].Value)
	assert.Equal(t, "CurrentTrack", got[1].Name)
	assert.Equal(t, "3", got[1].Value)
}

func TestErrStaleSIDMatchesItself(t *testing.T) {
	assert.ErrorIs(t, dlnaerr.ErrStaleSID, dlnaerr.ErrStaleSID)
}
