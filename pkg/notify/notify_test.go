package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cexll/sandboxchat/pkg/session"
)

func TestDirectOrderIndependence(t *testing.T) {
	resp := Response{Text: "done", RequiresSandbox: false, SandboxID: "sbx-1"}
	started := ExecutionStarted{SandboxID: "sbx-1"}

	run := func(first func(*Direct, string), second func(*Direct, string)) session.Session {
		store := session.NewStore()
		sess, err := store.Begin("", "u", "t", "run it")
		require.NoError(t, err)
		d := NewDirect(store, nil)
		first(d, sess.ID)
		second(d, sess.ID)
		got, err := store.Get(sess.ID)
		require.NoError(t, err)
		return got
	}
	sendResp := func(d *Direct, id string) {
		r := resp
		r.SessionID = id
		d.NotifyResponse(context.Background(), r)
	}
	sendStarted := func(d *Direct, id string) {
		e := started
		e.SessionID = id
		d.NotifyExecutionStarted(context.Background(), e)
	}

	a := run(sendStarted, sendResp)
	b := run(sendResp, sendStarted)
	for _, s := range []session.Session{a, b} {
		require.Equal(t, session.StateCompleted, s.State)
		require.Equal(t, "done", s.LastOutbound)
		require.Equal(t, "sbx-1", s.SandboxID)
		require.True(t, s.ExecutionStarted)
	}
}

func TestDirectSwallowsUnknownSession(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDirect(session.NewStore(), zap.New(core))
	d.NotifyResponse(context.Background(), Response{SessionID: "ghost", Text: "x"})
	require.Equal(t, 1, logs.FilterMessage("notification not delivered").Len())
}

func TestHTTPDeliversToCallbacks(t *testing.T) {
	var mu sync.Mutex
	got := map[string]json.RawMessage{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cb-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got[r.URL.Path] = raw
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/", Token: "cb-token"})
	require.NoError(t, err)
	n.NotifyExecutionStarted(context.Background(), ExecutionStarted{SessionID: "s1", Turn: 2, SandboxID: "sbx-9"})
	n.NotifyResponse(context.Background(), Response{SessionID: "s1", Turn: 2, Text: "hi", RequiresSandbox: true})

	mu.Lock()
	defer mu.Unlock()
	require.JSONEq(t, `{"sessionId":"s1","turn":2,"sandboxId":"sbx-9"}`, string(got[ExecutionStartedPath]))
	require.JSONEq(t, `{"sessionId":"s1","turn":2,"text":"hi","requiresSandbox":true}`, string(got[ResponsePath]))
}

func TestHTTPRetriesServerErrorsThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	n, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, Attempts: 3, Backoff: time.Millisecond, Logger: zap.New(core)})
	require.NoError(t, err)
	n.NotifyResponse(context.Background(), Response{SessionID: "s1", Text: "x"})

	require.EqualValues(t, 3, calls.Load())
	entries := logs.FilterMessage("notification not delivered").All()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].ContextMap()["error"], "status 502")
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "stale turn", http.StatusConflict)
	}))
	defer srv.Close()

	n, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, Backoff: time.Millisecond})
	require.NoError(t, err)
	n.NotifyExecutionStarted(context.Background(), ExecutionStarted{SessionID: "s1", SandboxID: "x"})
	require.EqualValues(t, 1, calls.Load())
}

func TestHTTPStopsRetryingWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		cancel()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	n, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, Attempts: 5, Backoff: time.Hour, Logger: zap.New(core)})
	require.NoError(t, err)

	start := time.Now()
	n.NotifyResponse(ctx, Response{SessionID: "s1", Text: "x"})
	require.Less(t, time.Since(start), 5*time.Second)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, logs.FilterMessage("notification not delivered").Len())
}

func TestNewHTTPRequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	require.Error(t, err)
}
