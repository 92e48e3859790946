package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/dispatch"
	"digestbot/internal/storage"
	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	snap     dispatch.MetricsSnapshot
	bypassed bool
	err      error
	queued   []dispatch.Payload
	direct   []dispatch.Payload
	targets  []transport.ChatTarget
}

func (f *fakeDispatcher) Metrics() dispatch.MetricsSnapshot { return f.snap }
func (f *fakeDispatcher) Bypassed() bool                    { return f.bypassed }

func (f *fakeDispatcher) Enqueue(_ context.Context, to transport.ChatTarget, _ dispatch.Op, p dispatch.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.queued = append(f.queued, p)
	f.targets = append(f.targets, to)
	return "task-1", nil
}

func (f *fakeDispatcher) SendNow(_ context.Context, to transport.ChatTarget, _ dispatch.Op, p dispatch.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, p)
	f.targets = append(f.targets, to)
	return f.err
}

type fakeDrops struct {
	recs  []storage.DropRecord
	limit int
}

func (f *fakeDrops) RecentDrops(_ context.Context, limit int) ([]storage.DropRecord, error) {
	f.limit = limit
	return f.recs, nil
}

func newTestServer(t *testing.T, cfg Config, disp Dispatcher, drops DropLister) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "digestbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(New(cfg, disp, drops, reg, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthzIsOpen(t *testing.T) {
	disp := &fakeDispatcher{snap: dispatch.MetricsSnapshot{QueueDepth: 4}}
	srv := newTestServer(t, Config{Token: "s3cret"}, disp, nil)

	resp, body := get(t, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h healthzResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 4, h.QueueDepth)
}

func TestTokenRequired(t *testing.T) {
	srv := newTestServer(t, Config{Token: "s3cret"}, &fakeDispatcher{}, nil)

	resp, _ := get(t, srv.URL+"/v1/dispatch/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/v1/dispatch/metrics", "wrong!")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/v1/dispatch/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/v1/dispatch/metrics?token=s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatchMetricsJSON(t *testing.T) {
	disp := &fakeDispatcher{snap: dispatch.MetricsSnapshot{
		QueueDepth:   3,
		MaxDelay:     2 * time.Second,
		AverageDelay: time.Second,
		WorstChatID:  77,
	}}
	srv := newTestServer(t, Config{}, disp, nil)

	resp, body := get(t, srv.URL+"/v1/dispatch/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.EqualValues(t, 3, got["queue_depth"])
	assert.EqualValues(t, 2*time.Second, got["max_delay"])
	assert.EqualValues(t, 77, got["worst_chat_id"])
}

func TestDrops(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv := newTestServer(t, Config{}, &fakeDispatcher{}, nil)
		resp, _ := get(t, srv.URL+"/v1/dispatch/drops", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
	t.Run("listed", func(t *testing.T) {
		drops := &fakeDrops{recs: []storage.DropRecord{{TaskID: "a", Reason: "exhausted"}}}
		srv := newTestServer(t, Config{}, &fakeDispatcher{}, drops)
		resp, body := get(t, srv.URL+"/v1/dispatch/drops?limit=5", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got dropsResponse
		require.NoError(t, json.Unmarshal(body, &got))
		require.Len(t, got.Drops, 1)
		assert.Equal(t, "a", got.Drops[0].TaskID)
		assert.Equal(t, 5, drops.limit)
	})
	t.Run("bad limit", func(t *testing.T) {
		srv := newTestServer(t, Config{}, &fakeDispatcher{}, &fakeDrops{})
		resp, _ := get(t, srv.URL+"/v1/dispatch/drops?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestSendMessage(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		disp := &fakeDispatcher{}
		srv := newTestServer(t, Config{}, disp, nil)
		resp := post(t, srv.URL+"/v1/dispatch/messages", `{"chat_id":5,"thread_id":2,"text":"hi","parse_mode":"HTML"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Len(t, disp.queued, 1)
		assert.Equal(t, "hi", disp.queued[0].Text)
		assert.Equal(t, "HTML", disp.queued[0].Options.ParseMode)
		assert.Equal(t, transport.ChatTarget{ChatID: 5, ThreadID: 2}, disp.targets[0])
	})
	t.Run("bypassed sends directly", func(t *testing.T) {
		disp := &fakeDispatcher{bypassed: true}
		srv := newTestServer(t, Config{}, disp, nil)
		resp := post(t, srv.URL+"/v1/dispatch/messages", `{"chat_id":5,"text":"hi"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, disp.direct, 1)
		assert.Empty(t, disp.queued)
	})
	t.Run("errors map to status", func(t *testing.T) {
		cases := map[error]int{
			dispatch.ErrQueueFull:    http.StatusServiceUnavailable,
			dispatch.ErrStopped:      http.StatusServiceUnavailable,
			dispatch.ErrEmptyPayload: http.StatusBadRequest,
			errors.New("boom"):       http.StatusBadGateway,
		}
		for err, want := range cases {
			srv := newTestServer(t, Config{}, &fakeDispatcher{err: err}, nil)
			resp := post(t, srv.URL+"/v1/dispatch/messages", `{"chat_id":5,"text":"hi"}`)
			assert.Equal(t, want, resp.StatusCode, err.Error())
		}
	})
	t.Run("validation", func(t *testing.T) {
		srv := newTestServer(t, Config{}, &fakeDispatcher{}, nil)
		assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/v1/dispatch/messages", `{"text":"hi"}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/v1/dispatch/messages", `{"chat_id":1,"bogus":true}`).StatusCode)
	})
}

func TestPrometheusEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{}, &fakeDispatcher{}, nil)
	resp, body := get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "digestbot_test_total 1")
}

func TestStartRefusesPublicAddrWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeDispatcher{}, nil, nil, logx.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStartStopLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeDispatcher{}, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, _ := get(t, "http://"+addr+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
}
