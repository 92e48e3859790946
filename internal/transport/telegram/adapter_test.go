package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	flood := classify(tele.FloodError{RetryAfter: 8})
	transient, hint := transport.Classify(flood)
	assert.True(t, transient)
	assert.Equal(t, 8*time.Second, hint)

	_, hint = transport.Classify(classify(tele.FloodError{RetryAfter: 1 << 40}))
	assert.Equal(t, time.Hour, hint)

	transient, _ = transport.Classify(classify(tele.NewError(502, "Bad Gateway")))
	assert.True(t, transient)

	transient, _ = transport.Classify(classify(tele.NewError(403, "Forbidden: bot was blocked by the user")))
	assert.False(t, transient)

	transient, _ = transport.Classify(classify(errors.New("telegram: Internal Server Error (500)")))
	assert.True(t, transient)

	transient, _ = transport.Classify(classify(errors.New("telegram: Bad Request: message text is empty (400)")))
	assert.False(t, transient)

	assert.NoError(t, classify(nil))
}

// fakeAPI impersonates the Bot API endpoints the adapter calls.
type fakeAPI struct {
	mu      sync.Mutex
	methods []string
	bodies  []map[string]any
	reply   func(method string) (int, string)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.bodies = append(f.bodies, body)
	reply := f.reply
	f.mu.Unlock()

	status, payload := http.StatusOK, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":1}}}`
	if reply != nil {
		status, payload = reply(method)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, payload)
}

func newTestAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true, Timeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestSendTextIsOneMessage(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)

	text := strings.Repeat("a", transport.TextLimit)
	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1, ThreadID: 5}, text, &transport.SendOptions{DisablePreview: true})
	require.NoError(t, err)
	assert.Equal(t, 77, ref.MessageID)
	assert.Equal(t, 5, ref.ThreadID)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"sendMessage"}, api.methods)
	assert.Equal(t, text, api.bodies[0]["text"])
	assert.Equal(t, "5", api.bodies[0]["message_thread_id"])
}

func TestSendTextRejectsOversizedText(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)

	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, strings.Repeat("a", maxMessageRunes+1), nil)
	require.Error(t, err)
	assert.True(t, transport.IsPermanent(err))
	assert.Empty(t, api.methods)
}

func TestSendTextFloodWaitCarriesHint(t *testing.T) {
	api := &fakeAPI{reply: func(string) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 8","parameters":{"retry_after":8}}`
	}}
	a := newTestAdapter(t, api)

	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "hi", nil)
	require.Error(t, err)
	transient, hint := transport.Classify(err)
	assert.True(t, transient)
	assert.Equal(t, 8*time.Second, hint)
}

func TestSendChatActionTyping(t *testing.T) {
	api := &fakeAPI{reply: func(string) (int, string) { return http.StatusOK, `{"ok":true,"result":true}` }}
	a := newTestAdapter(t, api)

	require.NoError(t, a.SendChatAction(context.Background(), transport.ChatTarget{ChatID: 9}, transport.ActionTyping))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, []string{"sendChatAction"}, api.methods)
	assert.Equal(t, "typing", api.bodies[0]["action"])
	assert.Equal(t, "9", api.bodies[0]["chat_id"])
}

func TestSendHonorsCancelledContext(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.SendPhoto(ctx, transport.ChatTarget{ChatID: 1}, transport.Media{FileID: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.methods)
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Offline: true}, logx.Nop())
	assert.Error(t, err)
}
