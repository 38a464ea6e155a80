package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zezudoo/wa-download-guard/internal/audit"
	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

type fakeHooks struct {
	mu      sync.Mutex
	primary []int64
	created []int64
}

func (f *fakeHooks) OnDeterminingFilename(_ context.Context, item enforce.DownloadItem) enforce.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primary = append(f.primary, item.ID)
	return enforce.Result{Outcome: enforce.OutcomeBlocked, Decision: &policy.Decision{Reason: policy.ReasonExtNotAllowed, Ext: "exe"}}
}

func (f *fakeHooks) OnCreated(_ context.Context, item enforce.DownloadItem) enforce.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, item.ID)
	return enforce.Result{Outcome: enforce.OutcomeScheduled}
}

type fakeMessages struct{}

func (fakeMessages) Handle(_ context.Context, msg messaging.Message) (interface{}, error) {
	if msg.Type == messaging.TypeTabPing {
		return messaging.Ack{OK: true}, nil
	}
	return nil, messaging.ErrUnknownMessage
}

type fakeLister struct {
	limit int
}

func (f *fakeLister) Recent(_ context.Context, limit int) ([]audit.Event, error) {
	f.limit = limit
	return []audit.Event{{ID: "a", Source: "determining-filename", Reason: "ext-not-allowed"}}, nil
}

type fakeRefresher struct {
	calls int
}

func (f *fakeRefresher) RefreshAsync() { f.calls++ }

type fixture struct {
	server    *Server
	http      *httptest.Server
	settings  *store.Settings
	kv        *store.MemoryStore
	hooks     *fakeHooks
	lister    *fakeLister
	refresher *fakeRefresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	f := &fixture{
		kv:        kv,
		settings:  store.NewSettings(kv, "https://example.com/default.json"),
		hooks:     &fakeHooks{},
		lister:    &fakeLister{},
		refresher: &fakeRefresher{},
	}
	f.server = NewServer(Config{
		Downloads: f.hooks,
		Messages:  fakeMessages{},
		Settings:  f.settings,
		Blocked:   f.lister,
		Refresher: f.refresher,

		ExtensionID: "abcdef",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go f.server.Hub().Run(ctx)
	stop := f.server.WatchState(kv)

	f.http = httptest.NewServer(f.server.Router())
	t.Cleanup(func() {
		f.http.Close()
		stop()
		cancel()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("missing X-Request-ID header")
	}
}

func TestServer_DownloadEvents(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/downloads/determining-filename", enforce.DownloadItem{ID: 5, URL: "https://web.whatsapp.com/x.exe"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result enforce.Result
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Outcome != enforce.OutcomeBlocked || result.Decision == nil || result.Decision.Ext != "exe" {
		t.Errorf("result = %+v", result)
	}

	resp = f.do(t, http.MethodPost, "/v1/downloads/created", enforce.DownloadItem{ID: 6})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if len(f.hooks.primary) != 1 || f.hooks.primary[0] != 5 {
		t.Errorf("primary calls = %v", f.hooks.primary)
	}
	if len(f.hooks.created) != 1 || f.hooks.created[0] != 6 {
		t.Errorf("created calls = %v", f.hooks.created)
	}
}

func TestServer_DownloadEventBadBody(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/v1/downloads/created", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_Messages(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		msg        messaging.Message
		wantStatus int
	}{
		{"known", messaging.Message{Type: messaging.TypeTabPing, TabID: 1}, http.StatusOK},
		{"unknown", messaging.Message{Type: "nope"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/messages", tt.msg)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestServer_StateAndSettings(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/state", nil)
	var state State
	json.NewDecoder(resp.Body).Decode(&state)
	if !state.Enabled || state.Policy != nil || state.ConfigURL != "https://example.com/default.json" {
		t.Errorf("initial state = %+v", state)
	}

	disabled := false
	url := "https://example.com/custom.json"
	resp = f.do(t, http.MethodPut, "/v1/settings", settingsRequest{Enabled: &disabled, ConfigURL: &url})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	json.NewDecoder(resp.Body).Decode(&state)
	if state.Enabled || state.ConfigURL != url {
		t.Errorf("updated state = %+v", state)
	}
	if f.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", f.refresher.calls)
	}

	bad := "ftp://example.com/p.json"
	resp = f.do(t, http.MethodPut, "/v1/settings", settingsRequest{ConfigURL: &bad})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d for ftp URL, want 400", resp.StatusCode)
	}
}

func TestServer_Blocked(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/blocked?limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var events []audit.Event
	json.NewDecoder(resp.Body).Decode(&events)
	if len(events) != 1 || f.lister.limit != 5 {
		t.Errorf("events = %v, limit = %d", events, f.lister.limit)
	}

	resp = f.do(t, http.MethodGet, "/v1/blocked?limit=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d for bad limit, want 400", resp.StatusCode)
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) messaging.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env messaging.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

func TestServer_WebSocketStatePush(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	env := readEnvelope(t, conn)
	if env.Type != messaging.PushState {
		t.Fatalf("first message type = %q, want state", env.Type)
	}
	var state messaging.StatePush
	json.Unmarshal(env.Data, &state)
	if !state.Enabled || state.Policy != nil {
		t.Errorf("initial state = %+v", state)
	}

	if err := f.settings.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	env = readEnvelope(t, conn)
	if env.Type != messaging.PushState {
		t.Fatalf("message type = %q, want state", env.Type)
	}
	json.Unmarshal(env.Data, &state)
	if state.Enabled {
		t.Errorf("pushed state still enabled")
	}
}

func TestHubDownloadManager(t *testing.T) {
	f := newFixture(t)
	dm := HubDownloadManager{Hub: f.server.Hub()}

	if err := dm.Cancel(context.Background(), 1); err != ErrNoClients {
		t.Errorf("Cancel() with no clients error = %v, want ErrNoClients", err)
	}

	conn := dialWS(t, f)
	readEnvelope(t, conn) // initial state

	deadline := time.Now().Add(2 * time.Second)
	for f.server.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := dm.Cancel(context.Background(), 42); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := dm.Erase(context.Background(), 42); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}

	for _, want := range []string{"cancel", "erase"} {
		env := readEnvelope(t, conn)
		if env.Type != messaging.PushDownloadCommand {
			t.Fatalf("type = %q, want download-command", env.Type)
		}
		var cmd messaging.DownloadCommand
		json.Unmarshal(env.Data, &cmd)
		if cmd.Action != want || cmd.ID != 42 {
			t.Errorf("command = %+v, want %s 42", cmd, want)
		}
	}

	n := HubNotifier{Hub: f.server.Hub()}
	if err := n.Notify(context.Background(), enforce.Notification{Title: "t", Message: "m", DownloadID: 42}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != messaging.PushNotification {
		t.Errorf("type = %q, want notification", env.Type)
	}
}

func TestOriginChecker(t *testing.T) {
	checker := originChecker{extensionID: "abcdef"}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"chrome-extension://abcdef", true},
		{"chrome-extension://otherext", false},
		{"moz-extension://4b1c2d3e-aaaa-bbbb-cccc-111122223333", true},
		{"http://127.0.0.1:8787", true},
		{"http://localhost:3000", true},
		{"http://localhost.attacker.example", false},
		{"http://127.0.0.1.attacker.example", false},
		{"https://evil.example.com", false},
		{"null", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := checker.allow(r); got != tt.want {
				t.Errorf("allow(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	r.Header.Set("Origin", "chrome-extension://anyext")
	if !(originChecker{}).allow(r) {
		t.Errorf("allow() = false for extension origin without a pinned id")
	}
}

func TestServer_RejectsCrossSiteDownloadEvents(t *testing.T) {
	f := newFixture(t)
	body := `{"id":42,"url":"https://example.com/x"}`

	tests := []struct {
		name        string
		origin      string
		contentType string
		wantStatus  int
	}{
		{"foreign origin plain text", "https://evil.example", "text/plain", http.StatusForbidden},
		{"foreign origin json", "https://evil.example", "application/json", http.StatusForbidden},
		{"lookalike localhost", "http://localhost.attacker.example", "application/json", http.StatusForbidden},
		{"no origin plain text", "", "text/plain", http.StatusUnsupportedMediaType},
		{"no origin form", "", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"extension origin json", "chrome-extension://abcdef", "application/json; charset=utf-8", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/v1/downloads/determining-filename", strings.NewReader(body))
			req.Header.Set("Content-Type", tt.contentType)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.primary) != 1 {
		t.Errorf("primary calls = %v, want only the extension request", f.hooks.primary)
	}
}

func TestServer_WebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/ws"

	header := http.Header{"Origin": {"http://localhost.attacker.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatalf("Dial() succeeded from a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
