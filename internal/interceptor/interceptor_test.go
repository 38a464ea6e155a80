package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/origin"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

type fakeToaster struct {
	messages []string
}

func (f *fakeToaster) Toast(_, message string) {
	f.messages = append(f.messages, message)
}

type fakeMessenger struct {
	mu   sync.Mutex
	msgs []messaging.Message
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, msg messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeMessenger) sent() []messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Message(nil), f.msgs...)
}

func allowPDF() *policy.Policy {
	return policy.Normalize(&policy.Policy{
		Mode:    policy.ModeAllow,
		Allowed: policy.Allowed{Extensions: []string{"pdf", "jpg"}, MIMETypes: []string{"application/pdf"}},
	})
}

func newInterceptor(p *policy.Policy) (*Interceptor, *fakeToaster, *fakeMessenger) {
	mirror := NewMirror()
	mirror.SetPolicy(p)
	toaster := &fakeToaster{}
	messenger := &fakeMessenger{}
	i := New(Config{
		Mirror:    mirror,
		Matcher:   origin.NewMatcher([]string{"*.whatsapp.com", "*.whatsapp.net", "wa.me"}),
		Toaster:   toaster,
		Messenger: messenger,
		TabID:     7,
	})
	return i, toaster, messenger
}

func TestInterceptor_Intercept(t *testing.T) {
	const page = "https://web.whatsapp.com/"

	tests := []struct {
		name        string
		policy      *policy.Policy
		activation  Activation
		wantBlock   bool
		wantMessage string
	}{
		{
			name:       "allowed extension",
			policy:     allowPDF(),
			activation: Activation{Kind: KindClick, Href: "https://mmg.whatsapp.net/d/f.pdf", PageURL: page},
		},
		{
			name:        "disallowed extension",
			policy:      allowPDF(),
			activation:  Activation{Kind: KindClick, Href: "https://mmg.whatsapp.net/d/f.exe", PageURL: page},
			wantBlock:   true,
			wantMessage: "Blocked: .exe",
		},
		{
			name:        "relative href resolved against page",
			policy:      allowPDF(),
			activation:  Activation{Kind: KindEnterKey, Href: "/files/setup.EXE?x=1", PageURL: page},
			wantBlock:   true,
			wantMessage: "Blocked: .exe",
		},
		{
			name:        "download attribute wins over url",
			policy:      allowPDF(),
			activation:  Activation{Kind: KindProgrammaticClick, Href: "blob:https://web.whatsapp.com/123", HasDownloadAttr: true, DownloadAttr: "invoice.js", PageURL: page},
			wantBlock:   true,
			wantMessage: "Blocked: .js",
		},
		{
			name:        "no policy blocks",
			policy:      nil,
			activation:  Activation{Kind: KindClick, Href: "https://mmg.whatsapp.net/d/f.pdf", PageURL: page},
			wantBlock:   true,
			wantMessage: "Blocked: no policy loaded",
		},
		{
			name:       "unknown extension defers",
			policy:     allowPDF(),
			activation: Activation{Kind: KindClick, Href: "blob:https://web.whatsapp.com/123", HasDownloadAttr: true, PageURL: page},
		},
		{
			name:       "navigation without download hint",
			policy:     nil,
			activation: Activation{Kind: KindClick, Href: "https://web.whatsapp.com/settings", PageURL: page},
		},
		{
			name:       "foreign host ignored",
			policy:     nil,
			activation: Activation{Kind: KindClick, Href: "https://example.com/f.exe", PageURL: page},
		},
		{
			name:        "window open",
			policy:      allowPDF(),
			activation:  Activation{Kind: KindWindowOpen, Href: "https://wa.me/f.zip", PageURL: page},
			wantBlock:   true,
			wantMessage: "Blocked: .zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, toaster, messenger := newInterceptor(tt.policy)

			v := i.Intercept(context.Background(), tt.activation)
			if v.Block != tt.wantBlock {
				t.Fatalf("Block = %v, want %v", v.Block, tt.wantBlock)
			}
			if v.PreventDefault != tt.wantBlock || v.StopPropagation != tt.wantBlock {
				t.Errorf("PreventDefault/StopPropagation = %v/%v, want %v", v.PreventDefault, v.StopPropagation, tt.wantBlock)
			}
			if v.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", v.Message, tt.wantMessage)
			}

			wantReports := 0
			if tt.wantBlock {
				wantReports = 1
			}
			if len(toaster.messages) != wantReports {
				t.Errorf("toasts = %d, want %d", len(toaster.messages), wantReports)
			}
			if sent := messenger.sent(); len(sent) != wantReports {
				t.Errorf("messages = %d, want %d", len(sent), wantReports)
			} else if wantReports == 1 && (sent[0].Type != messaging.TypeBlockedNotify || sent[0].TabID != 7) {
				t.Errorf("message = %+v", sent[0])
			}
		})
	}
}

func TestInterceptor_WhyPerKind(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindClick, "anchor"},
		{KindProgrammaticClick, "anchor-programmatic"},
		{KindWindowOpen, "window-open"},
		{KindEnterKey, "anchor-enter"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			i, _, _ := newInterceptor(nil)
			v := i.Intercept(context.Background(), Activation{Kind: tt.kind, Href: "https://wa.me/a.exe"})
			if v.Why != tt.want {
				t.Errorf("Why = %q, want %q", v.Why, tt.want)
			}
		})
	}
}

func TestInterceptor_DisabledIsNoop(t *testing.T) {
	i, toaster, _ := newInterceptor(nil)
	i.Mirror().SetEnabled(false)

	v := i.Intercept(context.Background(), Activation{Kind: KindClick, Href: "https://wa.me/a.exe"})
	if v.Block {
		t.Errorf("Block = true while disabled")
	}
	if len(toaster.messages) != 0 {
		t.Errorf("toast shown while disabled")
	}

	i.Mirror().SetEnabled(true)
	if v := i.Intercept(context.Background(), Activation{Kind: KindClick, Href: "https://wa.me/a.exe"}); !v.Block {
		t.Errorf("Block = false after re-enabling")
	}
}

func TestInterceptor_MessengerErrorStillBlocks(t *testing.T) {
	i, _, messenger := newInterceptor(allowPDF())
	messenger.err = errors.New("background gone")

	v := i.Intercept(context.Background(), Activation{Kind: KindClick, Href: "https://wa.me/a.exe"})
	if !v.Block {
		t.Errorf("Block = false when messenger fails")
	}
}

func TestMirror_SyncFromStore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	settings := store.NewSettings(kv, "")

	if err := settings.SavePolicy(ctx, allowPDF(), 1); err != nil {
		t.Fatalf("SavePolicy() error = %v", err)
	}

	m := NewMirror()
	cancel, err := m.SyncFromStore(ctx, kv)
	if err != nil {
		t.Fatalf("SyncFromStore() error = %v", err)
	}
	defer cancel()

	snap := m.Snapshot()
	if !snap.Enabled || !snap.HasPolicy || strings.Join(snap.Extensions, ",") != "jpg,pdf" {
		t.Errorf("initial snapshot = %+v", snap)
	}

	if err := settings.SetEnabled(ctx, false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if m.Snapshot().Enabled {
		t.Errorf("mirror still enabled after store change")
	}

	if err := kv.Set(ctx, map[string][]byte{store.KeyPolicy: nil}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if m.Snapshot().HasPolicy {
		t.Errorf("mirror still has policy after delete")
	}

	cancel()
	settings.SetEnabled(ctx, true)
	if m.Snapshot().Enabled {
		t.Errorf("mirror followed changes after cancel")
	}
}

func TestHeartbeat_PingsAndClears(t *testing.T) {
	messenger := &fakeMessenger{}
	hb := &Heartbeat{
		Messenger: messenger,
		TabID:     3,
		PageURL:   "https://web.whatsapp.com/",
		TopLevel:  true,
		Interval:  20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()
	<-done

	sent := messenger.sent()
	if len(sent) < 3 {
		t.Fatalf("sent %d messages, want at least 3", len(sent))
	}
	if sent[0].Type != messaging.TypeTabPing || sent[0].TabID != 3 {
		t.Errorf("first message = %+v, want ping", sent[0])
	}
	if last := sent[len(sent)-1]; last.Type != messaging.TypeTabClear {
		t.Errorf("last message = %+v, want clear", last)
	}
}

func TestHeartbeat_FrameIsSilent(t *testing.T) {
	messenger := &fakeMessenger{}
	hb := &Heartbeat{Messenger: messenger, TabID: 3, TopLevel: false}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hb.Run(ctx)

	if n := len(messenger.sent()); n != 0 {
		t.Errorf("frame sent %d messages", n)
	}
}

func TestRemoteSync_AppliesState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		env, _ := messaging.NewEnvelope(messaging.PushNotification, map[string]string{"title": "x"})
		conn.WriteJSON(env)
		env, _ = messaging.NewEnvelope(messaging.PushState, messaging.StatePush{Enabled: false, Policy: allowPDF()})
		conn.WriteJSON(env)

		// hold the connection until the client goes away
		conn.ReadMessage()
	}))
	defer server.Close()

	mirror := NewMirror()
	rs := &RemoteSync{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		Mirror:     mirror,
		RetryDelay: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := mirror.Snapshot(); !snap.Enabled && snap.HasPolicy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := mirror.Snapshot()
	if snap.Enabled || !snap.HasPolicy {
		t.Errorf("snapshot = %+v, want disabled with policy", snap)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestHTTPMessenger_Send(t *testing.T) {
	var got messaging.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := &HTTPMessenger{BaseURL: server.URL + "/"}
	err := m.Send(context.Background(), messaging.Message{Type: messaging.TypeTabPing, TabID: 4, URL: "https://web.whatsapp.com/"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Type != messaging.TypeTabPing || got.TabID != 4 {
		t.Errorf("server got %+v", got)
	}

	bad := &HTTPMessenger{BaseURL: server.URL + "/nope"}
	if err := bad.Send(context.Background(), messaging.Message{Type: messaging.TypeTabPing}); err == nil {
		t.Errorf("Send() error = nil for 404")
	}
}
