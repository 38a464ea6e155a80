package api

import (
	"context"
	"strings"
	"testing"
)

func TestNewClient_Addr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8787", "http://127.0.0.1:8787"},
		{"http://localhost:9000/", "http://localhost:9000"},
		{"https://guard.internal", "https://guard.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := NewClient(tt.addr).baseURL; got != tt.want {
				t.Errorf("baseURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_AgainstServer(t *testing.T) {
	f := newFixture(t)
	client := NewClient(f.http.URL)
	ctx := context.Background()

	if err := client.Healthy(ctx); err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}

	state, err := client.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.Enabled || state.ConfigURL != "https://example.com/default.json" {
		t.Errorf("State() = %+v", state)
	}

	disabled := false
	state, err = client.UpdateSettings(ctx, &disabled, nil)
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if state.Enabled {
		t.Errorf("Enabled = true after disabling")
	}
	if f.refresher.calls != 0 {
		t.Errorf("refresh calls = %d, want 0 without a URL change", f.refresher.calls)
	}

	events, err := client.Blocked(ctx, 7)
	if err != nil {
		t.Fatalf("Blocked() error = %v", err)
	}
	if len(events) != 1 || f.lister.limit != 7 {
		t.Errorf("Blocked() = %v, limit = %d", events, f.lister.limit)
	}
}

func TestClient_Errors(t *testing.T) {
	f := newFixture(t)
	client := NewClient(f.http.URL)

	bad := "ftp://example.com/p.json"
	_, err := client.UpdateSettings(context.Background(), nil, &bad)
	if err == nil || !strings.Contains(err.Error(), "http(s)") {
		t.Errorf("UpdateSettings() error = %v, want server message", err)
	}

	// the fixture's message handler rejects refresh-policy
	if _, err := client.Refresh(context.Background()); err == nil {
		t.Errorf("Refresh() error = nil, want unknown message error")
	}

	f.http.Close()
	if err := client.Healthy(context.Background()); err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("Healthy() error = %v after close", err)
	}
}
