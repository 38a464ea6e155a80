package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zezudoo/wa-download-guard/internal/policy"
)

const testDefaultURL = "https://example.com/allowlist.json"

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStore_SetGetWatch(t *testing.T) {
	for name, kv := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var mu sync.Mutex
			var seen []Change
			cancel := kv.Watch(func(c Change) {
				mu.Lock()
				seen = append(seen, c)
				mu.Unlock()
			})

			if err := kv.Set(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			// unchanged value emits nothing
			if err := kv.Set(ctx, map[string][]byte{"a": []byte("1")}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			got, err := kv.Get(ctx, "a", "b", "missing")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got["a"]) != "1" || string(got["b"]) != "2" {
				t.Errorf("Get() = %v", got)
			}
			if _, ok := got["missing"]; ok {
				t.Errorf("Get() returned missing key")
			}

			mu.Lock()
			if len(seen) != 2 {
				t.Errorf("watch saw %d changes, want 2", len(seen))
			}
			mu.Unlock()

			cancel()
			if err := kv.Set(ctx, map[string][]byte{"a": nil}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			mu.Lock()
			if len(seen) != 2 {
				t.Errorf("watch fired after cancel")
			}
			mu.Unlock()

			got, _ = kv.Get(ctx, "a")
			if _, ok := got["a"]; ok {
				t.Errorf("nil value did not delete key")
			}
		})
	}
}

func TestSettings_Defaults(t *testing.T) {
	ctx := context.Background()
	settings := NewSettings(NewMemoryStore(), testDefaultURL)

	enabled, err := settings.Enabled(ctx)
	if err != nil || !enabled {
		t.Errorf("Enabled() = %v, %v; want true, nil", enabled, err)
	}

	url, err := settings.ConfigURL(ctx)
	if err != nil || url != testDefaultURL {
		t.Errorf("ConfigURL() = %q, %v; want default", url, err)
	}

	if err := settings.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults() error = %v", err)
	}
	raw, _ := settings.Store().Get(ctx, KeyEnabled, KeyConfigURL)
	if string(raw[KeyEnabled]) != "true" {
		t.Errorf("enabled = %s, want true", raw[KeyEnabled])
	}

	if err := settings.SetEnabled(ctx, false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if err := settings.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults() error = %v", err)
	}
	enabled, _ = settings.Enabled(ctx)
	if enabled {
		t.Errorf("EnsureDefaults() overwrote an explicit false")
	}
}

func TestSettings_ConfigURL(t *testing.T) {
	ctx := context.Background()
	settings := NewSettings(NewMemoryStore(), testDefaultURL)

	if err := settings.SetConfigURL(ctx, " https://policy.example.org/p.json "); err != nil {
		t.Fatalf("SetConfigURL() error = %v", err)
	}
	url, _ := settings.ConfigURL(ctx)
	if url != "https://policy.example.org/p.json" {
		t.Errorf("ConfigURL() = %q", url)
	}

	if err := settings.SetConfigURL(ctx, ""); err != nil {
		t.Fatalf("SetConfigURL() error = %v", err)
	}
	url, _ = settings.ConfigURL(ctx)
	if url != testDefaultURL {
		t.Errorf("ConfigURL() = %q, want default after reset", url)
	}
}

func TestSettings_PolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	settings := NewSettings(NewMemoryStore(), testDefaultURL)

	cached, err := settings.CachedPolicy(ctx)
	if err != nil {
		t.Fatalf("CachedPolicy() error = %v", err)
	}
	if cached.Policy != nil || cached.FetchedAt != 0 {
		t.Errorf("CachedPolicy() = %+v, want empty", cached)
	}

	p, err := policy.Parse([]byte(`{"mode":"allow","allowed":{"extensions":["pdf"],"mime_types":["application/pdf"]},"ttl_seconds":60}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	var changed []string
	settings.Store().Watch(func(c Change) { changed = append(changed, c.Key) })

	if err := settings.SavePolicy(ctx, p, 1700000000); err != nil {
		t.Fatalf("SavePolicy() error = %v", err)
	}

	cached, err = settings.CachedPolicy(ctx)
	if err != nil {
		t.Fatalf("CachedPolicy() error = %v", err)
	}
	if cached.FetchedAt != 1700000000 {
		t.Errorf("FetchedAt = %d", cached.FetchedAt)
	}
	if cached.Policy == nil || !cached.Policy.AllowsExtension("pdf") {
		t.Errorf("Policy = %+v, want pdf allowed", cached.Policy)
	}
	if len(changed) != 2 {
		t.Errorf("changed keys = %v, want policy and policyFetchedAt", changed)
	}
}

func TestDecodeEnabled(t *testing.T) {
	tests := []struct {
		raw  []byte
		want bool
	}{
		{nil, true},
		{[]byte("true"), true},
		{[]byte("false"), false},
		{[]byte("garbage"), true},
	}
	for _, tt := range tests {
		if got := DecodeEnabled(tt.raw); got != tt.want {
			t.Errorf("DecodeEnabled(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
