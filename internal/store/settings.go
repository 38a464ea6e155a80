package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zezudoo/wa-download-guard/internal/policy"
)

// CachedPolicy is the persisted policy together with its fetch time
type CachedPolicy struct {
	Policy    *policy.Policy
	FetchedAt int64 // epoch seconds, 0 when never fetched
}

// Settings gives typed access to the persisted configuration keys
type Settings struct {
	kv         Store
	defaultURL string
}

// NewSettings wraps kv. defaultURL is returned when configUrl is unset.
func NewSettings(kv Store, defaultURL string) *Settings {
	return &Settings{kv: kv, defaultURL: defaultURL}
}

// Store returns the underlying key-value store
func (s *Settings) Store() Store {
	return s.kv
}

// DefaultConfigURL returns the vendor policy URL
func (s *Settings) DefaultConfigURL() string {
	return s.defaultURL
}

// Enabled reports the kill switch. Anything but an explicit false is enabled.
func (s *Settings) Enabled(ctx context.Context) (bool, error) {
	values, err := s.kv.Get(ctx, KeyEnabled)
	if err != nil {
		return true, err
	}
	return DecodeEnabled(values[KeyEnabled]), nil
}

// DecodeEnabled interprets a raw enabled value; missing or malformed is true
func DecodeEnabled(raw []byte) bool {
	if raw == nil {
		return true
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return true
	}
	return enabled
}

// SetEnabled writes the kill switch
func (s *Settings) SetEnabled(ctx context.Context, enabled bool) error {
	return s.setJSON(ctx, KeyEnabled, enabled)
}

// ConfigURL returns the policy URL, falling back to the default
func (s *Settings) ConfigURL(ctx context.Context) (string, error) {
	values, err := s.kv.Get(ctx, KeyConfigURL)
	if err != nil {
		return s.defaultURL, err
	}
	var url string
	if raw := values[KeyConfigURL]; raw != nil {
		if err := json.Unmarshal(raw, &url); err != nil {
			return s.defaultURL, fmt.Errorf("failed to decode %s: %w", KeyConfigURL, err)
		}
	}
	if strings.TrimSpace(url) == "" {
		return s.defaultURL, nil
	}
	return url, nil
}

// SetConfigURL writes the policy URL; an empty value restores the default
func (s *Settings) SetConfigURL(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		url = s.defaultURL
	}
	return s.setJSON(ctx, KeyConfigURL, url)
}

// CachedPolicy reads the policy and its fetch time
func (s *Settings) CachedPolicy(ctx context.Context) (CachedPolicy, error) {
	values, err := s.kv.Get(ctx, KeyPolicy, KeyPolicyFetchedAt)
	if err != nil {
		return CachedPolicy{}, err
	}

	var cached CachedPolicy
	if raw := values[KeyPolicy]; raw != nil {
		p, err := DecodePolicy(raw)
		if err != nil {
			return CachedPolicy{}, err
		}
		cached.Policy = p
	}
	if raw := values[KeyPolicyFetchedAt]; raw != nil {
		if err := json.Unmarshal(raw, &cached.FetchedAt); err != nil {
			return CachedPolicy{}, fmt.Errorf("failed to decode %s: %w", KeyPolicyFetchedAt, err)
		}
	}
	return cached, nil
}

// DecodePolicy decodes a persisted policy value; JSON null yields nil
func DecodePolicy(raw []byte) (*policy.Policy, error) {
	var p *policy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyPolicy, err)
	}
	return p, nil
}

// SavePolicy replaces the policy and its fetch time in one write
func (s *Settings) SavePolicy(ctx context.Context, p *policy.Policy, fetchedAt int64) error {
	policyJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	fetchedJSON, err := json.Marshal(fetchedAt)
	if err != nil {
		return fmt.Errorf("failed to encode fetch time: %w", err)
	}

	return s.kv.Set(ctx, map[string][]byte{
		KeyPolicy:          policyJSON,
		KeyPolicyFetchedAt: fetchedJSON,
	})
}

// EnsureDefaults writes enabled=true and the default config URL when unset
func (s *Settings) EnsureDefaults(ctx context.Context) error {
	values, err := s.kv.Get(ctx, KeyEnabled, KeyConfigURL)
	if err != nil {
		return err
	}

	defaults := make(map[string][]byte)
	if _, ok := values[KeyEnabled]; !ok {
		defaults[KeyEnabled] = []byte("true")
	}
	if _, ok := values[KeyConfigURL]; !ok && s.defaultURL != "" {
		raw, err := json.Marshal(s.defaultURL)
		if err != nil {
			return err
		}
		defaults[KeyConfigURL] = raw
	}
	if len(defaults) == 0 {
		return nil
	}
	return s.kv.Set(ctx, defaults)
}

func (s *Settings) setJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, map[string][]byte{key: raw})
}
