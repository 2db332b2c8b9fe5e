package subdomain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGenerateShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := Generate()
		if !Valid(name) {
			t.Fatalf("generated invalid name %q", name)
		}
		parts := strings.Split(name, "-")
		if len(parts) != 3 {
			t.Fatalf("name %q: want adjective-noun-hex4", name)
		}
		if len(parts[2]) != 4 {
			t.Fatalf("name %q: suffix %q is not 4 hex chars", name, parts[2])
		}
		seen[name] = true
	}
	if len(seen) < 2 {
		t.Error("100 generations produced no variety")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"brave-fox-abcd", true},
		{"api2", true},
		{"my-app", true},
		{"", false},
		{"Has-Upper", false},
		{"under_score", false},
		{"dot.dot", false},
		{strings.Repeat("a", 64), false},
		{strings.Repeat("a", 63), true},
	}
	for _, tt := range tests {
		if got := Valid(tt.name); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestKeyHidesSecret(t *testing.T) {
	key := Key("super-secret-key", 3000)
	if strings.Contains(key, "super-secret-key") {
		t.Fatal("cache key leaks the API key")
	}
	if !strings.HasSuffix(key, ":3000") {
		t.Fatalf("key %q: want port suffix", key)
	}
	hash, _, _ := strings.Cut(key, ":")
	if len(hash) != 8 {
		t.Fatalf("hash prefix %q: want 8 hex chars", hash)
	}
	if key != Key("super-secret-key", 3000) {
		t.Fatal("key is not deterministic")
	}
	if Key("a", 3000) == Key("b", 3000) {
		t.Fatal("different API keys collide")
	}
}

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subdomains.json")
	c := NewCache(path, zerolog.Nop())
	c.delay = 10 * time.Millisecond
	return c, path
}

func TestCacheReserveLookup(t *testing.T) {
	c, _ := newTestCache(t)

	if _, ok := c.Lookup("key", 3000); ok {
		t.Fatal("empty cache returned a mapping")
	}
	c.Reserve("key", 3000, "brave-fox-abcd")
	sub, ok := c.Lookup("key", 3000)
	if !ok || sub != "brave-fox-abcd" {
		t.Fatalf("Lookup = %q, %v", sub, ok)
	}
	// Different port is a different slot.
	if _, ok := c.Lookup("key", 5173); ok {
		t.Fatal("port 5173 should be unmapped")
	}
}

func TestCacheReservedByOther(t *testing.T) {
	c, _ := newTestCache(t)
	c.Reserve("alice", 3000, "brave-fox-abcd")

	if c.ReservedByOther("alice", "brave-fox-abcd") {
		t.Error("owner blocked from its own subdomain")
	}
	if !c.ReservedByOther("bob", "brave-fox-abcd") {
		t.Error("other key not blocked")
	}
	if c.ReservedByOther("bob", "calm-owl-1234") {
		t.Error("unmapped subdomain reported reserved")
	}
}

func TestCacheDebouncedWrite(t *testing.T) {
	c, path := newTestCache(t)

	c.Reserve("key", 3000, "first-name-0001")
	c.Reserve("key", 3000, "second-name-0002")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("cache written before the debounce window elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced write never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f struct {
		Mappings map[string]string `json:"mappings"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("cache file is not valid JSON: %v", err)
	}
	if got := f.Mappings[Key("key", 3000)]; got != "second-name-0002" {
		t.Fatalf("file has %q, want the last reservation", got)
	}
}

func TestCacheFlushAndReload(t *testing.T) {
	c, path := newTestCache(t)
	c.Reserve("key", 8080, "quiet-reef-00ff")
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := NewCache(path, zerolog.Nop())
	sub, ok := reloaded.Lookup("key", 8080)
	if !ok || sub != "quiet-reef-00ff" {
		t.Fatalf("reloaded Lookup = %q, %v", sub, ok)
	}
}

func TestCacheCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdomains.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	c := NewCache(path, zerolog.Nop())
	if _, ok := c.Lookup("key", 3000); ok {
		t.Fatal("corrupt cache produced a mapping")
	}
}
