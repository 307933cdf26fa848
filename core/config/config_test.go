package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadRawExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BUNDLER_KEY", "0xabc123")

	dir := t.TempDir()
	path := filepath.Join(dir, "bundler.yaml")
	content := `
eth_rpc_url: http://localhost:8545
ecdsa_private_key: ${TEST_BUNDLER_KEY}
max_bundle_size: 25
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	raw, err := readRaw(path)
	if err != nil {
		t.Fatal(err)
	}

	if raw.EcdsaPrivateKey != "0xabc123" {
		t.Errorf("env var not expanded, got %q", raw.EcdsaPrivateKey)
	}
	if raw.MaxBundleSize != 25 {
		t.Errorf("max_bundle_size %d, want 25", raw.MaxBundleSize)
	}
	if raw.EthRpcUrl != "http://localhost:8545" {
		t.Errorf("eth_rpc_url %q", raw.EthRpcUrl)
	}
}

func TestReadRawMissingFile(t *testing.T) {
	if _, err := readRaw("/nonexistent/bundler.yaml"); err == nil {
		t.Fatal("expect error for missing config file")
	}
}

func TestStrip0x(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0xdeadbeef", "deadbeef"},
		{"deadbeef", "deadbeef"},
		{"0x", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := strip0x(tc.in); got != tc.want {
			t.Errorf("strip0x(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	if got := withDefault("", "fallback"); got != "fallback" {
		t.Errorf("withDefault empty = %q", got)
	}
	if got := withDefault("set", "fallback"); got != "set" {
		t.Errorf("withDefault set = %q", got)
	}
	if got := withDefaultInt(0, 10); got != 10 {
		t.Errorf("withDefaultInt zero = %d", got)
	}
	if got := minutesOrDefault(0, time.Hour); got != time.Hour {
		t.Errorf("minutesOrDefault zero = %s", got)
	}
	if got := minutesOrDefault(5, time.Hour); got != 5*time.Minute {
		t.Errorf("minutesOrDefault 5 = %s", got)
	}
}
