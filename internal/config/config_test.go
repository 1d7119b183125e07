package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(Options{Environ: []string{"MERCURE_ANONYMOUS_ACCESS=true"}, Args: nil})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:3000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
}

func TestLoadRejectsMultipleKeyGroups(t *testing.T) {
	_, err := Load(Options{Environ: []string{
		"MERCURE_JWK=secret",
		"MERCURE_JWKS_URL=https://example.com/.well-known/jwks.json",
	}})
	if err == nil {
		t.Fatal("expected an error for two simultaneous key-material groups")
	}
}

func TestLoadRejectsNoKeyMaterialWithoutAnonymousAccess(t *testing.T) {
	_, err := Load(Options{})
	if err == nil {
		t.Fatal("expected an error when no key material and anonymousAccess=false")
	}
}

func TestLoadEnvFileIndirection(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "jwk")
	if err := os.WriteFile(secretPath, []byte("file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{Environ: []string{"MERCURE_JWK_FILE=" + secretPath}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JWK != "file-secret" {
		t.Fatalf("JWK = %q", cfg.JWK)
	}
}

func TestLoadEnvBase64Secret(t *testing.T) {
	// "c2VjcmV0" is base64 for "secret"
	cfg, err := Load(Options{Environ: []string{"MERCURE_JWK=base64:c2VjcmV0"}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JWK != "secret" {
		t.Fatalf("JWK = %q", cfg.JWK)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	cfg, err := Load(Options{
		Environ: []string{"MERCURE_ANONYMOUS_ACCESS=true", "MERCURE_ADDR=0.0.0.0:1000"},
		Args:    []string{"-addr=0.0.0.0:2000"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "0.0.0.0:2000" {
		t.Fatalf("Addr = %q, want flag to win over env", cfg.Addr)
	}
	if cfg.Provenance("addr") != SourceFlag {
		t.Fatalf("provenance = %v", cfg.Provenance("addr"))
	}
}

func TestLoadFlagsCoverEveryDocumentedOption(t *testing.T) {
	cfg, err := Load(Options{
		Args: []string{
			"-anonymous-access=true",
			"-metrics-addr=0.0.0.0:9000",
			"-transport-url=memory://",
			"-jwk=flag-secret",
			"-allowed-origins=https://a.example,https://b.example",
			"-cookie-name=custom-cookie",
			"-subscription-query-param-enabled=true",
			"-heartbeat-interval=5s",
			"-shutdown-timeout=30s",
			"-publish-rate-limit=10.5",
			"-publish-rate-burst=20",
			"-transport-memory-size=500",
			"-max-topics-per-subscription=3",
			"-max-subscribers=100",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	checks := map[string]any{
		"metricsAddr":              "0.0.0.0:9000",
		"cookieName":               "custom-cookie",
		"heartbeatInterval":        5 * time.Second,
		"shutdownTimeout":          30 * time.Second,
		"publishRateLimit":         10.5,
		"publishRateBurst":         20,
		"transportMemorySize":      500,
		"maxTopicsPerSubscription": 3,
		"maxSubscribers":           100,
	}
	for field := range checks {
		if cfg.Provenance(field) != SourceFlag {
			t.Fatalf("provenance(%s) = %v, want flag", field, cfg.Provenance(field))
		}
	}

	if cfg.JWK != "flag-secret" {
		t.Fatalf("JWK = %q", cfg.JWK)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.SubscriptionQueryParamEnabled {
		t.Fatal("expected subscription-query-param-enabled to be set from its flag")
	}
	if cfg.HeartbeatInterval != 5*time.Second || cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("HeartbeatInterval/ShutdownTimeout = %v/%v", cfg.HeartbeatInterval, cfg.ShutdownTimeout)
	}
	if cfg.PublishRateLimit != 10.5 || cfg.PublishRateBurst != 20 {
		t.Fatalf("PublishRateLimit/PublishRateBurst = %v/%v", cfg.PublishRateLimit, cfg.PublishRateBurst)
	}
	if cfg.TransportMemorySize != 500 || cfg.MaxTopicsPerSub != 3 || cfg.MaxSubscribers != 100 {
		t.Fatalf("TransportMemorySize/MaxTopicsPerSub/MaxSubscribers = %v/%v/%v", cfg.TransportMemorySize, cfg.MaxTopicsPerSub, cfg.MaxSubscribers)
	}
}

func TestLoadFileLayerBeatsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mercure.yaml")
	if err := os.WriteFile(path, []byte("addr: 10.0.0.1:9000\nanonymousAccess: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "10.0.0.1:9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.Provenance("addr") != SourceFile {
		t.Fatalf("provenance = %v", cfg.Provenance("addr"))
	}
}
