package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":5000" || cfg.StorageDriver != "sqlite" || cfg.JWTExpiresIn != 168*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AuthLookupTimeout != 3*time.Second || cfg.WSSendBuffer != 64 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing JWT_SECRET to fail")
	}
}

func TestValidateDriverCombinations(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"sqlite", Config{StorageDriver: "sqlite"}, true},
		{"postgres without url", Config{StorageDriver: "postgres"}, false},
		{"postgres", Config{StorageDriver: "Postgres", DatabaseURL: "postgres://x"}, true},
		{"tables without conn", Config{StorageDriver: "tables"}, false},
		{"unknown driver", Config{StorageDriver: "mongo"}, false},
		{"kafka without brokers", Config{StorageDriver: "sqlite", JournalDriver: "kafka"}, false},
		{"kafka", Config{StorageDriver: "sqlite", JournalDriver: "kafka", KafkaBrokers: []string{"localhost:9092"}}, true},
		{"azqueue without conn", Config{StorageDriver: "sqlite", JournalDriver: "azqueue"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.JWTSecret = "secret"
			cfg.WSSendBuffer = 1
			cfg.JWTExpiresIn = time.Hour
			cfg.LogFormat = "text"
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateTrimsBaseURL(t *testing.T) {
	cfg := Config{JWTSecret: "secret", StorageDriver: "sqlite", WSSendBuffer: 1, JWTExpiresIn: time.Hour, LogFormat: "json", PublicBaseURL: "https://board.example.com/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.PublicBaseURL != "https://board.example.com" {
		t.Fatalf("unexpected base url %q", cfg.PublicBaseURL)
	}
}
