package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRedisOptionsURL(t *testing.T) {
	opts := redisOptions("redis://:pw@localhost:6380/2")
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestRedisOptionsConnectionString(t *testing.T) {
	opts := redisOptions("board.redis.cache.windows.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "board.redis.cache.windows.net:6380" || opts.Password != "secret" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected TLS to be enabled")
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://board.example.com", "localhost:3000"})
	if len(got) != 2 || got[0] != "board.example.com" || got[1] != "localhost:3000" {
		t.Fatalf("unexpected patterns %v", got)
	}
	if got := originPatterns([]string{"https://a.example.com", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard should win, got %v", got)
	}
}

func TestGenTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "secret")

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"gen-token", "acct-1", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("gen-token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Fatalf("expected a compact JWT, got %q", out.String())
	}
	if !strings.HasPrefix(errOut.String(), "expires ") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
