package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/standardbeagle/hlassist/internal/config"
	"github.com/standardbeagle/hlassist/internal/store"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestStoreCommands(t *testing.T) {
	dir := t.TempDir()

	if err := execute(t, "store", "set", "--dir", dir, "greeting", `{"hello":"world"}`); err != nil {
		t.Fatalf("store set: %v", err)
	}

	backend := store.NewFileBackend(filepath.Join(dir, store.DefaultFileName))
	defer backend.Close()
	raw, ok, err := backend.Get(context.Background(), "greeting")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil || got["hello"] != "world" {
		t.Errorf("value = %s", raw)
	}

	if err := execute(t, "store", "get", "--dir", dir, "greeting"); err != nil {
		t.Errorf("store get: %v", err)
	}
	if err := execute(t, "store", "remove", "--dir", dir, "greeting"); err != nil {
		t.Errorf("store remove: %v", err)
	}
	if err := execute(t, "store", "get", "--dir", dir, "greeting"); err == nil {
		t.Error("store get after remove should fail")
	}
}

func TestStoreSetRejectsInvalidJSON(t *testing.T) {
	if err := execute(t, "store", "set", "--dir", t.TempDir(), "k", "{nope"); err == nil {
		t.Error("expected invalid JSON to be rejected")
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	tc := transportConfig(cfg)
	if tc.URL != "ws://localhost:5055/ws" {
		t.Errorf("URL = %q", tc.URL)
	}
	if tc.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d; want 5", tc.MaxAttempts)
	}
	if tc.MaxDelay != config.Ms(30000) {
		t.Errorf("MaxDelay = %v", tc.MaxDelay)
	}
}
