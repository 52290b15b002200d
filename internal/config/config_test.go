package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Database.Path == "" {
		t.Error("Database.Path should not be empty")
	}
	if cfg.Database.BusyTimeoutMS != defaultBusyTimeout {
		t.Errorf("BusyTimeoutMS = %d, want %d", cfg.Database.BusyTimeoutMS, defaultBusyTimeout)
	}
	if !cfg.Marshal.HexIDs {
		t.Error("Marshal.HexIDs should default to true")
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Database.Path = "/data/model.db"
	cfg.Mapping.DefaultMaxSharedColumns = 12
	cfg.Marshal.HexIDs = false

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, path, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if path != configPath {
		t.Errorf("path = %s, want %s", path, configPath)
	}
	if loaded.Database.Path != "/data/model.db" {
		t.Errorf("Database.Path = %s, want /data/model.db", loaded.Database.Path)
	}
	if loaded.Mapping.DefaultMaxSharedColumns != 12 {
		t.Errorf("DefaultMaxSharedColumns = %d, want 12", loaded.Mapping.DefaultMaxSharedColumns)
	}
	if loaded.Marshal.HexIDs {
		t.Error("Marshal.HexIDs should be false")
	}
}

func TestLoadFromPathFillsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("mapping:\n  default_max_shared_columns: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if cfg.Database.Path != defaultDatabasePath {
		t.Errorf("Database.Path = %s, want %s", cfg.Database.Path, defaultDatabasePath)
	}
	if !cfg.Marshal.HexIDs {
		t.Error("Marshal.HexIDs should keep its default")
	}
	if cfg.Mapping.DefaultMaxSharedColumns != 4 {
		t.Errorf("DefaultMaxSharedColumns = %d, want 4", cfg.Mapping.DefaultMaxSharedColumns)
	}
}

func TestLoadFromPathInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("database: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadFromPath(configPath); err == nil {
		t.Error("LoadFromPath() should fail on invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvDatabasePath, "/tmp/env.db")
	t.Setenv(EnvLogPrefix, "")
	t.Setenv(EnvBusyTimeout, "250")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %s, want /tmp/env.db", cfg.Database.Path)
	}
	if cfg.Log.Prefix != "" {
		t.Errorf("Log.Prefix = %q, want empty", cfg.Log.Prefix)
	}
	if cfg.Database.BusyTimeoutMS != 250 {
		t.Errorf("BusyTimeoutMS = %d, want 250", cfg.Database.BusyTimeoutMS)
	}

	t.Setenv(EnvBusyTimeout, "soon")
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("ApplyEnv() should reject a non-numeric busy timeout")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("ECSTORE_TEST_DOTENV=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ECSTORE_TEST_DOTENV") })

	if got := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); got != envPath {
		t.Errorf("LoadDotEnv() = %q, want %q", got, envPath)
	}
	if got := os.Getenv("ECSTORE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("ECSTORE_TEST_DOTENV = %q, want from-file", got)
	}
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ConfigFileName)

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	oldWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(oldWd)

	// Should find config in working directory
	if found := FindConfigPath(); found == "" {
		t.Error("FindConfigPath() should find config in working directory")
	}

	// Explicit path doesn't exist, should fall back
	t.Setenv(EnvConfigPath, "/nonexistent/path.yaml")
	if found := FindConfigPath(); found == "" {
		t.Error("FindConfigPath() should fall back when env path doesn't exist")
	}

	// Explicit path wins when present
	explicit := filepath.Join(tmpDir, "explicit.yaml")
	if err := cfg.Save(explicit); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	t.Setenv(EnvConfigPath, explicit)
	if found := FindConfigPath(); found != explicit {
		t.Errorf("FindConfigPath() = %s, want %s", found, explicit)
	}
}
