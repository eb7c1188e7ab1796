package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kraklabs/moondream-worker/pkg/tags"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
	"github.com/kraklabs/moondream-worker/pkg/worker"
)

// clearWorkerEnv blanks every variable LoadConfig reads, so tests see only
// what they set themselves. Empty values count as unset.
func clearWorkerEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MOONDREAM_WORKER_CONFIG", "MOONDREAM_PROVIDER", "MOONDREAM_ENDPOINT",
		"MOONDREAM_REMOTE_URL", "MOONDREAM_REMOTE_TOKEN", "MOONDREAM_DB_PATH",
		"MOONDREAM_POLL_SECONDS", "MOONDREAM_RETRY_BACKOFF_SECONDS",
		"MOONDREAM_CAPTION_LENGTH", "MOONDREAM_RETRY_FAILED",
		"MOONDREAM_MAX_IMAGE_SIDE", "MOONDREAM_JPEG_QUALITY",
		"MOONDREAM_RAW_IMAGE_BYTES", "MOONDREAM_TAGS_MODE",
		"MOONDREAM_SEGMENT_TOP_N", "MOONDREAM_EMBEDDING_PROVIDER",
		"MOONDREAM_EMBEDDING_MODEL", "MOONDREAM_GENERATE_NAMES",
		"MOONDREAM_CREATE_NAMED_ALIAS", "MOONDREAM_NAME_MODE", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, defaultConfigDir, defaultConfigFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != configVersion {
		t.Fatalf("Version = %q, want %q", cfg.Version, configVersion)
	}
	if cfg.Provider.Name != vlm.ProviderLocalStation {
		t.Fatalf("Provider.Name = %q, want %q", cfg.Provider.Name, vlm.ProviderLocalStation)
	}
	if cfg.Provider.Endpoint != vlm.DefaultStationEndpoint {
		t.Fatalf("Provider.Endpoint = %q, want %q", cfg.Provider.Endpoint, vlm.DefaultStationEndpoint)
	}
	if cfg.DBPath != filepath.Join("data", "moondream.sqlite3") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Worker.PollSeconds != 1.0 {
		t.Fatalf("PollSeconds = %v, want 1.0", cfg.Worker.PollSeconds)
	}
	if !cfg.Naming.GenerateNames || !cfg.Naming.CreateAlias {
		t.Fatalf("naming defaults = %+v, want both on", cfg.Naming)
	}
	if cfg.Tags.Mode != tags.ModeHybrid {
		t.Fatalf("Tags.Mode = %q, want %q", cfg.Tags.Mode, tags.ModeHybrid)
	}
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, `version: "1"
db_path: /srv/moondream/moondream.sqlite3
provider:
  name: remote
  remote_url: https://api.example.com/v1/caption
worker:
  poll_seconds: 2.5
  caption_length: long
tags:
  mode: query
  max_tags: 3
`)

	cfg, gotPath, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if gotPath != path {
		t.Fatalf("LoadConfig() path = %q, want %q", gotPath, path)
	}
	if cfg.DBPath != "/srv/moondream/moondream.sqlite3" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Provider.Name != vlm.ProviderRemote {
		t.Fatalf("Provider.Name = %q, want remote", cfg.Provider.Name)
	}
	if cfg.Worker.PollSeconds != 2.5 {
		t.Fatalf("PollSeconds = %v, want 2.5", cfg.Worker.PollSeconds)
	}
	if cfg.Worker.CaptionLength != vlm.LengthLong {
		t.Fatalf("CaptionLength = %q, want long", cfg.Worker.CaptionLength)
	}
	if cfg.Tags.Mode != tags.ModeQuery || cfg.Tags.MaxTags != 3 {
		t.Fatalf("Tags = %+v", cfg.Tags)
	}
	// Fields the file omits keep their defaults.
	if cfg.Image.MaxSide != 512 {
		t.Fatalf("Image.MaxSide = %d, want 512", cfg.Image.MaxSide)
	}
}

func TestLoadConfig_OmittedNamingKeepsOnByDefault(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, `version: "1"
db_path: custom.sqlite3
`)

	cfg, _, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Naming.GenerateNames {
		t.Fatal("GenerateNames = false, want default true when the file omits naming")
	}
	if !cfg.Naming.CreateAlias {
		t.Fatal("CreateAlias = false, want default true when the file omits naming")
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, `version: "1"
provider:
  endpoint: http://station.local:2020
worker:
  poll_seconds: 9
`)
	t.Setenv("MOONDREAM_ENDPOINT", "http://127.0.0.1:3030")
	t.Setenv("MOONDREAM_POLL_SECONDS", "0.25")
	t.Setenv("MOONDREAM_GENERATE_NAMES", "off")
	t.Setenv("MOONDREAM_SEGMENT_TOP_N", "not-a-number") // ignored

	cfg, _, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Provider.Endpoint != "http://127.0.0.1:3030" {
		t.Fatalf("Endpoint = %q, want env value", cfg.Provider.Endpoint)
	}
	if cfg.Worker.PollSeconds != 0.25 {
		t.Fatalf("PollSeconds = %v, want 0.25", cfg.Worker.PollSeconds)
	}
	if cfg.Naming.GenerateNames {
		t.Fatal("GenerateNames = true, want false from MOONDREAM_GENERATE_NAMES=off")
	}
	if cfg.Tags.MaxTags != tags.DefaultMaxTags {
		t.Fatalf("MaxTags = %d, want default after unparseable env", cfg.Tags.MaxTags)
	}
}

func TestLoadConfig_MissingExplicitPath(t *testing.T) {
	clearWorkerEnv(t)
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope", "worker.yaml"))
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want config error for missing explicit path")
	}
}

func TestLoadConfig_UnsupportedVersion(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, "version: \"99\"\n")

	_, _, err := LoadConfig(path)
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want version error")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, "version: [unclosed\n")

	_, _, err := LoadConfig(path)
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want parse error")
	}
}

func TestLoadConfig_EnvConfigPath(t *testing.T) {
	clearWorkerEnv(t)
	path := writeConfigFile(t, `version: "1"
db_path: env-selected.sqlite3
`)
	t.Setenv(envConfigPath, path)

	cfg, gotPath, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if gotPath != path {
		t.Fatalf("LoadConfig() path = %q, want %q", gotPath, path)
	}
	if cfg.DBPath != "env-selected.sqlite3" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestNormalize_FoldsUnknownEnums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.CaptionLength = "HUGE"
	cfg.Tags.Mode = "everything"
	cfg.Naming.Mode = "poetic"
	cfg.Provider.Name = " Local_Station "

	cfg.normalize()

	if cfg.Worker.CaptionLength != vlm.LengthNormal {
		t.Fatalf("CaptionLength = %q, want normal", cfg.Worker.CaptionLength)
	}
	if cfg.Tags.Mode != tags.ModeHybrid {
		t.Fatalf("Tags.Mode = %q, want hybrid", cfg.Tags.Mode)
	}
	if cfg.Naming.Mode != worker.NameModeCaption {
		t.Fatalf("Naming.Mode = %q, want caption", cfg.Naming.Mode)
	}
	if cfg.Provider.Name != vlm.ProviderLocalStation {
		t.Fatalf("Provider.Name = %q, want local_station", cfg.Provider.Name)
	}
}

func TestEnvTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "On", " y "} {
		if !envTruthy(v) {
			t.Fatalf("envTruthy(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"0", "false", "no", "off", "", "maybe"} {
		if envTruthy(v) {
			t.Fatalf("envTruthy(%q) = true, want false", v)
		}
	}
}

func TestSaveConfig_WritesLoadableFile(t *testing.T) {
	clearWorkerEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, defaultConfigDir, defaultConfigFile)

	cfg := DefaultConfig()
	cfg.DBPath = "elsewhere.sqlite3"
	cfg.Worker.RetryBackoffSeconds = 12.5
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, _, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.DBPath != "elsewhere.sqlite3" {
		t.Fatalf("DBPath = %q after reload", loaded.DBPath)
	}
	if loaded.Worker.RetryBackoffSeconds != 12.5 {
		t.Fatalf("RetryBackoffSeconds = %v after reload", loaded.Worker.RetryBackoffSeconds)
	}
}
