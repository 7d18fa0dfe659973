package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"VAI_BRIDGE_TEST_AUDIO_PROFILE=mulaw\n" +
		"VAI_BRIDGE_TEST_BASE_URL=\"wss://ces.example.test/locations/\"\n" +
		"export VAI_BRIDGE_TEST_EXPORTED=ok\n" +
		"VAI_BRIDGE_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("VAI_BRIDGE_TEST_EXISTING", "already_set")
	for _, k := range []string{"VAI_BRIDGE_TEST_AUDIO_PROFILE", "VAI_BRIDGE_TEST_BASE_URL", "VAI_BRIDGE_TEST_EXPORTED"} {
		k := k
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("VAI_BRIDGE_TEST_AUDIO_PROFILE"); got != "mulaw" {
		t.Fatalf("AUDIO_PROFILE=%q, want %q", got, "mulaw")
	}
	if got := os.Getenv("VAI_BRIDGE_TEST_BASE_URL"); got != "wss://ces.example.test/locations/" {
		t.Fatalf("BASE_URL=%q", got)
	}
	if got := os.Getenv("VAI_BRIDGE_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("VAI_BRIDGE_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFile_DirectoryIsError(t *testing.T) {
	t.Parallel()
	if err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected error loading a directory")
	}
}
