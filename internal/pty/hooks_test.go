package pty

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstallHookArtifacts(t *testing.T) {
	worktree := t.TempDir()
	if err := installHookArtifacts(worktree); err != nil {
		t.Fatalf("installHookArtifacts failed: %v", err)
	}

	for rel := range hookTemplates {
		full := filepath.Join(worktree, ".claude", filepath.FromSlash(rel))
		if _, err := os.Stat(full); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}

	settingsPath := filepath.Join(worktree, ".claude", "settings.local.json")
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		t.Fatalf("read settings.local.json: %v", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("parse settings.local.json: %v", err)
	}
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		t.Fatalf("expected hooks field, got %+v", settings)
	}
	for _, event := range []string{"UserPromptSubmit", "PreToolUse", "Stop", "Notification"} {
		if _, ok := hooks[event]; !ok {
			t.Errorf("expected hooks.%s to be present", event)
		}
	}
}

func TestMergeSettingsLocal_PreservesExistingKeysAndHooks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.local.json")

	existing := `{
		"permissions": {"allow": ["Bash(ls:*)"]},
		"hooks": {
			"Stop": [{"hooks": [{"type": "command", "command": "echo user-hook"}]}]
		}
	}`
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatalf("write existing settings: %v", err)
	}

	if err := mergeSettingsLocal(path); err != nil {
		t.Fatalf("mergeSettingsLocal failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read merged settings: %v", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("parse merged settings: %v", err)
	}

	if _, ok := settings["permissions"]; !ok {
		t.Error("expected unrelated top-level key 'permissions' to survive the merge")
	}

	hooks := settings["hooks"].(map[string]any)
	stopEntries := hooks["Stop"].([]any)
	if len(stopEntries) != 2 {
		t.Fatalf("expected the user's existing Stop hook plus Hydra's own, got %d entries", len(stopEntries))
	}
}

func TestSyncIgnoreFiles(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git", "info"), 0o755); err != nil {
		t.Fatalf("mkdir .git/info: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo, ".ignorefiles"), []byte("*.secret\n# comment\n\nbuild/\n"), 0o644); err != nil {
		t.Fatalf("write .ignorefiles: %v", err)
	}

	if err := syncIgnoreFiles(repo); err != nil {
		t.Fatalf("syncIgnoreFiles failed: %v", err)
	}

	excludePath := filepath.Join(repo, ".git", "info", "exclude")
	data, err := os.ReadFile(excludePath)
	if err != nil {
		t.Fatalf("read exclude file: %v", err)
	}
	for _, want := range []string{mandatoryIgnoreEntry, "*.secret", "build/"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected exclude file to contain %q, got:\n%s", want, data)
		}
	}

	// Running again must not duplicate entries.
	if err := syncIgnoreFiles(repo); err != nil {
		t.Fatalf("second syncIgnoreFiles failed: %v", err)
	}
	data2, err := os.ReadFile(excludePath)
	if err != nil {
		t.Fatalf("read exclude file: %v", err)
	}
	if len(data2) != len(data) {
		t.Errorf("expected idempotent sync, exclude file grew from %d to %d bytes", len(data), len(data2))
	}
}

