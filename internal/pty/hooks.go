package pty

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const updateStateHookTemplate = `#!/usr/bin/env node
// Reads a desired state ("ready" or "running") from argv[2] and posts it to
// the State Hook Endpoint for this worktree's session.
const http = require('http');

const state = process.argv[2];
const baseUrl = process.env.BASEURL;
const branch = process.env.HYDRA_BRANCH;
const secret = process.env.HYDRA_HOOK_SECRET;

if (!baseUrl || !branch || !state) {
  process.exit(0);
}

const url = new URL('/set-state/' + encodeURIComponent(branch), baseUrl);
const body = JSON.stringify({ state });
const req = http.request(url, {
  method: 'POST',
  headers: {
    'Content-Type': 'application/json',
    'Content-Length': Buffer.byteLength(body),
    'X-Hydra-Secret': secret || '',
  },
}, (res) => { res.resume(); });
req.on('error', () => {});
req.write(body);
req.end();
`

const chCommitTemplate = `Stage and commit the current changes in this worktree with a clear,
conventional commit message summarizing what changed.
`

const chMergeTemplate = `Rebase this branch onto its base branch, resolving any conflicts, then
fast-forward the base branch to include this work.
`

const chRebaseTemplate = `Rebase this branch onto the latest tip of its base branch, resolving any
conflicts that arise.
`

const chCloseTemplate = `Finish up: make sure all work is committed, then signal that this session's
tab can be closed.
`

const chWaituserTemplate = `Pause and ask the user a clarifying question before continuing; wait for
their reply.
`

// hookTemplates maps a path relative to "<worktree>/.claude/" to its
// verbatim template content.
var hookTemplates = map[string]string{
	"hooks/update-state.js":  updateStateHookTemplate,
	"commands/ch-commit.md":  chCommitTemplate,
	"commands/ch-merge.md":   chMergeTemplate,
	"commands/ch-rebase.md":  chRebaseTemplate,
	"commands/ch-close.md":   chCloseTemplate,
	"commands/ch-waituser.md": chWaituserTemplate,
}

// installHookArtifacts writes the hook script and command templates into
// <worktree>/.claude/, overwriting any previous Hydra-managed copy, and
// additively merges the hook-event wiring into settings.local.json.
func installHookArtifacts(worktreePath string) error {
	claudeDir := filepath.Join(worktreePath, ".claude")

	for rel, content := range hookTemplates {
		full := filepath.Join(claudeDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(full), err)
		}
		mode := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".js") {
			mode = 0o755
		}
		if err := os.WriteFile(full, []byte(content), mode); err != nil {
			return fmt.Errorf("write %s: %w", full, err)
		}
	}

	return mergeSettingsLocal(filepath.Join(claudeDir, "settings.local.json"))
}

// hookEventWiring is the block this Supervisor owns inside
// settings.local.json; merging never touches keys it doesn't recognize.
var hookEventWiring = map[string]string{
	"UserPromptSubmit": "running",
	"PreToolUse":       "running",
	"Stop":             "ready",
	"Notification":     "ready",
}

// mergeSettingsLocal additively merges the hook event -> state wiring into
// an existing settings.local.json, preserving every other key and every
// hook the user already configured for the same event.
func mergeSettingsLocal(path string) error {
	settings := map[string]any{}
	if existing, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(existing, &settings); err != nil {
			return fmt.Errorf("parse existing %s: %w", path, err)
		}
	}

	hooksField, _ := settings["hooks"].(map[string]any)
	if hooksField == nil {
		hooksField = map[string]any{}
	}

	for event, state := range hookEventWiring {
		entries, _ := hooksField[event].([]any)
		entries = append(entries, hookEntry(state))
		hooksField[event] = entries
	}
	settings["hooks"] = hooksField

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func hookEntry(state string) map[string]any {
	return map[string]any{
		"hooks": []any{
			map[string]any{
				"type":    "command",
				"command": "node .claude/hooks/update-state.js " + state,
			},
		},
	}
}

const mandatoryIgnoreEntry = ".claude/"

// syncIgnoreFiles appends patterns from an .ignorefiles configuration
// (plus the mandatory ".claude/" entry) to .git/info/exclude of the main
// checkout, idempotently.
func syncIgnoreFiles(repoPath string) error {
	patterns := readIgnorePatterns(filepath.Join(repoPath, ".ignorefiles"))

	excludePath := filepath.Join(repoPath, ".git", "info", "exclude")
	existing := map[string]bool{}
	if data, err := os.ReadFile(excludePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			existing[strings.TrimSpace(line)] = true
		}
	}

	var toAppend []string
	for _, p := range patterns {
		if !existing[p] {
			toAppend = append(toAppend, p)
			existing[p] = true
		}
	}
	if len(toAppend) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, p := range toAppend {
		if _, err := f.WriteString(p + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func readIgnorePatterns(path string) []string {
	patterns := []string{mandatoryIgnoreEntry}
	data, err := os.ReadFile(path)
	if err != nil {
		return patterns
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}
