package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"mediaflow/internal/ipc"
	"mediaflow/internal/testsupport"
)

func TestQueueCommandsLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)
	source := filepath.Join(env.baseDir, "incoming", "movie.mkv")
	testsupport.WriteFile(t, source, 4096)

	out, _, err := runCLI(t, []string{"queue", "add", source}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	requireContains(t, out, "Queued #")

	out, _, err = runCLI(t, []string{"queue", "add", source}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue add again: %v", err)
	}
	requireContains(t, out, "Already queued")

	out, _, err = runCLI(t, []string{"queue", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "movie.mkv")
	requireContains(t, out, "4.0 KiB")
	requireContains(t, out, "analyzer")

	out, _, err = runCLI(t, []string{"queue", "list", "--stage", "encode"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue list --stage: %v", err)
	}
	requireContains(t, out, "Queue is empty")

	out, _, err = runCLI(t, []string{"queue", "list", "--status", "pending", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue list --json: %v", err)
	}
	var items []ipc.QueueItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(items) != 1 || items[0].SourcePath != source {
		t.Fatalf("unexpected items: %+v", items)
	}

	out, _, err = runCLI(t, []string{"queue", "retry"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "Retried 0 unit(s)")

	out, _, err = runCLI(t, []string{"queue", "reset"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue reset: %v", err)
	}
	requireContains(t, out, "Reclaimed 0 stale claim(s)")

	out, _, err = runCLI(t, []string{"queue", "remove", fmt.Sprintf("#%d", items[0].ID)}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queue remove: %v", err)
	}
	requireContains(t, out, "Removed 1 unit(s)")
}

func TestQueueListRejectsUnknownStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"queue", "list", "--status", "ripping"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestParseUnitIDs(t *testing.T) {
	ids, err := parseUnitIDs([]string{"1", " #7 "})
	if err != nil {
		t.Fatalf("parseUnitIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 7 {
		t.Fatalf("unexpected ids %v", ids)
	}
	for _, bad := range []string{"abc", "0", "-3"} {
		if _, err := parseUnitIDs([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Fatalf("unexpected %q", got)
	}
}
