package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

// setupEnv points every command at a fresh sqlite database so state
// survives between invocations.
func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PACEGROUP_CONFIG", "")
	t.Setenv("PACEGROUP_IDENTITY", "")
	t.Setenv("PACEGROUP_TOKEN", "")
	t.Setenv("PACEGROUP_STORE_BACKEND", "sqlite")
	t.Setenv("PACEGROUP_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "pacegroup.db"))
	t.Setenv("PACEGROUP_STORE_SQLITE_POLL_INTERVAL", "10ms")
	t.Setenv("PACEGROUP_LOG_LEVEL", "error")
	t.Setenv("PACEGROUP_AUTH_SECRET", "test-secret")
	t.Setenv("PACEGROUP_FEED_INTERVAL", "20ms")
	t.Setenv("PACEGROUP_FEED_FASTEST_INTERVAL", "10ms")
}

// execute runs the CLI with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := execute(t, args...)
	if err != nil {
		t.Fatalf("pacegroup %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return stdout
}

func TestGroupLifecycle(t *testing.T) {
	setupEnv(t)

	groupID := strings.TrimSpace(mustExecute(t, "--identity", "alice", "create", "Morning Loop"))
	if groupID == "" {
		t.Fatal("create printed no group ID")
	}

	mustExecute(t, "--identity", "bob", "join", groupID)

	status := mustExecute(t, "--identity", "alice", "status")
	for _, want := range []string{groupID, "Morning Loop", "members: 2/10", "alice", "bob", "state:   active"} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q:\n%s", want, status)
		}
	}

	mustExecute(t, "--identity", "bob", "leave")
	status = mustExecute(t, "--identity", "bob", "status")
	if !strings.Contains(status, "bob is not in a group") {
		t.Errorf("status after leave = %q", status)
	}

	status = mustExecute(t, "--identity", "alice", "status")
	if !strings.Contains(status, "members: 1/10") {
		t.Errorf("status after bob left:\n%s", status)
	}
}

func TestCommandErrors(t *testing.T) {
	setupEnv(t)

	t.Run("join unknown group reports it does not exist", func(t *testing.T) {
		_, stderr, err := execute(t, "--identity", "alice", "join", "missing")
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(stderr, "Group does not exist") {
			t.Errorf("stderr = %q", stderr)
		}
	})

	t.Run("second group is refused", func(t *testing.T) {
		mustExecute(t, "--identity", "carol", "create")
		_, stderr, err := execute(t, "--identity", "carol", "create")
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(stderr, "Leave it first") {
			t.Errorf("stderr = %q", stderr)
		}
	})

	t.Run("leave without a group fails", func(t *testing.T) {
		if _, _, err := execute(t, "--identity", "dave", "leave"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("missing identity fails", func(t *testing.T) {
		if _, _, err := execute(t, "status"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("invalid token fails", func(t *testing.T) {
		if _, _, err := execute(t, "--token", "not-a-token", "status"); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestTokenIdentity(t *testing.T) {
	setupEnv(t)

	token := strings.TrimSpace(mustExecute(t, "token", "erin"))
	if token == "" {
		t.Fatal("token printed nothing")
	}

	groupID := strings.TrimSpace(mustExecute(t, "--token", token, "create"))
	status := mustExecute(t, "--identity", "erin", "status")
	if !strings.Contains(status, groupID) {
		t.Errorf("token identity did not resolve to erin:\n%s", status)
	}
}

func TestReconcile(t *testing.T) {
	setupEnv(t)

	out := mustExecute(t, "--identity", "frank", "reconcile")
	if !strings.Contains(out, "frank is not in a group") {
		t.Errorf("reconcile without group = %q", out)
	}

	groupID := strings.TrimSpace(mustExecute(t, "--identity", "frank", "create"))
	out = mustExecute(t, "--identity", "frank", "reconcile")
	if want := groupID + ": active"; !strings.Contains(out, want) {
		t.Errorf("reconcile = %q, want %q", out, want)
	}
}

func TestRide(t *testing.T) {
	setupEnv(t)

	t.Run("requires a group", func(t *testing.T) {
		if _, _, err := execute(t, "--identity", "gina", "ride", "--duration", "50ms"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("prints snapshots until the duration ends", func(t *testing.T) {
		groupID := strings.TrimSpace(mustExecute(t, "--identity", "gina", "create"))

		out := mustExecute(t, "--identity", "gina", "ride", "--duration", "500ms", "--seed", "7", "--companions", "1")
		if !strings.Contains(out, groupID) || !strings.Contains(out, "total=") {
			t.Errorf("ride output has no snapshots:\n%s", out)
		}

		// Companions leave when the ride ends.
		status := mustExecute(t, "--identity", "gina", "status")
		if !strings.Contains(status, "members: 1/10") {
			t.Errorf("companion still in group:\n%s", status)
		}
	})
}
