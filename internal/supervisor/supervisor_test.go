package supervisor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kgraph-dev/kgraph/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Host = "127.0.0.1"
	cfg.Port = 0 // negotiation tests pick their own ports
	return cfg
}

// ─── Port negotiation ────────────────────────────────────────────────────────

func TestNegotiatePort_PrefersConfigured(t *testing.T) {
	// Grab an ephemeral port, release it, then ask for it as preferred.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	preferred := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ln, port, err := negotiatePort("127.0.0.1", preferred)
	if err != nil {
		t.Fatalf("negotiatePort: %v", err)
	}
	defer ln.Close()
	if port != preferred {
		t.Errorf("port = %d, want preferred %d", port, preferred)
	}
}

func TestNegotiatePort_ProbesUpward(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("busy listen: %v", err)
	}
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	ln, port, err := negotiatePort("127.0.0.1", taken)
	if err != nil {
		t.Fatalf("negotiatePort: %v", err)
	}
	defer ln.Close()
	if port == taken {
		t.Error("bound the busy port")
	}
	if port <= taken || port >= taken+portProbeLimit {
		t.Errorf("port = %d, want in (%d, %d)", port, taken, taken+portProbeLimit)
	}
}

// ─── Identity file ───────────────────────────────────────────────────────────

func TestIdentityLifecycle(t *testing.T) {
	cfg := testConfig(t)
	sup := New(cfg, "1.2.3")

	if err := sup.WriteIdentity(7001); err != nil {
		t.Fatalf("WriteIdentity: %v", err)
	}

	id, err := ReadIdentity(cfg.IdentityPath())
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	if id.Name != cfg.Name || id.Version != "1.2.3" {
		t.Errorf("identity = %+v", id)
	}
	if id.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", id.PID, os.Getpid())
	}
	if id.Port != 7001 || id.DatabasePath != cfg.DatabasePath {
		t.Errorf("identity = %+v", id)
	}
	if id.InstanceID == "" || id.StartedAt == "" {
		t.Error("instance id and start time should be set")
	}

	sup.RemoveIdentity()
	if _, err := os.Stat(cfg.IdentityPath()); !os.IsNotExist(err) {
		t.Error("identity file not removed")
	}
}

func TestRemoveIdentity_LeavesOtherProcessesFile(t *testing.T) {
	cfg := testConfig(t)
	sup := New(cfg, "dev")

	other := Identity{Name: "sibling", PID: os.Getpid() + 1, Port: 7002}
	raw, _ := json.Marshal(other)
	if err := os.WriteFile(cfg.IdentityPath(), raw, 0o600); err != nil {
		t.Fatalf("write sibling identity: %v", err)
	}

	sup.RemoveIdentity()
	if _, err := os.Stat(cfg.IdentityPath()); err != nil {
		t.Error("removed an identity file belonging to another pid")
	}
}

func TestCleanupStale_RemovesDeadPid(t *testing.T) {
	cfg := testConfig(t)
	sup := New(cfg, "dev")

	// A pid far above pid_max stands in for a dead process.
	dead := Identity{Name: "ghost", PID: 1 << 30, Port: 7003}
	raw, _ := json.Marshal(dead)
	if err := os.WriteFile(cfg.IdentityPath(), raw, 0o600); err != nil {
		t.Fatalf("write stale identity: %v", err)
	}

	sup.CleanupStale()
	if _, err := os.Stat(cfg.IdentityPath()); !os.IsNotExist(err) {
		t.Error("stale identity file not removed")
	}
}

func TestCleanupStale_KeepsLivePid(t *testing.T) {
	cfg := testConfig(t)
	sup := New(cfg, "dev")

	live := Identity{Name: "self", PID: os.Getpid(), Port: 7004}
	raw, _ := json.Marshal(live)
	_ = os.WriteFile(cfg.IdentityPath(), raw, 0o600)

	sup.CleanupStale()
	if _, err := os.Stat(cfg.IdentityPath()); err != nil {
		t.Error("live identity file was removed")
	}
}

// ─── Backups ─────────────────────────────────────────────────────────────────

func TestRunBackup_CopiesDatabase(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.DatabasePath, []byte("graph bytes"), 0o600); err != nil {
		t.Fatalf("write db: %v", err)
	}

	sup := New(cfg, "dev")
	if err := sup.RunBackup(); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	entries, err := os.ReadDir(cfg.BackupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d backups, want 1", len(entries))
	}
	raw, _ := os.ReadFile(filepath.Join(cfg.BackupDir, entries[0].Name()))
	if string(raw) != "graph bytes" {
		t.Errorf("backup content = %q", raw)
	}
}

func TestRetention_KeepsNewestAndYoung(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinBackups = 2
	cfg.MinBackupAgeDays = 1
	if err := os.MkdirAll(cfg.BackupDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	now := time.Now().Unix()
	old1 := now - 10*86400
	old2 := now - 9*86400
	old3 := now - 8*86400
	young := now - 3600
	for _, ts := range []int64{old1, old2, old3, young} {
		name := filepath.Join(cfg.BackupDir, backupName(ts))
		if err := os.WriteFile(name, []byte("x"), 0o600); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}

	sup := New(cfg, "dev")
	if err := sup.applyRetention(); err != nil {
		t.Fatalf("applyRetention: %v", err)
	}

	var kept []string
	entries, _ := os.ReadDir(cfg.BackupDir)
	for _, e := range entries {
		kept = append(kept, e.Name())
	}
	// Newest two (young, old3) stay by count; old2 and old1 are older than
	// the age floor and beyond the count, so they go.
	if len(kept) != 2 {
		t.Fatalf("kept %v, want 2 files", kept)
	}
	for _, name := range []string{backupName(young), backupName(old3)} {
		if _, err := os.Stat(filepath.Join(cfg.BackupDir, name)); err != nil {
			t.Errorf("expected %s to survive retention", name)
		}
	}
}

func TestRetention_NeverDeletesYoungBackups(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinBackups = 1
	cfg.MinBackupAgeDays = 1
	if err := os.MkdirAll(cfg.BackupDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	now := time.Now().Unix()
	for i := int64(0); i < 4; i++ {
		name := filepath.Join(cfg.BackupDir, backupName(now-i*60))
		if err := os.WriteFile(name, []byte("x"), 0o600); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}

	sup := New(cfg, "dev")
	if err := sup.applyRetention(); err != nil {
		t.Fatalf("applyRetention: %v", err)
	}

	entries, _ := os.ReadDir(cfg.BackupDir)
	if len(entries) != 4 {
		t.Errorf("young backups pruned: %d left, want 4", len(entries))
	}
}

func TestRetention_IgnoresForeignFiles(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.BackupDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	foreign := filepath.Join(cfg.BackupDir, "notes.txt")
	_ = os.WriteFile(foreign, []byte("keep me"), 0o600)

	sup := New(cfg, "dev")
	if err := sup.applyRetention(); err != nil {
		t.Fatalf("applyRetention: %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("foreign file touched by retention")
	}
}

func backupName(ts int64) string {
	return fmt.Sprintf("knowledge_graph_%d.db", ts)
}
