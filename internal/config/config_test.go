package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tableshift.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `version: 1
migration_dir: `+dir+`
source:
  type: postgresql
  host: localhost
  port: 5432
  database: testdb
  username: testuser
  password: testpass
target:
  type: mongodb
  connection_string: "mongodb://localhost:27017"
  database: testdb
extraction:
  budget_gb: 200
  poll_interval: 2s
nodes:
  - id: coord
    role: coordinator
    connections: 1
  - id: w1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Source.Type != "postgresql" {
		t.Errorf("expected source type postgresql, got %s", cfg.Source.Type)
	}
	if cfg.Source.MaxConnections != 4 {
		t.Errorf("expected default max_connections 4, got %d", cfg.Source.MaxConnections)
	}
	if cfg.Extraction.Budget() != 200*GiB {
		t.Errorf("expected budget 200 GiB, got %d", cfg.Extraction.Budget())
	}
	if cfg.Extraction.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %s", cfg.Extraction.PollInterval)
	}
	if cfg.Extraction.RestartLimit != 3 {
		t.Errorf("expected default restart limit 3, got %d", cfg.Extraction.RestartLimit)
	}
	if cfg.Nodes[1].Role != "worker" {
		t.Errorf("expected default role worker, got %q", cfg.Nodes[1].Role)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Directory != filepath.Join(dir, "logs") {
		t.Errorf("expected log directory under migration dir, got %s", cfg.Logging.Directory)
	}
	if cfg.BudgetWarning() != "" {
		t.Errorf("expected no budget warning, got %q", cfg.BudgetWarning())
	}
}

func TestLoadInvalidVersion(t *testing.T) {
	path := writeConfig(t, `version: 99
source:
  type: postgresql
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid version")
	}
}

func TestLoadRejectsBadNodes(t *testing.T) {
	tests := []struct {
		name  string
		nodes string
		want  string
	}{
		{"missing id", "  - role: worker\n", "id is required"},
		{"duplicate", "  - id: a\n  - id: a\n", "duplicate node id"},
		{"bad role", "  - id: a\n    role: reader\n", "role must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "version: 1\nmigration_dir: "+t.TempDir()+"\nnodes:\n"+tt.nodes)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestBudgetBytesWins(t *testing.T) {
	e := ExtractionConfig{BudgetGB: 500, BudgetBytes: 1000}
	if e.Budget() != 1000 {
		t.Errorf("expected budget_bytes to take precedence, got %d", e.Budget())
	}
	if (ExtractionConfig{}).Budget() != 0 {
		t.Error("expected zero budget when unset")
	}
}

func TestBudgetWarning(t *testing.T) {
	cfg := &Config{Extraction: ExtractionConfig{BudgetBytes: 1000}}
	if cfg.BudgetWarning() == "" {
		t.Error("expected a warning for a tiny budget")
	}
	cfg.Extraction.BudgetBytes = 0
	if cfg.BudgetWarning() != "" {
		t.Error("a zero budget disables batching and should not warn")
	}
}

func TestResolveEnvSecret(t *testing.T) {
	t.Setenv("TEST_SECRET", "mysecret")
	val, err := ResolveValue("${ENV:TEST_SECRET}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "mysecret" {
		t.Errorf("expected mysecret, got %s", val)
	}
}

func TestResolveEmbeddedSecret(t *testing.T) {
	t.Setenv("PG_PASS", "pw")
	val, err := ResolveValue("host=db user=app password=${ENV:PG_PASS} sslmode=disable")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "host=db user=app password=pw sslmode=disable" {
		t.Errorf("unexpected value %q", val)
	}
}

func TestResolvePlainValue(t *testing.T) {
	val, err := ResolveValue("plaintext")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "plaintext" {
		t.Errorf("expected plaintext, got %s", val)
	}
}

func TestMaxConnectionsCapped(t *testing.T) {
	path := writeConfig(t, `version: 1
migration_dir: `+t.TempDir()+`
source:
  type: postgresql
  max_connections: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.MaxConnections != 50 {
		t.Errorf("expected max_connections capped at 50, got %d", cfg.Source.MaxConnections)
	}
}

func TestSourceDSN(t *testing.T) {
	pg := SourceConfig{Type: "postgresql", Host: "h", Port: 5432, Database: "d", Username: "u", Password: "p"}
	if got := pg.DSN(); got != "host=h port=5432 dbname=d user=u password=p sslmode=disable" {
		t.Errorf("unexpected postgres DSN %q", got)
	}
	ora := SourceConfig{Type: "oracle", Host: "h", Port: 1521, Database: "ORCL", Username: "scott", Password: "tiger"}
	if got := ora.DSN(); got != "oracle://scott:tiger@h:1521/ORCL" {
		t.Errorf("unexpected oracle DSN %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tableshift.yaml")
	cfg := &Config{Version: 1, MigrationDir: t.TempDir(), Source: SourceConfig{Type: "oracle"}}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Source.Type != "oracle" {
		t.Errorf("expected oracle, got %s", loaded.Source.Type)
	}
}
