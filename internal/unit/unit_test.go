package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/config"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/slots"
)

var testSlot = slots.ConnectionSlot{NodeID: "node1", Role: slots.RoleWorker, Ordinal: 0, DSN: "host=src"}

func testItem() catalog.WorkItem {
	return catalog.WorkItem{Key: "hr.employees", RowCount: 42, Weight: 1024, UnitID: "16384"}
}

func TestCommandArgs(t *testing.T) {
	c := &Command{Template: `expdp "{dsn}" tables={key} directory='{dir}' dumpfile={unit}_{table}.dmp schemas={owner}`}
	args, err := c.Args(testSlot, testItem(), "/data/16384")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"expdp", "host=src", "tables=hr.employees", "directory=/data/16384", "dumpfile=16384_employees.dmp", "schemas=hr"}
	if len(args) != len(want) {
		t.Fatalf("got %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}

	if _, err := (&Command{Template: `unterminated "quote`}).Args(testSlot, testItem(), "/d"); err == nil {
		t.Error("expected error for unbalanced quotes")
	}
	if _, err := (&Command{Template: "   "}).Args(testSlot, testItem(), "/d"); err == nil {
		t.Error("expected error for empty template")
	}
}

func TestCommandUnloader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "16384")
	u := &CommandUnloader{Command{Template: `sh -c "echo {key} > {unit}.csv"`}}
	rows, err := u.Unload(context.Background(), testSlot, testItem(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 42 {
		t.Errorf("expected catalog row count, got %d", rows)
	}
	files, err := DataFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one data file, got %v (%v)", files, err)
	}
}

func TestCommandFailureKinds(t *testing.T) {
	dir := t.TempDir()

	u := &CommandUnloader{Command{Template: `sh -c "echo ORA-00942 >&2; exit 3"`}}
	_, err := u.Unload(context.Background(), testSlot, testItem(), dir)
	var uow *fault.UnitOfWorkError
	if !errors.As(err, &uow) {
		t.Fatalf("expected UnitOfWorkError, got %v", err)
	}
	if fault.Cause(err) == "" || !strings.Contains(err.Error(), "ORA-00942") {
		t.Errorf("expected stderr in error, got %v", err)
	}

	u.CrashExitCode = 3
	_, err = u.Unload(context.Background(), testSlot, testItem(), dir)
	if !fault.IsConnectivity(err) {
		t.Errorf("expected ConnectivityError for crash exit code, got %v", err)
	}
}

func TestCommandLoaderShortCircuit(t *testing.T) {
	counter := NewMockUnit()
	counter.Loaded["hr.employees"] = 42
	l := &CommandLoader{Command: Command{Template: "false"}, Counter: counter}

	res, err := l.Load(context.Background(), testSlot, testItem(), t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Rows != 42 {
		t.Errorf("expected skipped load, got %+v", res)
	}

	if _, err := l.Load(context.Background(), testSlot, testItem(), t.TempDir(), false); err == nil {
		t.Error("expected the command to run and fail without the hint")
	}
}

func TestClassify(t *testing.T) {
	it := testItem()
	tests := []struct {
		name         string
		err          error
		connectivity bool
	}{
		{"net error", &net.OpError{Op: "read", Err: errors.New("connection reset")}, true},
		{"unexpected eof", fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), true},
		{"already connectivity", &fault.ConnectivityError{Err: errors.New("x")}, true},
		{"sql error", errors.New("relation does not exist"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(testSlot, it, tt.err)
			if fault.IsConnectivity(err) != tt.connectivity {
				t.Errorf("classify(%v) connectivity = %v, want %v", tt.err, fault.IsConnectivity(err), tt.connectivity)
			}
		})
	}
	if classify(testSlot, it, nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestConnectGivesUp(t *testing.T) {
	calls := 0
	_, err := connect(context.Background(), testSlot, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("refused")
	})
	if !fault.IsConnectivity(err) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	if calls != connectRetries+1 {
		t.Errorf("expected %d attempts, got %d", connectRetries+1, calls)
	}
}

func TestDataFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	it := testItem()
	for _, compress := range []bool{false, true} {
		path := dataFile(dir, it, compress)
		w, closeFn, err := createData(path, compress)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, "id,name\n1,ann\n")
		if err := closeFn(); err != nil {
			t.Fatal(err)
		}
		r, closeR, err := openData(path)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(r)
		closeR()
		if string(data) != "id,name\n1,ann\n" {
			t.Errorf("compress=%v: got %q", compress, data)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	files, _ := DataFiles(dir)
	if len(files) != 2 {
		t.Errorf("expected 2 data files, got %v", files)
	}
}

func TestFactory(t *testing.T) {
	cfg := &config.Config{Source: config.SourceConfig{Type: "postgresql"}, Target: config.TargetConfig{Type: "postgresql"}}
	u, err := NewUnloader(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := u.(*PostgresUnloader); !ok {
		t.Errorf("expected PostgresUnloader, got %T", u)
	}

	cfg.Source.Type = "oracle"
	if _, err := NewUnloader(cfg); err == nil {
		t.Error("expected oracle without a command to be rejected")
	}
	cfg.Extraction.Command = "expdp {key}"
	if u, _ := NewUnloader(cfg); u == nil {
		t.Error("expected CommandUnloader")
	}

	l, closeFn, err := NewLoader(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn(context.Background())
	if _, ok := l.(*PostgresLoader); !ok {
		t.Errorf("expected PostgresLoader, got %T", l)
	}

	cfg.Target.Type = "command"
	if _, _, err := NewLoader(context.Background(), cfg); err == nil {
		t.Error("expected command target without load.command to be rejected")
	}
	cfg.Target.Type = "hana"
	if _, _, err := NewLoader(context.Background(), cfg); err == nil {
		t.Error("expected unsupported target to be rejected")
	}
}

func TestPostgresLoaderTableName(t *testing.T) {
	it := catalog.WorkItem{Key: `hr.we"ird`}
	if got := (&PostgresLoader{}).table(it); got != `"hr"."we""ird"` {
		t.Errorf("got %s", got)
	}
	if got := (&PostgresLoader{Schema: "stage"}).table(it); got != `"stage"."we""ird"` {
		t.Errorf("got %s", got)
	}
	if Collection(it) != `hr_we"ird` {
		t.Errorf("unexpected collection %s", Collection(it))
	}
}
