package config

import (
	"os"
	"testing"

	"github.com/tochire/PigeonX/internal/testlib"
)

func mustWriteConfig(t *testing.T, contents string) string {
	dir := testlib.MustTempDir(t)
	path := dir + "/config.conf"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load(mustWriteConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c != defaultConfig {
		t.Errorf("Load(empty) = %+v, want defaults %+v", *c, defaultConfig)
	}
}

func TestMissingFile(t *testing.T) {
	c, err := Load("/nonexistent/path/to/config.conf")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c != defaultConfig {
		t.Errorf("Load(missing) = %+v, want defaults %+v", *c, defaultConfig)
	}
}

func TestOverrides(t *testing.T) {
	path := mustWriteConfig(t, `
# comment line, ignored
port = 2600
workers = 8

backlog=20
db_conn_str = postgresql://u:p@host:5432/db
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 2600 {
		t.Errorf("Port = %d, want 2600", c.Port)
	}
	if c.Workers != 8 {
		t.Errorf("Workers = %d, want 8", c.Workers)
	}
	if c.Backlog != 20 {
		t.Errorf("Backlog = %d, want 20", c.Backlog)
	}
	if c.DBConnStr != "postgresql://u:p@host:5432/db" {
		t.Errorf("DBConnStr = %q", c.DBConnStr)
	}
	// Keys not present in the file keep their defaults.
	if c.MaxEvents != defaultConfig.MaxEvents {
		t.Errorf("MaxEvents = %d, want default %d", c.MaxEvents, defaultConfig.MaxEvents)
	}
	if c.BufSize != defaultConfig.BufSize {
		t.Errorf("BufSize = %d, want default %d", c.BufSize, defaultConfig.BufSize)
	}
}

func TestInvalidInt(t *testing.T) {
	path := mustWriteConfig(t, "port = not-a-number\n")
	if _, err := Load(path); err == nil {
		t.Errorf("expected Load to fail on a non-numeric port")
	}
}

func TestUnknownKeyIsIgnored(t *testing.T) {
	path := mustWriteConfig(t, "mystery_key = something\nworkers = 2\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Workers != 2 {
		t.Errorf("Workers = %d, want 2", c.Workers)
	}
}
