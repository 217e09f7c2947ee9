package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hermit-os/uhyve-go/migration"
)

func TestMigrationParamsDefaultsToColdComplete(t *testing.T) {
	t.Parallel()

	c := &BootCmd{}

	params, err := migrationParams(c)
	if err != nil {
		t.Fatal(err)
	}

	if params.Type != migration.TypeCold || params.Mode != migration.ModeComplete {
		t.Fatalf("defaults = %+v, want cold/complete", params)
	}
}

func TestMigrationParamsReadsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "migration_params")

	content := "mode: incremental\ntype: live\nuse-odp: 1\nprefetch: 1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &BootCmd{}
	c.MigrationParams = path

	params, err := migrationParams(c)
	if err != nil {
		t.Fatal(err)
	}

	if params.Type != migration.TypeLive {
		t.Errorf("Type = %v, want TypeLive", params.Type)
	}

	if params.Mode != migration.ModeIncremental {
		t.Errorf("Mode = %v, want ModeIncremental", params.Mode)
	}

	if !params.UseODP || !params.Prefetch {
		t.Errorf("UseODP/Prefetch = %v/%v, want true/true", params.UseODP, params.Prefetch)
	}
}

func TestMigrationParamsMissingFile(t *testing.T) {
	t.Parallel()

	c := &BootCmd{}
	c.MigrationParams = filepath.Join(t.TempDir(), "does-not-exist")

	if _, err := migrationParams(c); err == nil {
		t.Fatal("expected an error for a missing MIGRATION_PARAMS file")
	}
}
