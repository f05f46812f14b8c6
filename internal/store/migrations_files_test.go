package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var repoMigrations = filepath.Join("..", "..", "db", "migrations")

func TestLoadMigrationsPairsRepositoryFiles(t *testing.T) {
	migrations, err := LoadMigrations(repoMigrations)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
		if !strings.HasSuffix(m.ID(), ".up.sql") {
			t.Fatalf("unexpected migration id %q", m.ID())
		}
	}
	if migrations[0].ID() != "0001_vote_records.up.sql" {
		t.Fatalf("first migration = %q", migrations[0].ID())
	}
}

func writeMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_init.up.sql", "CREATE TABLE a (id INT);")
	writeMigration(t, dir, "0001_init.down.sql", "DROP TABLE a;")
	writeMigration(t, dir, "0002_more.up.sql", "CREATE TABLE b (id INT);")

	if _, err := LoadMigrations(dir); err == nil || !strings.Contains(err.Error(), "0002_more") {
		t.Fatalf("expected error naming 0002_more, got %v", err)
	}
}

func TestLoadMigrationsRejectsConflictingNames(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_init.up.sql", "CREATE TABLE a (id INT);")
	writeMigration(t, dir, "0001_other.down.sql", "DROP TABLE a;")

	if _, err := LoadMigrations(dir); err == nil {
		t.Fatal("expected error for two names on one version")
	}
}

func TestLoadMigrationsIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "README.md", "notes")
	writeMigration(t, dir, "0001_init.up.sql", "CREATE TABLE a (id INT);")
	writeMigration(t, dir, "0001_init.down.sql", "DROP TABLE a;")
	if err := os.Mkdir(filepath.Join(dir, "0002_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 1 || migrations[0].Down != "DROP TABLE a;" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}
