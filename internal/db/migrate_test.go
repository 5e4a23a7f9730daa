package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/clinic?sslmode=disable", "pgx5://u:p@localhost:5432/clinic?sslmode=disable"},
		{"postgresql://localhost/clinic", "pgx5://localhost/clinic"},
		{"pgx5://localhost/clinic", "pgx5://localhost/clinic"},
	}
	for _, tt := range tests {
		if got := migrateURL(tt.in); got != tt.want {
			t.Errorf("migrateURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected matching up/down migrations, got %d up and %d down", ups, downs)
	}

	up, err := fs.ReadFile(migrationFiles, "migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	for _, constraint := range []string{
		"patients_national_id_key",
		"availability_therapist_slot_key",
		"appointments_live_slot_key",
	} {
		if !strings.Contains(string(up), constraint) {
			t.Errorf("init migration is missing %s", constraint)
		}
	}
}

func TestMigrate_UnknownDirection(t *testing.T) {
	if err := Migrate("postgres://localhost:1/none", Direction("sideways")); err == nil {
		t.Error("expected error")
	}
}
