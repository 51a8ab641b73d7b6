package database

import "testing"

func TestMigrationVersion(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected int
	}{
		{"standard migration name", "001_test_sessions.sql", 1},
		{"no leading zeros", "12_add_flags.sql", 12},
		{"no underscore", "schema.sql", 0},
		{"leading underscore", "_notes.sql", 0},
		{"non-numeric prefix", "abc_tables.sql", 0},
		{"empty name", "", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := migrationVersion(tc.filename); got != tc.expected {
				t.Errorf("Expected version %d for %q, got %d", tc.expected, tc.filename, got)
			}
		})
	}
}
