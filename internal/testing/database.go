package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/segpulse/db"
)

// CreateTestDB creates a migrated in-memory SQLite database.
// Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every pooled connection to :memory: is a separate database
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// SeedProject inserts a project owned by ownerID plus the given members.
// Members map user id to role; a role suffixed with "?" is an unaccepted invite.
func SeedProject(t *testing.T, conn *sql.DB, projectID, ownerID string, members map[string]string) {
	t.Helper()

	if _, err := conn.Exec("INSERT INTO projects (id, owner_id) VALUES (?, ?)", projectID, ownerID); err != nil {
		t.Fatalf("Failed to seed project %s: %v", projectID, err)
	}
	for userID, role := range members {
		accepted := 1
		if n := len(role); n > 0 && role[n-1] == '?' {
			role = role[:n-1]
			accepted = 0
		}
		if _, err := conn.Exec(
			"INSERT INTO project_members (project_id, user_id, role, accepted) VALUES (?, ?, ?, ?)",
			projectID, userID, role, accepted); err != nil {
			t.Fatalf("Failed to seed member %s: %v", userID, err)
		}
	}
}
