package authoritystore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// The repository methods in store.go need a live PostgreSQL instance to
// exercise end to end; what's checked here without one is the embedded
// schema itself, since a typo in schema.sql would otherwise only surface
// at first boot against a real database.
func TestSchemaDeclaresExpectedTables(t *testing.T) {
	for _, table := range []string{"clients", "users", "messages", "audit_log"} {
		require.True(t, strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table),
			"schema.sql missing table %s", table)
	}
}

func TestSchemaIndexesQueuedAtForReconciliation(t *testing.T) {
	require.Contains(t, schemaSQL, "idx_messages_queued_at")
}

func TestSchemaIndexesClientAndCreatedAt(t *testing.T) {
	require.Contains(t, schemaSQL, "idx_messages_client_created_at")
}

func TestSchemaTracksClientSerialAndRevocationTime(t *testing.T) {
	require.Contains(t, schemaSQL, "serial")
	require.Contains(t, schemaSQL, "revoked_at")
}
