package persistence

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_agents.sql", "0002_tickets.sql"}, names)
}

func TestMigrationsCreateEngineTables(t *testing.T) {
	agents, err := migrationFiles.ReadFile("migrations/0001_agents.sql")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(agents), "CREATE TABLE IF NOT EXISTS agents"))
	assert.Contains(t, string(agents), "current_load <= max_capacity")

	tickets, err := migrationFiles.ReadFile("migrations/0002_tickets.sql")
	require.NoError(t, err)
	for _, column := range []string{"escalations", "breaches", "sla_deadline", "resolution_deadline", "version"} {
		assert.Contains(t, string(tickets), column)
	}
}

func TestRunMigrationsWithoutPool(t *testing.T) {
	assert.NoError(t, RunMigrations(context.Background(), nil, zap.NewNop()))
}
