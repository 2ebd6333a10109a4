package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAutoMigrateCreatesTables(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(conn))

	for _, table := range []string{"gateway_settings", "checkout_sessions", "payment_events", "purchases", "subscriptions"} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}
	require.True(t, conn.Migrator().HasIndex("purchases", "ux_purchases_payment_id"))
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir(migrationsDir)
	require.NoError(t, err)
	require.Len(t, entries, 4)
}
