package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeTables is every table the store layer reads or writes.
var storeTables = []string{"schema_migrations", "runs", "iterations", "test_results", "run_logs", "run_usage"}

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "hone.db")
}

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates full schema", func(t *testing.T) {
		conn, err := OpenWithMigrations(tempDBPath(t), nil)
		require.NoError(t, err)
		require.NotNil(t, conn)
		defer conn.Close()

		for _, table := range storeTables {
			var n int
			err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "missing table %s", table)
		}
	})

	t.Run("names the failing migration", func(t *testing.T) {
		path := tempDBPath(t)

		// Pre-create runs with an incompatible shape so migration 001
		// fails when it tries to create the real table.
		conn, err := Open(path, nil)
		require.NoError(t, err)
		_, err = conn.Exec("CREATE TABLE runs (bad_schema TEXT)")
		require.NoError(t, err)
		conn.Close()

		conn, err = OpenWithMigrations(path, nil)
		require.Error(t, err)
		assert.Nil(t, conn)
		assert.Contains(t, fmt.Sprintf("%+v", err), "001")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("records applied versions", func(t *testing.T) {
		conn := openTempDB(t)

		require.NoError(t, Migrate(conn, nil))

		var n int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.GreaterOrEqual(t, n, 5)
	})

	t.Run("reruns are no-ops", func(t *testing.T) {
		conn := openTempDB(t)

		require.NoError(t, Migrate(conn, nil))
		var first int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&first))

		require.NoError(t, Migrate(conn, nil))
		var second int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&second))
		assert.Equal(t, first, second)
	})

	t.Run("closed database", func(t *testing.T) {
		conn := openTempDB(t)
		conn.Close()

		err := Migrate(conn, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})
}

func TestMigrate_CascadeDelete(t *testing.T) {
	conn, err := OpenWithMigrations(tempDBPath(t), nil)
	require.NoError(t, err)
	defer conn.Close()

	// One run with a child row in every dependent table.
	_, err = conn.Exec(`INSERT INTO runs (id, name, status, initial_prompt, config) VALUES ('run_test', 'cascade', 'completed', 'Classify: {text}', '{}')`)
	require.NoError(t, err)
	res, err := conn.Exec(`INSERT INTO iterations (run_id, iteration_num, prompt_template) VALUES ('run_test', 1, 'Classify: {text}')`)
	require.NoError(t, err)
	iterID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO test_results (iteration_id, row_index, input_data, expected_output) VALUES (?, 0, '{}', 'positive')`, iterID)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO run_logs (run_id, stage, level, message) VALUES ('run_test', 'system', 'info', 'started')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO run_usage (run_id, provider, model, calls) VALUES ('run_test', 'openai', 'gpt-4o-mini', 3)`)
	require.NoError(t, err)

	_, err = conn.Exec(`DELETE FROM runs WHERE id = 'run_test'`)
	require.NoError(t, err)

	for _, table := range []string{"iterations", "test_results", "run_logs", "run_usage"} {
		var n int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Equal(t, 0, n, "%s should be empty after deleting the run", table)
	}
}
