package database

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	db, err := Connect(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, model := range []interface{}{
		&models.Assignment{},
		&models.Question{},
		&models.TestCase{},
		&models.Submission{},
		&models.QuestionSubmission{},
		&models.TestResult{},
	} {
		require.True(t, db.Migrator().HasTable(model))
	}
}

func TestConnectRejectsEmptyDSN(t *testing.T) {
	_, err := Connect("")
	require.Error(t, err)

	_, err = Connect("sqlite://")
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis("redis://" + server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = ConnectRedis("not a url")
	require.Error(t, err)
}
