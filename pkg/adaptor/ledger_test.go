package adaptor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUploadLedger(t *testing.T, ledger adaptor.UploadLedger) {
	xid := uuid.New().String()

	found, err := ledger.Contains(xid)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ledger.Append(xid))

	found, err = ledger.Contains(xid)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFileLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xids-saved")
	ledger, err := adaptor.NewFileLedger(path)
	require.NoError(t, err)
	testUploadLedger(t, ledger)

	t.Run("reopened ledger keeps xids", func(t *testing.T) {
		require.NoError(t, ledger.Append("doc-1"))
		reopened, err := adaptor.NewFileLedger(path)
		require.NoError(t, err)
		found, err := reopened.Contains("doc-1")
		require.NoError(t, err)
		assert.True(t, found)
	})
}

func TestDynamoLedger(t *testing.T) {
	tableName, ok := os.LookupEnv("TEST_TABLE_NAME")
	if !ok {
		t.Skip("Skip test because TEST_TABLE_NAME is not set")
	}
	region, ok := os.LookupEnv("AWS_REGION")
	if !ok {
		t.Skip("Skip test because AWS_REGION is not set")
	}

	ledger, err := adaptor.NewDynamoLedger(region, tableName, "test-"+uuid.New().String())
	require.NoError(t, err)
	testUploadLedger(t, ledger)
}
