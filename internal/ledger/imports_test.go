package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Absent hash is a nil record, not an error.
	rec, err := s.FindImportByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, rec)

	meta := ImportMeta{
		TransactionIDs: []string{"tx-1", "tx-2"},
		Errors:         []string{"row 3: invalid amount"},
	}
	created, err := s.CreateImportRecord(ctx, "deadbeef", "march.csv", 2, meta)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 2, created.ImportedCount)

	found, err := s.FindImportByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "march.csv", found.Filename)
	assert.Equal(t, meta.TransactionIDs, found.Meta.TransactionIDs)
	assert.Equal(t, meta.Errors, found.Meta.Errors)

	// The hash is unique.
	_, err = s.CreateImportRecord(ctx, "deadbeef", "march-again.csv", 2, ImportMeta{})
	assert.True(t, IsConflict(err))

	require.NoError(t, s.DeleteImportRecord(ctx, created.ID))
	gone, err := s.FindImportByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.True(t, IsNotFound(s.DeleteImportRecord(ctx, created.ID)))
}
