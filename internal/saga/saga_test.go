package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeThenVerifySucceeds(t *testing.T) {
	signer := NewSigner("test-signing-key")
	entries := []Entry{
		{TxID: "tx-1", Seq: 1, Description: "undo put users/u1"},
		{TxID: "tx-1", Seq: 2, Description: "undo index add idx:users:email"},
	}

	batch, err := signer.Finalize("batch-1", 1700000000, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.EntryCount)
	assert.NotEmpty(t, batch.Hash)
	assert.NotEmpty(t, batch.Signature)

	assert.NoError(t, signer.Verify(batch))
}

func TestVerifyRejectsTamperedEntries(t *testing.T) {
	signer := NewSigner("test-signing-key")
	batch, err := signer.Finalize("batch-1", 1700000000, []Entry{{TxID: "tx-1", Seq: 1}})
	require.NoError(t, err)

	batch.Entries = append(batch.Entries, Entry{TxID: "tx-evil", Seq: 99})
	assert.Error(t, signer.Verify(batch))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := NewSigner("correct-key")
	batch, err := signer.Finalize("batch-1", 1700000000, []Entry{{TxID: "tx-1", Seq: 1}})
	require.NoError(t, err)

	other := NewSigner("wrong-key")
	assert.Error(t, other.Verify(batch))
}
