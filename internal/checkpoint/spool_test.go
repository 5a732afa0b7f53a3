package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpool_StashListDelete(t *testing.T) {
	// Arrange
	s := openStore(t)
	require.NoError(t, s.Stash("main", -100, 300, []byte(`{"update_id":300}`)))
	require.NoError(t, s.Stash("main", -100, 7, []byte(`{"update_id":7}`)))
	require.NoError(t, s.Stash("main", -1001, 8, []byte(`{"update_id":8}`)))
	require.NoError(t, s.Stash("other", -100, 9, []byte(`{"update_id":9}`)))

	// Act
	entries, err := s.List("main", -100)

	// Assert: scoped to credential and chat, ascending by update id.
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].UpdateID)
	assert.Equal(t, int64(300), entries[1].UpdateID)
	assert.JSONEq(t, `{"update_id":300}`, string(entries[1].Payload))

	require.NoError(t, s.Delete("main", -100, []int64{7}))
	entries, err = s.List("main", -100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(300), entries[0].UpdateID)

	others, err := s.List("main", -1001)
	require.NoError(t, err)
	assert.Len(t, others, 1, "a chat id that prefixes another is not matched")
}

func TestSpool_CheckpointCountIgnoresSpool(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Stash("main", -100, 1, []byte("{}")))

	n, err := s.Count()

	require.NoError(t, err)
	assert.Zero(t, n)
}
