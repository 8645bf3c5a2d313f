package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCheckpoint(s *Store, token string, cut uint64) *Checkpoint {
	return &Checkpoint{
		Token:     token,
		Seq:       s.NextSeq(),
		Cut:       cut,
		CreatedAt: time.Now(),
	}
}

func TestPrepareCommit(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNotFound)

	cp := newCheckpoint(s, "t1", 4096)
	require.NoError(t, s.Prepare(cp, []byte("blob-1")))

	got, err := s.ByToken("t1")
	require.NoError(t, err)
	assert.False(t, got.Complete)
	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNotFound, "a pending checkpoint is not the latest")

	require.NoError(t, s.Commit(cp))
	got, err = s.ByToken("t1")
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Equal(t, uint64(4096), got.Cut)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "t1", latest)

	blob, err := s.IndexBlob(cp.Seq)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-1"), blob)

	_, err = s.ByToken("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpointsNewestFirstAndPrune(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	for i, token := range []string{"a", "b", "c", "d"} {
		cp := newCheckpoint(s, token, uint64(i+1)*1000)
		require.NoError(t, s.Prepare(cp, nil))
		if token != "d" {
			require.NoError(t, s.Commit(cp))
		}
	}

	cps, err := s.Checkpoints()
	require.NoError(t, err)
	require.Len(t, cps, 4)
	assert.Equal(t, "d", cps[0].Token)
	assert.Equal(t, "a", cps[3].Token)

	// "d" is pending but newer than every complete checkpoint, so it stays
	removed, err := s.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	cps, err = s.Checkpoints()
	require.NoError(t, err)
	var tokens []string
	for _, cp := range cps {
		tokens = append(tokens, cp.Token)
	}
	assert.Equal(t, []string{"d", "c", "b"}, tokens)
	_, err = s.IndexBlob(1)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = s.PruneBelow(3500)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNotFound, "latest pointed to a pruned checkpoint")
}

func TestLogStateAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.LogState()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutLogState(LogState{Begin: 64, Tail: 9000, Version: 3}))
	cp := newCheckpoint(s, "x", 100)
	require.NoError(t, s.Prepare(cp, []byte("idx")))
	require.NoError(t, s.Commit(cp))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ls, err := s.LogState()
	require.NoError(t, err)
	assert.Equal(t, LogState{Begin: 64, Tail: 9000, Version: 3}, ls)
	assert.Equal(t, cp.Seq+1, s.NextSeq(), "sequence numbers continue after reopen")
}

func TestIndexBuckets(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.IndexBuckets()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutIndexBuckets(1<<12))
	n, err := s.IndexBuckets()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<12), n)
}
