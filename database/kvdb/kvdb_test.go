package kvdb

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKVDB(t *testing.T, keep int) (*KVDB, string) {
	dir := t.TempDir()
	k, err := NewKVDB(Config{Path: dir, Keep: keep})
	require.NoError(t, err)
	return k, dir
}

func push(t *testing.T, k *KVDB, list string, values ...string) {
	require.NoError(t, k.Update(func(tx *Tx) error {
		bs := make([][]byte, len(values))
		for i, v := range values {
			bs[i] = []byte(v)
		}
		return tx.Push(list, bs...)
	}))
}

func all(t *testing.T, r Records, list string) []string {
	values, err := r.All(list)
	require.NoError(t, err)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func TestListsAndCursors(t *testing.T) {
	k, _ := newTestKVDB(t, 0)
	defer k.Close()

	push(t, k, "deposit", "a", "b")
	push(t, k, "deposit", "c")
	push(t, k, "withdrawal", "x")
	assert.Equal(t, []string{"a", "b", "c"}, all(t, k.Current(), "deposit"))
	assert.Equal(t, []string{"x"}, all(t, k.Current(), "withdrawal"))
	n, err := k.Current().Len("other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, ok, err := k.Current().Cursor("deposit")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, k.Update(func(tx *Tx) error {
		return tx.SetCursor("deposit", -1)
	}))
	v, ok, err := k.Current().Cursor("deposit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), v)
}

func TestUpdateIsAtomic(t *testing.T) {
	k, _ := newTestKVDB(t, 0)
	defer k.Close()
	push(t, k, "deposit", "a")

	errAbort := errors.New("abort")
	err := k.Update(func(tx *Tx) error {
		require.NoError(t, tx.Push("deposit", []byte("b")))
		require.NoError(t, tx.SetCursor("deposit", 7))
		// reads inside the tx see its writes
		n, err := tx.Len("deposit")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	assert.Equal(t, []string{"a"}, all(t, k.Current(), "deposit"))
	_, ok, err := k.Current().Cursor("deposit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointAndReopen(t *testing.T) {
	k, dir := newTestKVDB(t, 0)
	push(t, k, "deposit", "a")
	require.NoError(t, k.Checkpoint())
	push(t, k, "deposit", "b")
	require.NoError(t, k.Checkpoint())
	assert.Equal(t, common.CycleNum(2), k.CurrentCycle())

	// written after the checkpoint, lost on reopen
	push(t, k, "deposit", "c")
	k.Close()

	k, err := NewKVDB(Config{Path: dir})
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, common.CycleNum(2), k.CurrentCycle())
	assert.Equal(t, []string{"a", "b"}, all(t, k.Current(), "deposit"))

	require.NoError(t, k.LastRead(func(r Records) error {
		assert.Equal(t, []string{"a", "b"}, all(t, r, "deposit"))
		return nil
	}))
}

func TestLastFollowsCheckpoints(t *testing.T) {
	k, _ := newTestKVDB(t, 0)
	defer k.Close()

	push(t, k, "deposit", "a")
	// not checkpointed yet
	require.NoError(t, k.LastRead(func(r Records) error {
		n, err := r.Len("deposit")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		return nil
	}))

	require.NoError(t, k.Checkpoint())
	push(t, k, "deposit", "b")
	require.NoError(t, k.LastRead(func(r Records) error {
		assert.Equal(t, []string{"a"}, all(t, r, "deposit"))
		return nil
	}))

	// concurrent readers during checkpoints
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, k.LastRead(func(r Records) error {
					_, err := r.Len("deposit")
					return err
				}))
			}
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, k.Checkpoint())
	}
	wg.Wait()
}

func TestFlush(t *testing.T) {
	k, dir := newTestKVDB(t, 0)
	push(t, k, "deposit", "a")
	require.NoError(t, k.Update(func(tx *Tx) error {
		return tx.SetCursor("deposit", 10)
	}))
	require.NoError(t, k.Checkpoint())
	require.NoError(t, k.Checkpoint())

	require.NoError(t, k.Flush())
	assert.Equal(t, common.CycleNum(0), k.CurrentCycle())
	assert.Empty(t, all(t, k.Current(), "deposit"))
	_, ok, err := k.Current().Cursor("deposit")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, k.LastRead(func(r Records) error {
		assert.Empty(t, all(t, r, "deposit"))
		return nil
	}))
	checkpoints, err := k.checkpoints()
	require.NoError(t, err)
	assert.Empty(t, checkpoints)

	// numbering starts again at 1, and a reopen doesn't bring back the
	// flushed state
	push(t, k, "deposit", "z")
	require.NoError(t, k.Checkpoint())
	assert.Equal(t, common.CycleNum(1), k.CurrentCycle())
	k.Close()
	k, err = NewKVDB(Config{Path: dir})
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, common.CycleNum(1), k.CurrentCycle())
	assert.Equal(t, []string{"z"}, all(t, k.Current(), "deposit"))
}

func TestPrune(t *testing.T) {
	keep := 3
	k, _ := newTestKVDB(t, keep)
	defer k.Close()

	for i := 0; i < 10; i++ {
		push(t, k, "deposit", fmt.Sprintf("v%d", i))
		require.NoError(t, k.Checkpoint())
		k.pruneWg.Wait()
		checkpoints, err := k.checkpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
		assert.Equal(t, k.CurrentCycle(), checkpoints[len(checkpoints)-1])
	}
}

func TestCheckpointGap(t *testing.T) {
	k, dir := newTestKVDB(t, 0)
	require.NoError(t, k.Checkpoint())
	require.NoError(t, k.Checkpoint())
	require.NoError(t, k.Checkpoint())
	k.Close()
	require.NoError(t, os.RemoveAll(path.Join(dir, "cycle-2")))

	_, err := NewKVDB(Config{Path: dir})
	assert.ErrorIs(t, err, ErrCheckpointGap)
}

func TestNoLast(t *testing.T) {
	k, err := NewKVDB(Config{Path: t.TempDir(), NoLast: true})
	require.NoError(t, err)
	defer k.Close()
	require.NoError(t, k.Checkpoint())
	err = k.LastRead(func(r Records) error { return nil })
	assert.ErrorIs(t, err, ErrNoLast)
}
