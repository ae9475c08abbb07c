/*
Package kvdb implements the checkpointed key-value store under the StateDB.

The store holds named append-only lists of values and named int64 cursors in a
pebble db, the "current" copy.  Every successful cycle freezes the current
copy in a numbered checkpoint.  Opening the store restores the current copy
from the newest checkpoint, so anything written after it is dropped.  A read
only copy of the newest checkpoint, the "last" copy, can be queried while the
current one is being written.

Flush drops the current copy and every checkpoint: the store is empty, its
cycle number goes back to 0 and the next checkpoint is cycle 1.
*/
package kvdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	dirCurrent    = "current"
	dirLast       = "last"
	dirCheckpoint = "cycle-"
)

var (
	keyCycle     = []byte("m:cycle")
	prefixLen    = []byte("n:")
	prefixItem   = []byte("l:")
	prefixCursor = []byte("c:")

	// ErrNoLast is used when the last copy is queried on a store opened
	// without it
	ErrNoLast = errors.New("no last checkpoint view")
	// ErrCheckpointGap is used when the numbered checkpoints on disk are
	// not consecutive
	ErrCheckpointGap = errors.New("gap between checkpoints")
)

// Config of the KVDB
type Config struct {
	// Path of the directory of the store
	Path string
	// Keep is the number of checkpoints kept on disk.  0 keeps all of them.
	Keep int
	// NoLast skips keeping the last copy open for concurrent reads
	NoLast bool
}

// Records reads the lists and cursors of one copy of the store
type Records struct {
	r interface {
		Get([]byte) ([]byte, error)
	}
}

func listKey(prefix []byte, name string) []byte {
	return append(append(append([]byte{}, prefix...), name...), ':')
}

func itemKey(list string, idx int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(idx))
	return append(listKey(prefixItem, list), b[:]...)
}

func (r Records) getInt64(key []byte) (int64, bool, error) {
	b, err := r.r.Get(key)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, false, nil
	} else if err != nil {
		return 0, false, common.Wrap(err)
	}
	if len(b) != 8 { //nolint:gomnd
		return 0, false, common.Wrap(fmt.Errorf("invalid value length %d for key %s", len(b), key))
	}
	return int64(binary.BigEndian.Uint64(b)), true, nil
}

// Len returns the number of values of the list
func (r Records) Len(list string) (int64, error) {
	n, _, err := r.getInt64(listKey(prefixLen, list))
	return n, common.Wrap(err)
}

// At returns the value at position idx of the list
func (r Records) At(list string, idx int64) ([]byte, error) {
	v, err := r.r.Get(itemKey(list, idx))
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("%s[%d]: %w", list, idx, err))
	}
	return v, nil
}

// All returns the values of the list in order
func (r Records) All(list string) ([][]byte, error) {
	n, err := r.Len(list)
	if err != nil {
		return nil, common.Wrap(err)
	}
	values := make([][]byte, n)
	for i := int64(0); i < n; i++ {
		if values[i], err = r.At(list, i); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return values, nil
}

// Cursor returns the value of the cursor, and false if it was never set
func (r Records) Cursor(name string) (int64, bool, error) {
	return r.getInt64(listKey(prefixCursor, name))
}

// Tx is a write transaction over the current copy.  Its reads see its own
// writes.
type Tx struct {
	Records
	tx db.Tx
}

// Push appends values at the end of the list
func (t *Tx) Push(list string, values ...[]byte) error {
	n, err := t.Len(list)
	if err != nil {
		return common.Wrap(err)
	}
	for i, v := range values {
		if err := t.tx.Put(itemKey(list, n+int64(i)), v); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(t.putInt64(listKey(prefixLen, list), n+int64(len(values))))
}

// SetCursor sets the value of the cursor
func (t *Tx) SetCursor(name string, v int64) error {
	return common.Wrap(t.putInt64(listKey(prefixCursor, name), v))
}

func (t *Tx) putInt64(key []byte, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return t.tx.Put(key, b[:])
}

// KVDB is the checkpointed store.  Only one writer is allowed at a time.
type KVDB struct {
	cfg     Config
	current *pebble.Storage
	cycle   common.CycleNum

	last   *pebble.Storage
	lastRW sync.RWMutex

	// serializes pruning with the operations that list checkpoints
	pruneMu sync.Mutex
	pruneWg sync.WaitGroup
}

// NewKVDB opens the store at cfg.Path, restoring the current copy from the
// newest checkpoint
func NewKVDB(cfg Config) (*KVDB, error) {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil { //nolint:gomnd
		return nil, common.Wrap(err)
	}
	k := &KVDB{cfg: cfg}
	checkpoints, err := k.checkpoints()
	if err != nil {
		return nil, common.Wrap(err)
	}
	var newest common.CycleNum
	if len(checkpoints) > 0 {
		newest = checkpoints[len(checkpoints)-1]
	}
	if err := k.restore(newest); err != nil {
		return nil, common.Wrap(err)
	}
	log.Debugw("KVDB: opened", "path", cfg.Path, "cycle", k.cycle,
		"checkpoints", len(checkpoints))
	return k, nil
}

// CurrentCycle returns the number of the newest checkpoint, 0 if none
func (k *KVDB) CurrentCycle() common.CycleNum {
	return k.cycle
}

// Current returns a reader of the current copy
func (k *KVDB) Current() Records {
	return Records{r: k.current}
}

// Update runs fn in a write transaction over the current copy, and commits
// it if fn returns nil
func (k *KVDB) Update(fn func(tx *Tx) error) error {
	dbTx, err := k.current.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	defer dbTx.Close()
	if err := fn(&Tx{Records: Records{r: dbTx}, tx: dbTx}); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(dbTx.Commit())
}

// LastRead runs fn over the last copy.  It is safe to call concurrently with
// the writer.
func (k *KVDB) LastRead(fn func(r Records) error) error {
	if k.cfg.NoLast {
		return common.Wrap(ErrNoLast)
	}
	k.lastRW.RLock()
	defer k.lastRW.RUnlock()
	return fn(Records{r: k.last})
}

// Checkpoint advances the cycle number and freezes the current copy in a new
// checkpoint, which also becomes the last copy.  Checkpoints beyond Keep are
// pruned in the background.
func (k *KVDB) Checkpoint() error {
	next := k.cycle + 1
	if err := k.Update(func(tx *Tx) error {
		return common.Wrap(tx.tx.Put(keyCycle, next.Bytes()))
	}); err != nil {
		return common.Wrap(err)
	}
	dest := k.checkpointPath(next)
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	if err := k.current.Pebble().Checkpoint(dest); err != nil {
		return common.Wrap(err)
	}
	k.cycle = next
	if err := k.openLast(dest); err != nil {
		return common.Wrap(err)
	}

	k.pruneWg.Add(1)
	go func() {
		defer k.pruneWg.Done()
		if err := k.prune(); err != nil {
			log.Errorw("KVDB: pruning old checkpoints", "err", err)
		}
	}()
	return nil
}

// Flush drops the current copy and every checkpoint.  The store is left
// empty at cycle 0.
func (k *KVDB) Flush() error {
	return common.Wrap(k.restore(0))
}

// restore replaces the current and last copies with the checkpoint of
// cycle, dropping every newer checkpoint.  Cycle 0 is the empty store and
// drops every checkpoint.
func (k *KVDB) restore(cycle common.CycleNum) error {
	k.pruneWg.Wait()
	if k.current != nil {
		k.current.Close()
		k.current = nil
	}
	currentPath := path.Join(k.cfg.Path, dirCurrent)
	if err := os.RemoveAll(currentPath); err != nil {
		return common.Wrap(err)
	}
	checkpoints, err := k.checkpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for _, cn := range checkpoints {
		if cn > cycle || cycle == 0 {
			if err := os.RemoveAll(k.checkpointPath(cn)); err != nil {
				return common.Wrap(err)
			}
		}
	}

	var source string
	if cycle > 0 {
		source = k.checkpointPath(cycle)
		if err := copyCheckpoint(source, currentPath); err != nil {
			return common.Wrap(err)
		}
	}
	if k.current, err = pebble.NewPebbleStorage(currentPath, false); err != nil {
		return common.Wrap(err)
	}
	stored, err := k.storedCycle()
	if err != nil {
		return common.Wrap(err)
	}
	if stored != cycle {
		return common.Wrap(fmt.Errorf("checkpoint %d holds cycle %d", cycle, stored))
	}
	k.cycle = cycle
	return common.Wrap(k.openLast(source))
}

// storedCycle returns the cycle number written in the current copy, 0 if
// none
func (k *KVDB) storedCycle() (common.CycleNum, error) {
	b, err := k.current.Get(keyCycle)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	return common.CycleNumFromBytes(b)
}

// openLast replaces the last copy with a copy of the checkpoint at source,
// or with an empty db if source is empty
func (k *KVDB) openLast(source string) error {
	if k.cfg.NoLast {
		return nil
	}
	k.lastRW.Lock()
	defer k.lastRW.Unlock()
	if k.last != nil {
		k.last.Close()
		k.last = nil
	}
	lastPath := path.Join(k.cfg.Path, dirLast)
	if err := os.RemoveAll(lastPath); err != nil {
		return common.Wrap(err)
	}
	if source != "" {
		if err := copyCheckpoint(source, lastPath); err != nil {
			return common.Wrap(err)
		}
	}
	last, err := pebble.NewPebbleStorage(lastPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.last = last
	return nil
}

// copyCheckpoint copies the pebble db at source to dest through a pebble
// checkpoint
func copyCheckpoint(source, dest string) error {
	sto, err := pebble.NewPebbleStorage(source, true)
	if err != nil {
		return common.Wrap(fmt.Errorf("checkpoint %s: %w", source, err))
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

func (k *KVDB) checkpointPath(cycle common.CycleNum) string {
	return path.Join(k.cfg.Path, fmt.Sprintf("%s%d", dirCheckpoint, cycle))
}

// checkpoints returns the cycle numbers of the checkpoints on disk, sorted
func (k *KVDB) checkpoints() ([]common.CycleNum, error) {
	entries, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var cycles []common.CycleNum
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, dirCheckpoint) {
			continue
		}
		var cn uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, dirCheckpoint), "%d", &cn); err != nil {
			return nil, common.Wrap(fmt.Errorf("checkpoint dir %s: %w", name, err))
		}
		cycles = append(cycles, common.CycleNum(cn))
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	for i := 1; i < len(cycles); i++ {
		if cycles[i] != cycles[i-1]+1 {
			log.Errorw("KVDB: gap between checkpoints", "checkpoints", cycles)
			return nil, common.Wrap(fmt.Errorf("%w: %d after %d", ErrCheckpointGap,
				cycles[i], cycles[i-1]))
		}
	}
	return cycles, nil
}

// prune deletes the oldest checkpoints beyond Keep
func (k *KVDB) prune() error {
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	if k.cfg.Keep <= 0 {
		return nil
	}
	checkpoints, err := k.checkpoints()
	if err != nil {
		return common.Wrap(err)
	}
	if len(checkpoints) <= k.cfg.Keep {
		return nil
	}
	for _, cn := range checkpoints[:len(checkpoints)-k.cfg.Keep] {
		if err := os.RemoveAll(k.checkpointPath(cn)); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// Close the store
func (k *KVDB) Close() {
	k.pruneWg.Wait()
	if k.current != nil {
		k.current.Close()
		k.current = nil
	}
	k.lastRW.Lock()
	if k.last != nil {
		k.last.Close()
		k.last = nil
	}
	k.lastRW.Unlock()
}
