package historydb

import (
	"math/big"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// Commit is a CommitBatch mined in the registry
type Commit struct {
	ItemID      int64            `meddler:"item_id,pk" json:"itemId"`
	EventType   common.EventType `meddler:"event_type" json:"eventType"`
	OldRoot     ethCommon.Hash   `meddler:"old_root" json:"oldRoot"`
	NewRoot     ethCommon.Hash   `meddler:"new_root" json:"newRoot"`
	FirstIndex  int64            `meddler:"first_index" json:"firstIndex"`
	NumLeaves   int              `meddler:"num_leaves" json:"numLeaves"`
	Strategy    string           `meddler:"strategy" json:"strategy"`
	EthTxHash   ethCommon.Hash   `meddler:"eth_tx_hash" json:"ethereumTxHash"`
	Nonce       int64            `meddler:"nonce" json:"nonce"`
	GasPrice    *big.Int         `meddler:"gas_price,bigint" json:"gasPrice"`
	EthBlockNum int64            `meddler:"eth_block_num" json:"ethereumBlockNum"`
	CycleNum    common.CycleNum  `meddler:"cycle_num" json:"cycleNum"`
	InsertedAt  time.Time        `meddler:"inserted_at,utctime" json:"insertedAt"`
}

// commitLeaf is a leaf of a Commit
type commitLeaf struct {
	EventType common.EventType  `meddler:"event_type"`
	LeafIndex int64             `meddler:"leaf_index"`
	CommitID  int64             `meddler:"commit_id"`
	Instance  ethCommon.Address `meddler:"instance"`
	ValueHash ethCommon.Hash    `meddler:"value_hash"`
	BlockNum  int64             `meddler:"block_num"`
	Digest    ethCommon.Hash    `meddler:"digest"`
}

// HistoryDB persists the history of the commits sent to the registry
type HistoryDB struct {
	dbRead  *sqlx.DB
	dbWrite *sqlx.DB
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB) *HistoryDB {
	return &HistoryDB{
		dbRead:  dbRead,
		dbWrite: dbWrite,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only for
// internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// AddCommit inserts a commit and its leaves.  Commits of the same event type
// that start at or after the first index of the new one are replaced, as
// they are no longer in the registry.
func (hdb *HistoryDB) AddCommit(commit *Commit, leaves []common.LeafRecord) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if _, err = txn.Exec(
		"DELETE FROM commit_batch WHERE event_type = $1 AND first_index >= $2;",
		commit.EventType, commit.FirstIndex,
	); err != nil {
		return common.Wrap(err)
	}
	if commit.InsertedAt.IsZero() {
		commit.InsertedAt = time.Now().UTC()
	}
	if err = meddler.Insert(txn, "commit_batch", commit); err != nil {
		return common.Wrap(err)
	}
	if err = hdb.addLeaves(txn, commit, leaves); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

func (hdb *HistoryDB) addLeaves(d meddler.DB, commit *Commit, leaves []common.LeafRecord) error {
	if len(leaves) == 0 {
		return nil
	}
	rows := make([]commitLeaf, len(leaves))
	for i, leaf := range leaves {
		rows[i] = commitLeaf{
			EventType: commit.EventType,
			LeafIndex: leaf.Index,
			CommitID:  commit.ItemID,
			Instance:  leaf.Instance,
			ValueHash: leaf.ValueHash,
			BlockNum:  leaf.BlockNum,
			Digest:    leaf.Digest,
		}
	}
	return common.Wrap(database.BulkInsert(
		d,
		`INSERT INTO commit_leaf (
			event_type,
			leaf_index,
			commit_id,
			instance,
			value_hash,
			block_num,
			digest
		) VALUES %s;`,
		rows,
	))
}

// GetLastCommit returns the commit of eventType with the highest first index
func (hdb *HistoryDB) GetLastCommit(eventType common.EventType) (*Commit, error) {
	commit := &Commit{}
	err := meddler.QueryRow(
		hdb.dbRead, commit,
		"SELECT * FROM commit_batch WHERE event_type = $1 ORDER BY first_index DESC LIMIT 1;",
		eventType,
	)
	return commit, common.Wrap(err)
}

// GetCommits returns at most limit commits of eventType whose first index
// is at least fromIndex, in index order
func (hdb *HistoryDB) GetCommits(eventType common.EventType, fromIndex int64,
	limit uint) ([]Commit, error) {
	var commits []*Commit
	err := meddler.QueryAll(
		hdb.dbRead, &commits,
		`SELECT * FROM commit_batch WHERE event_type = $1 AND first_index >= $2
		ORDER BY first_index LIMIT $3;`,
		eventType, fromIndex, limit,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(commits).([]Commit), nil
}

// GetCommitLeaves returns the leaves of a commit, in index order
func (hdb *HistoryDB) GetCommitLeaves(commitID int64) ([]common.LeafRecord, error) {
	var rows []*commitLeaf
	err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM commit_leaf WHERE commit_id = $1 ORDER BY leaf_index;",
		commitID,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	leaves := make([]common.LeafRecord, len(rows))
	for i, row := range rows {
		leaves[i] = common.LeafRecord{
			Instance:  row.Instance,
			ValueHash: row.ValueHash,
			BlockNum:  row.BlockNum,
			Index:     row.LeafIndex,
			Digest:    row.Digest,
		}
	}
	return leaves, nil
}
