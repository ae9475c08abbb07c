package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database"
	"github.com/superphiz/tornado-root-updater/database/historydb"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/synchronizer"
	"github.com/superphiz/tornado-root-updater/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	instanceA = ethCommon.HexToAddress("0x12D66f87A04A9E220743712cE6d9bB1B5616B8Fc")
	registry  = ethCommon.HexToAddress("0x9A676e781A523b5d0C0e43731313A708CB607508")
)

var testDB *sqlx.DB

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	db, err := database.InitTestSQLDB()
	if err != nil {
		log.Warnw("API history tests skipped", "err", err)
	} else {
		testDB = db
	}
	result := m.Run()
	if testDB != nil {
		if err := testDB.Close(); err != nil {
			log.Error("Error closing the history DB", err)
		}
	}
	os.Exit(result)
}

type response struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testAPI struct {
	engine  *gin.Engine
	stateDB *statedb.StateDB
}

func newTestAPI(t *testing.T, historyDB *historydb.HistoryDB) *testAPI {
	client := test.NewClient(true, test.NewTimerTest(), test.NewClientSetupExample())
	stateDB, err := statedb.NewStateDB(statedb.Config{Path: t.TempDir(), Keep: 4})
	require.NoError(t, err)
	t.Cleanup(stateDB.Close)
	hasher, err := common.NewLeafHasher(0)
	require.NoError(t, err)
	sync, err := synchronizer.NewSynchronizer(client, stateDB, hasher, synchronizer.Config{
		StartBlock: 1,
		Instances:  []ethCommon.Address{instanceA},
	})
	require.NoError(t, err)

	engine := gin.New()
	_, err = NewAPI(Config{
		Version:   "v0.1.0",
		Server:    engine,
		Sync:      sync,
		HistoryDB: historyDB,
		Constants: Constants{
			ChainID:         1337,
			RegistryAddress: registry,
			Instances:       []ethCommon.Address{instanceA},
			TreeLevels:      20,
			Mode:            "push",
			BatchSize:       100,
			BatchPolicy:     "roundrobin",
			Strategy:        "direct",
		},
	})
	require.NoError(t, err)
	return &testAPI{engine: engine, stateDB: stateDB}
}

func (ta *testAPI) get(t *testing.T, path string) (int, *response) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	ta.engine.ServeHTTP(w, req)
	if w.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		return w.Code, nil
	}
	var res response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return w.Code, &res
}

func TestNewAPIInvalid(t *testing.T) {
	_, err := NewAPI(Config{})
	assert.Error(t, err)
	_, err = NewAPI(Config{Server: gin.New()})
	assert.Error(t, err)
}

func TestHealthAndConfig(t *testing.T) {
	ta := newTestAPI(t, nil)

	code, res := ta.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"version":"v0.1.0"}`, string(res.Data))

	code, res = ta.get(t, "/v1/config")
	require.Equal(t, http.StatusOK, code)
	var cfg configAPI
	require.NoError(t, json.Unmarshal(res.Data, &cfg))
	assert.Equal(t, uint64(1337), cfg.ChainID)
	assert.Equal(t, registry, cfg.RegistryAddress)
	assert.Equal(t, []common.EventType{common.EventDeposit, common.EventWithdrawal},
		cfg.EventTypes)
}

func TestState(t *testing.T) {
	ta := newTestAPI(t, nil)
	_, err := ta.stateDB.Append(common.EventDeposit, 0, []ethCommon.Hash{
		ethCommon.BigToHash(big.NewInt(1)),
		ethCommon.BigToHash(big.NewInt(2)),
	})
	require.NoError(t, err)
	require.NoError(t, ta.stateDB.SetLastBlock(common.EventDeposit, 7))
	require.NoError(t, ta.stateDB.Checkpoint())

	code, res := ta.get(t, "/v1/state")
	require.Equal(t, http.StatusOK, code)
	var state stateAPI
	require.NoError(t, json.Unmarshal(res.Data, &state))
	assert.Equal(t, common.CycleNum(1), state.CycleNum)
	require.Contains(t, state.Trees, common.EventDeposit)
	assert.Equal(t, int64(2), state.Trees[common.EventDeposit].NumLeaves)
	assert.Equal(t, int64(7), state.Trees[common.EventDeposit].LastBlock)
	require.Contains(t, state.Trees, common.EventWithdrawal)
	assert.Equal(t, int64(0), state.Trees[common.EventWithdrawal].NumLeaves)
	assert.False(t, state.Trees[common.EventWithdrawal].HasLastBlock)
}

func TestCommitsHistoryDisabled(t *testing.T) {
	ta := newTestAPI(t, nil)
	code, _ := ta.get(t, "/v1/commits/deposit")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = ta.get(t, "/v1/commits/deposit/last")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetrics(t *testing.T) {
	ta := newTestAPI(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ta.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCommits(t *testing.T) {
	if testDB == nil {
		t.Skip("POSTGRES_PASS not set")
	}
	test.WipeDB(testDB)
	historyDB := historydb.NewHistoryDB(testDB, testDB)
	ta := newTestAPI(t, historyDB)

	code, _ := ta.get(t, "/v1/commits/transfer")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ta.get(t, "/v1/commits/deposit/last")
	assert.Equal(t, http.StatusNotFound, code)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, historyDB.AddCommit(&historydb.Commit{
			EventType:   common.EventDeposit,
			OldRoot:     ethCommon.BigToHash(big.NewInt(i)),
			NewRoot:     ethCommon.BigToHash(big.NewInt(i + 1)),
			FirstIndex:  i,
			NumLeaves:   1,
			Strategy:    "direct",
			Nonce:       i,
			GasPrice:    big.NewInt(1_000_000_000),
			EthBlockNum: 20 + i,
			CycleNum:    1,
		}, test.GenLeaves(i, 1)))
	}

	code, res := ta.get(t, "/v1/commits/deposit?fromIndex=1&limit=1")
	require.Equal(t, http.StatusOK, code)
	var commits []historydb.Commit
	require.NoError(t, json.Unmarshal(res.Data, &commits))
	require.Len(t, commits, 1)
	assert.Equal(t, int64(1), commits[0].FirstIndex)

	code, res = ta.get(t, "/v1/commits/withdrawal")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(res.Data))

	code, _ = ta.get(t, "/v1/commits/deposit?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ta.get(t, "/v1/commits/deposit?fromIndex=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = ta.get(t, "/v1/commits/deposit/last")
	require.Equal(t, http.StatusOK, code)
	var last historydb.Commit
	require.NoError(t, json.Unmarshal(res.Data, &last))
	assert.Equal(t, int64(2), last.FirstIndex)
}
