package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/etherscan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxManagerGasPrice(t *testing.T) {
	ts := newTestSetup(t)
	cfg := newTestConfig()
	cfg.GasPriceIncPerc = 10
	cfg.MaxGasPrice = 0
	txManager, err := NewTxManager(context.Background(), &cfg, ts.client,
		[]Broadcaster{ts.client}, nil)
	require.NoError(t, err)

	gasPrice, err := txManager.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_100_000_000), gasPrice)

	// ceiling in gwei
	cfg.MaxGasPrice = 1
	txManager, err = NewTxManager(context.Background(), &cfg, ts.client,
		[]Broadcaster{ts.client}, nil)
	require.NoError(t, err)
	gasPrice, err = txManager.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), gasPrice)
}

func TestTxManagerGasPriceEtherscan(t *testing.T) {
	fail := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if fail {
			fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`)
			return
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":{"LastBlock":"100",`+
			`"SafeGasPrice":"2","ProposeGasPrice":"3","FastGasPrice":"4"}}`)
	}))
	defer server.Close()
	service, err := etherscan.NewEtherscanService(server.URL+"/", "key")
	require.NoError(t, err)

	ts := newTestSetup(t)
	cfg := newTestConfig()
	txManager, err := NewTxManager(context.Background(), &cfg, ts.client,
		[]Broadcaster{ts.client}, service)
	require.NoError(t, err)
	gasPrice, err := txManager.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000_000), gasPrice)

	// falls back to the node
	fail = true
	gasPrice, err = txManager.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), gasPrice)
}

func TestTxManagerPrepare(t *testing.T) {
	ts := newTestSetup(t)
	cfg := newTestConfig()
	txManager, err := NewTxManager(context.Background(), &cfg, ts.client,
		[]Broadcaster{ts.client}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), txManager.Nonce())

	// a commit sent by another process with the same account
	ts.client.CtlSetAutoMine(false)
	_, err = ts.client.CtlCommit(&common.CommitBatch{EventType: common.EventDeposit})
	require.NoError(t, err)
	require.NoError(t, txManager.Prepare(context.Background()))
	assert.Equal(t, uint64(1), txManager.Nonce())
	assert.Equal(t, StatusIdle, txManager.Status())
}

func TestNewTxManagerNoBroadcasters(t *testing.T) {
	ts := newTestSetup(t)
	cfg := newTestConfig()
	_, err := NewTxManager(context.Background(), &cfg, ts.client, nil, nil)
	assert.Error(t, err)
}
