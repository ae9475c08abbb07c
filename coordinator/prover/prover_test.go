package prover

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProof = `{"pi_a":["1","2","1"],"pi_b":[["3","4"],["5","6"],["1","0"]],` +
	`"pi_c":["7","8","1"],"protocol":"groth"}`

type mockServer struct {
	sync.Mutex
	status   StatusCode
	polls    int
	inputs   []map[string]interface{}
	canceled bool
}

func (m *mockServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		m.Lock()
		defer m.Unlock()
		m.polls++
		// The proof is ready after two polls
		if m.status == StatusCodeBusy && m.polls > 2 {
			m.status = StatusCodeSuccess
		}
		status := Status{Status: m.status}
		if m.status == StatusCodeSuccess {
			status.Proof = testProof
			status.PubData = `["42"]`
		}
		require.NoError(t, json.NewEncoder(w).Encode(status))
	})
	mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		m.Lock()
		defer m.Unlock()
		if m.status == StatusCodeBusy {
			w.WriteHeader(http.StatusBadRequest)
			require.NoError(t, json.NewEncoder(w).Encode(
				ErrorServer{Status: m.status, Message: "busy"}))
			return
		}
		var input map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		m.inputs = append(m.inputs, input)
		m.status = StatusCodeBusy
		m.polls = 0
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		m.Lock()
		defer m.Unlock()
		m.canceled = true
		m.status = StatusCodeAborted
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func testZKInputs(t *testing.T) *common.ZKInputs {
	leaf := common.LeafRecord{
		Instance:  ethCommon.HexToAddress("0x1111111111111111111111111111111111111111"),
		ValueHash: ethCommon.BigToHash(big.NewInt(7)),
		BlockNum:  10,
		Index:     1,
	}
	batch := &common.CommitBatch{
		EventType: common.EventDeposit,
		OldRoot:   ethCommon.BigToHash(big.NewInt(1)),
		NewRoot:   ethCommon.BigToHash(big.NewInt(2)),
		Leaves:    []common.LeafRecord{leaf},
	}
	zki, err := common.NewZKInputs("tree-update-20", 20, batch,
		[]ethCommon.Hash{ethCommon.BigToHash(big.NewInt(3))})
	require.NoError(t, err)
	return zki
}

func TestProofServerClient(t *testing.T) {
	m := &mockServer{status: StatusCodeReady}
	server := httptest.NewServer(m.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := NewProofServerClient(server.URL, 10*time.Millisecond)
	require.NoError(t, client.WaitReady(ctx))
	require.NoError(t, client.CalculateProof(ctx, testZKInputs(t)))

	// A second input while busy is rejected with the server error
	err := client.CalculateProof(ctx, testZKInputs(t))
	require.Error(t, err)
	errSrv, ok := common.Unwrap(err).(ErrorServer)
	require.True(t, ok)
	assert.Equal(t, StatusCodeBusy, errSrv.Status)

	proof, pubInputs, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), proof.PiA[0])
	assert.Equal(t, big.NewInt(6), proof.PiB[1][1])
	assert.Equal(t, "groth", proof.Protocol)
	assert.Equal(t, []*big.Int{big.NewInt(42)}, pubInputs)

	m.Lock()
	require.Len(t, m.inputs, 1)
	assert.Equal(t, "deposit", m.inputs[0]["eventType"])
	assert.Equal(t, "1", m.inputs[0]["pathIndices"])
	assert.Equal(t, []interface{}{"3"}, m.inputs[0]["oldLeaves"])
	m.Unlock()

	require.NoError(t, client.Cancel(ctx))
	m.Lock()
	assert.True(t, m.canceled)
	m.Unlock()
}

func TestProofServerClientContextDone(t *testing.T) {
	m := &mockServer{status: StatusCodeInitializing}
	server := httptest.NewServer(m.handler(t))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client := NewProofServerClient(server.URL, 10*time.Millisecond)
	require.Error(t, client.WaitReady(ctx))
	m.Lock()
	assert.Greater(t, m.polls, 1)
	m.Unlock()
}

func TestProofBytes(t *testing.T) {
	var proof Proof
	require.NoError(t, json.Unmarshal([]byte(testProof), &proof))
	b := proof.Bytes()
	require.Len(t, b, 8*32)
	word := func(i int) int64 { return new(big.Int).SetBytes(b[32*i : 32*(i+1)]).Int64() }
	assert.Equal(t, []int64{1, 2, 4, 3, 6, 5, 7, 8},
		[]int64{word(0), word(1), word(2), word(3), word(4), word(5), word(6), word(7)})

	bad := `{"pi_a":["1","2","0"],"pi_b":[["3","4"],["5","6"],["1","0"]],` +
		`"pi_c":["7","8","1"],"protocol":"groth"}`
	require.Error(t, json.Unmarshal([]byte(bad), &proof))
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	client := &MockClient{Delay: time.Millisecond}
	require.NoError(t, client.WaitReady(ctx))
	require.NoError(t, client.CalculateProof(ctx, testZKInputs(t)))
	proof, pubInputs, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), proof.PiA[0])
	assert.Equal(t, []*big.Int{big.NewInt(142)}, pubInputs)
	assert.Len(t, proof.Bytes(), 256)
}
