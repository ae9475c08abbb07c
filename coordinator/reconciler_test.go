package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler(t *testing.T) {
	ts := newTestSetup(t)
	r := NewReconciler(ts.client, ts.stateDB, time.Second)
	assert.Equal(t, ReconcilerClean, r.State())

	conflict, err := r.Check(context.Background(), common.EventDeposit, ethCommon.Hash{}, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, conflict)

	_, err = ts.stateDB.Append(common.EventDeposit, 0, []ethCommon.Hash{value(1)})
	require.NoError(t, err)
	ts.client.CtlSetRoot(common.EventDeposit, value(2))
	conflict, err = r.Check(context.Background(), common.EventDeposit, value(3), 1, 10)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, value(2), conflict.RegistryRoot)
	assert.Equal(t, value(3), conflict.LocalRoot)
	assert.True(t, errors.Is(conflict, common.ErrRootConflict))

	// first conflict: flush
	require.NoError(t, r.Resolve(conflict))
	assert.Equal(t, ReconcilerResynced, r.State())
	n, err := ts.stateDB.NumLeaves(common.EventDeposit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// second conflict: fatal, no flush
	_, err = ts.stateDB.Append(common.EventDeposit, 0, []ethCommon.Hash{value(1)})
	require.NoError(t, err)
	err = r.Resolve(conflict)
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.Equal(t, ReconcilerFatal, r.State())
	n, err = ts.stateDB.NumLeaves(common.EventDeposit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r.Reset()
	assert.Equal(t, ReconcilerClean, r.State())
}

func TestReconcilerRegistryError(t *testing.T) {
	ts := newTestSetup(t)
	r := NewReconciler(ts.client, ts.stateDB, time.Second)
	ts.client.CtlSetRegistryErr(errors.New("node down"))
	_, err := r.Check(context.Background(), common.EventWithdrawal, ethCommon.Hash{}, 1, 10)
	require.Error(t, err)
	assert.False(t, common.IsFatal(err))
	assert.Equal(t, ReconcilerClean, r.State())
}

func TestReconcilerDivergence(t *testing.T) {
	ts := newTestSetup(t)
	r := NewReconciler(ts.client, ts.stateDB, time.Second)
	_, err := ts.stateDB.Append(common.EventDeposit, 0, []ethCommon.Hash{value(1)})
	require.NoError(t, err)

	cause := fmt.Errorf("%w: index 0", common.ErrStateDivergence)
	conflict := NewDivergenceConflict(common.EventDeposit, cause)
	assert.True(t, errors.Is(conflict, common.ErrRootConflict))
	assert.Contains(t, conflict.Error(), "index 0")

	require.NoError(t, r.Resolve(conflict))
	assert.Equal(t, ReconcilerResynced, r.State())
	n, err := ts.stateDB.NumLeaves(common.EventDeposit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	err = r.Resolve(conflict)
	require.Error(t, err)
	assert.True(t, errors.Is(common.Unwrap(err), common.ErrFatalRootConflict))
	assert.Equal(t, ReconcilerFatal, r.State())
}
