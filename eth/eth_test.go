package eth

import (
	"strings"
	"testing"

	"github.com/superphiz/tornado-root-updater/eth/contracts/instance"
	"github.com/superphiz/tornado-root-updater/eth/contracts/registry"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTopics(t *testing.T) {
	instanceAbi, err := abi.JSON(strings.NewReader(instance.InstanceABI))
	require.NoError(t, err)
	assert.Equal(t, instanceAbi.Events["Deposit"].ID, logInstanceDeposit)
	assert.Equal(t, instanceAbi.Events["Withdrawal"].ID, logInstanceWithdrawal)

	registryAbi, err := abi.JSON(strings.NewReader(registry.RegistryABI))
	require.NoError(t, err)
	assert.Equal(t, registryAbi.Events["DepositData"].ID, logRegistryDepositData)
	assert.Equal(t, registryAbi.Events["WithdrawalData"].ID, logRegistryWithdrawalData)
}

func TestRegistryMethods(t *testing.T) {
	registryAbi, err := abi.JSON(strings.NewReader(registry.RegistryABI))
	require.NoError(t, err)
	for _, name := range []string{"depositRoot", "withdrawalRoot", "levels",
		"getRegisteredDeposits", "getRegisteredWithdrawals", "updateDepositRoot",
		"updateWithdrawalRoot", "updateDepositRootWithProof",
		"updateWithdrawalRootWithProof"} {
		_, ok := registryAbi.Methods[name]
		assert.True(t, ok, name)
	}
	assert.Equal(t, "updateDepositRoot(bytes32,bytes32,(address,bytes32,uint256,uint256)[])",
		registryAbi.Methods["updateDepositRoot"].Sig)
}
