package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGasPrice(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"1","message":"OK","result":{"LastBlock":"100",`+
			`"SafeGasPrice":"10","ProposeGasPrice":"12.5","FastGasPrice":"15"}}`)
	}))
	defer server.Close()

	service, err := NewEtherscanService(server.URL+"/", "key")
	require.NoError(t, err)
	gasPrice, err := service.GetGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12.5", gasPrice.ProposeGasPrice)
	assert.Equal(t, []string{"gasoracle"}, query["action"])
	assert.Equal(t, []string{"key"}, query["apikey"])

	wei, err := gasPrice.ProposeWei()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12_500_000_000), wei)
}

func TestGetGasPriceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":{}}`)
	}))
	defer server.Close()

	service, err := NewEtherscanService(server.URL+"/", "")
	require.NoError(t, err)
	_, err = service.GetGasPrice(context.Background())
	require.Error(t, err)

	_, err = (&GasPriceEtherscan{ProposeGasPrice: "fast"}).ProposeWei()
	require.Error(t, err)
}
