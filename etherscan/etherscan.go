package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/superphiz/tornado-root-updater/common"

	"github.com/dghubble/sling"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	statusOK               = "1"
)

type etherscanResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  GasPriceEtherscan `json:"result"`
}

// GasPriceEtherscan definition.  Prices are in gwei.
type GasPriceEtherscan struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// ProposeWei returns the proposed gas price in wei
func (g *GasPriceEtherscan) ProposeWei() (*big.Int, error) {
	gwei, ok := new(big.Float).SetString(g.ProposeGasPrice)
	if !ok {
		return nil, common.Wrap(fmt.Errorf("invalid gas price %q", g.ProposeGasPrice))
	}
	wei, _ := gwei.Mul(gwei, big.NewFloat(1e9)).Int(nil) //nolint:gomnd
	return wei, nil
}

// Service definition
type Service struct {
	clientEtherscan *sling.Sling
	apiKey          string
}

// Client is the interface to a gas price oracle
type Client interface {
	// Blocking.  Returns the gas price.
	GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error)
}

// NewEtherscanService is the constructor that creates an etherscanService
func NewEtherscanService(etherscanURL string, apikey string) (*Service, error) {
	// Init
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr}
	return &Service{
		clientEtherscan: sling.New().Base(etherscanURL).Client(httpClient),
		apiKey:          apikey,
	}, nil
}

type gasOracleParams struct {
	Module string `url:"module"`
	Action string `url:"action"`
	APIKey string `url:"apikey,omitempty"`
}

// GetGasPrice retrieves the gas price estimation from etherscan
func (p *Service) GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error) {
	var resBody etherscanResponse
	params := gasOracleParams{Module: "gastracker", Action: "gasoracle", APIKey: p.apiKey}
	req, err := p.clientEtherscan.New().Get("api").QueryStruct(&params).Request()
	if err != nil {
		return nil, common.Wrap(err)
	}
	res, err := p.clientEtherscan.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode != http.StatusOK {
		return nil, common.Wrap(fmt.Errorf("http response is not is %v", res.StatusCode))
	}
	if resBody.Status != statusOK {
		return nil, common.Wrap(fmt.Errorf("response status is %v: %v",
			resBody.Status, resBody.Message))
	}
	return &resBody.Result, nil
}
