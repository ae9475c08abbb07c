package eth

import (
	"context"

	"github.com/superphiz/tornado-root-updater/common"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EndpointClient is a connection to one of the nodes that signed transactions
// are broadcast to
type EndpointClient struct {
	url    string
	client *ethclient.Client
}

// DialEndpoint connects to the node at url
func DialEndpoint(ctx context.Context, url string) (*EndpointClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &EndpointClient{url: url, client: client}, nil
}

// NewEndpointClient wraps an already connected client
func NewEndpointClient(url string, client *ethclient.Client) *EndpointClient {
	return &EndpointClient{url: url, client: client}
}

// Endpoint returns the url of the node
func (e *EndpointClient) Endpoint() string {
	return e.url
}

// SendTransaction submits a signed transaction to the node
func (e *EndpointClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return common.Wrap(e.client.SendTransaction(ctx, tx))
}

// Close the connection
func (e *EndpointClient) Close() {
	e.client.Close()
}
