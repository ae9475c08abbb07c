package coordinator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"
	"github.com/superphiz/tornado-root-updater/log"
)

// ProversPool contains the idle proof servers
type ProversPool struct {
	pool chan prover.Client
}

// NewProversPool creates a pool with the given proof servers, all idle
func NewProversPool(serverProofs []prover.Client) *ProversPool {
	p := &ProversPool{
		pool: make(chan prover.Client, len(serverProofs)),
	}
	for _, serverProof := range serverProofs {
		p.pool <- serverProof
	}
	return p
}

// Get returns the next idle proof server, blocking until there is one
func (p *ProversPool) Get(ctx context.Context) (prover.Client, error) {
	select {
	case <-ctx.Done():
		log.Info("ServerProofPool.Get done")
		return nil, common.Wrap(common.ErrDone)
	case serverProof := <-p.pool:
		return serverProof, nil
	}
}

// Put returns a proof server to the pool
func (p *ProversPool) Put(serverProof prover.Client) {
	p.pool <- serverProof
}

// Len returns the number of idle proof servers
func (p *ProversPool) Len() int {
	return len(p.pool)
}

// Prove computes the proof of zki in the next idle proof server.  The proof
// server goes back to the pool when done, and its computation is canceled
// if the proof can not be retrieved.
func (p *ProversPool) Prove(ctx context.Context,
	zki *common.ZKInputs) (prover.Client, *prover.Proof, []*big.Int, error) {
	serverProof, err := p.Get(ctx)
	if err != nil {
		return nil, nil, nil, common.Wrap(err)
	}
	defer p.Put(serverProof)
	if err := serverProof.WaitReady(ctx); err != nil {
		return serverProof, nil, nil, common.Wrap(err)
	}
	if err := serverProof.CalculateProof(ctx, zki); err != nil {
		return serverProof, nil, nil, common.Wrap(fmt.Errorf("CalculateProof: %w", err))
	}
	proof, pubInputs, err := serverProof.GetProof(ctx)
	if err != nil {
		if errCancel := serverProof.Cancel(context.Background()); errCancel != nil {
			log.Errorw("ServerProof.Cancel", "err", errCancel)
		}
		return serverProof, nil, nil, common.Wrap(fmt.Errorf("GetProof: %w", err))
	}
	return serverProof, proof, pubInputs, nil
}
