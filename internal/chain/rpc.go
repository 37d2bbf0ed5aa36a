package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"chaintv/internal/logging"
)

// RPCClient implements Client against a Solana JSON-RPC endpoint.
type RPCClient struct {
	rpc *rpc.Client
}

func NewRPCClient(endpoint string) *RPCClient {
	return &RPCClient{rpc: rpc.New(endpoint)}
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (Checkpoint, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return Checkpoint{}, classify(err)
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, fmt.Errorf("%w: empty blockhash response", ErrTransport)
	}
	return Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	h, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classify(err)
	}
	return h, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, classify(err)
	}
	logging.Chain.Info().Str("signature", sig.String()).Msg("transaction submitted")
	return sig, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*Status, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, classify(err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	st := out.Value[0]
	return &Status{
		Slot:               st.Slot,
		ConfirmationStatus: string(st.ConfirmationStatus),
		Err:                st.Err,
	}, nil
}

// classify separates node-side rejections from transport failures.
func classify(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
