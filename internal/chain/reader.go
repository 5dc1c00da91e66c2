// Package chain wraps the Solana JSON-RPC surface the engine needs: best
// effort balance reads and transaction submission with confirmation.
package chain

import (
	"context"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"
)

const fallbackTokenDecimals = 6

// Reader performs read-only ledger queries. Every read degrades to zero on
// failure; callers must treat zero as unknown-or-empty, never as proof of an
// empty wallet.
type Reader struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewReader(client *rpc.Client, commitment rpc.CommitmentType) *Reader {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Reader{client: client, commitment: commitment}
}

// NativeBalance returns the SOL balance in lamports, zero on any failure.
func (r *Reader) NativeBalance(ctx context.Context, owner solana.PublicKey) uint64 {
	out, err := r.client.GetBalance(ctx, owner, r.commitment)
	if err != nil || out == nil {
		log.Debug().Err(err).Str("owner", owner.String()).Msg("native balance read failed")
		return 0
	}
	return out.Value
}

// TokenBalance returns the owner's balance of mint in base units together
// with the mint's decimals, zeros on any failure. The associated token
// account is the single holding location this custody model uses.
func (r *Reader) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, 0
	}
	out, err := r.client.GetTokenAccountBalance(ctx, ata, r.commitment)
	if err != nil || out == nil || out.Value == nil {
		log.Debug().Err(err).Str("owner", owner.String()).Str("mint", mint.String()).Msg("token balance read failed")
		return 0, 0
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, 0
	}
	return amount, out.Value.Decimals
}

// TokenDecimals reads the mint's declared decimal precision, falling back
// to a fixed default when the supply read fails.
func (r *Reader) TokenDecimals(ctx context.Context, mint solana.PublicKey) uint8 {
	out, err := r.client.GetTokenSupply(ctx, mint, r.commitment)
	if err != nil || out == nil || out.Value == nil {
		log.Debug().Err(err).Str("mint", mint.String()).Msg("token decimals read failed, using fallback")
		return fallbackTokenDecimals
	}
	return out.Value.Decimals
}
