package chain

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog/log"

	boterr "github.com/miintlabs/miintradar/internal/errors"
)

// SubmitResult reports one submission attempt. Signature is populated as
// soon as the ledger accepted the bytes, even when the transaction later
// failed on-chain, so callers can always surface an explorer link.
type SubmitResult struct {
	Signature solana.Signature
	Confirmed bool
	Err       error
}

// Submitter sends a signed transaction without preflight simulation and
// polls for confirmation at a fixed commitment. Resubmission is bounded and
// happens only for transport-shaped send failures, never for rejections.
type Submitter struct {
	client       *rpc.Client
	commitment   rpc.CommitmentType
	resubmits    int
	confirmIn    time.Duration
	pollInterval time.Duration
}

func NewSubmitter(client *rpc.Client, commitment rpc.CommitmentType, resubmits int, confirmTimeout, pollInterval time.Duration) *Submitter {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if resubmits < 0 {
		resubmits = 0
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 60 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Submitter{
		client:       client,
		commitment:   commitment,
		resubmits:    resubmits,
		confirmIn:    confirmTimeout,
		pollInterval: pollInterval,
	}
}

func (s *Submitter) Submit(ctx context.Context, tx *solana.Transaction) SubmitResult {
	maxRetries := uint(s.resubmits)
	opts := rpc.TransactionOpts{
		SkipPreflight:       true,
		MaxRetries:          &maxRetries,
		PreflightCommitment: s.commitment,
	}

	var sig solana.Signature
	var sendErr error
	for attempt := 0; attempt <= s.resubmits; attempt++ {
		sig, sendErr = s.client.SendTransactionWithOpts(ctx, tx, opts)
		if sendErr == nil {
			break
		}
		var rpcErr *jsonrpc.RPCError
		if errors.As(sendErr, &rpcErr) {
			// Logical rejection; resubmitting the same bytes cannot help.
			return SubmitResult{Err: boterr.Wrap(boterr.KindTxFailed, "transaction rejected", sendErr)}
		}
		log.Warn().Err(sendErr).Int("attempt", attempt+1).Msg("transaction send failed, resubmitting")
	}
	if sendErr != nil {
		return SubmitResult{Err: boterr.Wrap(boterr.KindTransport, "send transaction", sendErr)}
	}

	return s.confirm(ctx, sig)
}

func (s *Submitter) confirm(ctx context.Context, sig solana.Signature) SubmitResult {
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmIn)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		out, err := s.client.GetSignatureStatuses(waitCtx, true, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return SubmitResult{
					Signature: sig,
					Err:       boterr.Newf(boterr.KindTxFailed, "transaction failed on-chain: %v", status.Err),
				}
			}
			if reached(status.ConfirmationStatus, s.commitment) {
				return SubmitResult{Signature: sig, Confirmed: true}
			}
		}
		// Transient polling failures are ignored until the timeout.

		select {
		case <-waitCtx.Done():
			return SubmitResult{
				Signature: sig,
				Err:       boterr.Wrap(boterr.KindTimeout, "timed out waiting for confirmation", waitCtx.Err()),
			}
		case <-ticker.C:
		}
	}
}

// reached reports whether the observed confirmation status satisfies the
// target commitment.
func reached(status rpc.ConfirmationStatusType, target rpc.CommitmentType) bool {
	rank := func(v string) int {
		switch v {
		case "processed":
			return 1
		case "confirmed":
			return 2
		case "finalized":
			return 3
		}
		return 0
	}
	return rank(string(status)) >= rank(string(target))
}
