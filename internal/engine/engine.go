// Package engine orchestrates one swap from the caller's perspective as a
// single operation: validate, quote, build, sign, submit, confirm, record.
// Stages are strictly sequential; each consumes the previous stage's output.
package engine

import (
	"context"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/miintlabs/miintradar/internal/aggregator"
	"github.com/miintlabs/miintradar/internal/chain"
	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

// ProfileStore is the persistence contract the engine needs: atomic whole
// record reads and per-user-serialized read-modify-write.
type ProfileStore interface {
	Load(userID string) (model.UserProfile, error)
	Update(userID string, fn func(*model.UserProfile) error) error
	FindByReferralID(code string) (model.UserProfile, error)
}

type BalanceReader interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) uint64
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8)
	TokenDecimals(ctx context.Context, mint solana.PublicKey) uint8
}

type Aggregator interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (aggregator.Quote, error)
	BuildSwap(ctx context.Context, quote aggregator.Quote, payer string, priorityFeeLamports uint64) ([]byte, error)
}

type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction) chain.SubmitResult
}

type Options struct {
	// FeeBps is the platform fee taken on the SOL side of each trade,
	// tracked as bookkeeping on the profile.
	FeeBps int
	// ReferralShareBps is the referrer's share of that fee.
	ReferralShareBps int
}

type Engine struct {
	store      ProfileStore
	reader     BalanceReader
	aggregator Aggregator
	submitter  Submitter
	opts       Options
}

func New(store ProfileStore, reader BalanceReader, agg Aggregator, sub Submitter, opts Options) *Engine {
	return &Engine{
		store:      store,
		reader:     reader,
		aggregator: agg,
		submitter:  sub,
		opts:       opts,
	}
}

// ExecuteSwap runs the whole pipeline for one trade. Accumulators are
// mutated only on a confirmed success; every failure leaves the persisted
// profile exactly as it was.
func (e *Engine) ExecuteSwap(ctx context.Context, req model.SwapRequest) (model.SwapResult, error) {
	profile, err := e.store.Load(req.UserID)
	if err != nil {
		return failure(err), err
	}

	mint, err := solana.PublicKeyFromBase58(req.TokenMint)
	if err != nil {
		err = boterr.Wrap(boterr.KindInvalidFormat, "invalid token mint", err)
		return failure(err), err
	}
	active := profile.ActiveWallet()
	owner, err := solana.PublicKeyFromBase58(active.PublicKey)
	if err != nil {
		err = boterr.Wrap(boterr.KindInternal, "corrupt active wallet", err)
		return failure(err), err
	}
	if req.Amount == 0 {
		err = boterr.New(boterr.KindOutOfRange, "amount must be positive")
		return failure(err), err
	}

	// Validating. The engine re-checks the relevant side itself: under
	// concurrent trades from the same wallet a caller-side check is stale
	// by the time we quote. A zero read counts as insufficient.
	if err := e.validateBalance(ctx, req, owner, mint); err != nil {
		return failure(err), err
	}

	// Quoting. Direction picks the input side; amounts are base units.
	inputMint, outputMint := aggregator.WSOLMint, req.TokenMint
	if req.Direction == model.Sell {
		inputMint, outputMint = req.TokenMint, aggregator.WSOLMint
	}
	quote, err := e.aggregator.Quote(ctx, inputMint, outputMint, req.Amount, profile.Settings.SlippageBps)
	if err != nil {
		return failure(err), err
	}

	// Building.
	rawTx, err := e.aggregator.BuildSwap(ctx, quote, active.PublicKey, profile.Settings.PriorityFeeLamports)
	if err != nil {
		return failure(err), err
	}

	// Signing. The secret is re-derived from its persisted encoding for the
	// duration of this call only and never logged.
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		err = boterr.Wrap(boterr.KindNoSwapTransaction, "decode unsigned transaction", err)
		return failure(err), err
	}
	secret, err := solana.PrivateKeyFromBase58(active.SecretKey)
	if err != nil {
		err = boterr.Wrap(boterr.KindInternal, "corrupt wallet secret", err)
		return failure(err), err
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &secret
		}
		return nil
	}); err != nil {
		err = boterr.Wrap(boterr.KindInternal, "sign transaction", err)
		return failure(err), err
	}

	// Submitting and confirming.
	submitted := e.submitter.Submit(ctx, tx)
	if submitted.Err != nil {
		res := failure(submitted.Err)
		res.Signature = submitted.Signature.String()
		if submitted.Signature.IsZero() {
			res.Signature = ""
		}
		return res, submitted.Err
	}

	// Recording. Volume and fees are denominated on the SOL side.
	solSide := req.Amount
	outDecimals := uint8(9)
	if req.Direction == model.Buy {
		outDecimals = e.reader.TokenDecimals(ctx, mint)
	} else {
		solSide = quote.OutAmount
	}
	fee := uint64(0)
	if e.opts.FeeBps > 0 {
		fee = solSide * uint64(e.opts.FeeBps) / 10000
	}

	if err := e.store.Update(req.UserID, func(p *model.UserProfile) error {
		p.TotalTrades++
		p.TotalVolumeLamports += solSide
		p.TotalFeesLamports += fee
		return nil
	}); err != nil {
		// The trade confirmed; surface the record failure but keep the result.
		log.Error().Err(err).Str("user", req.UserID).Msg("record confirmed trade")
	}

	bonus := e.creditReferrer(profile, fee)

	log.Info().
		Str("user", req.UserID).
		Str("direction", string(req.Direction)).
		Str("signature", submitted.Signature.String()).
		Str("route", quote.Route).
		Uint64("in", req.Amount).
		Uint64("out", quote.OutAmount).
		Msg("swap confirmed")

	return model.SwapResult{
		Outcome:      model.OutcomeSuccess,
		Signature:    submitted.Signature.String(),
		InAmount:     req.Amount,
		OutAmount:    quote.OutAmount,
		OutDecimals:  outDecimals,
		FeeLamports:  fee,
		BonusCredits: bonus,
	}, nil
}

func (e *Engine) validateBalance(ctx context.Context, req model.SwapRequest, owner, mint solana.PublicKey) error {
	switch req.Direction {
	case model.Buy:
		if balance := e.reader.NativeBalance(ctx, owner); balance < req.Amount {
			return boterr.Newf(boterr.KindInsufficientBalance, "balance %d lamports below trade amount %d", balance, req.Amount)
		}
	case model.Sell:
		if balance, _ := e.reader.TokenBalance(ctx, owner, mint); balance < req.Amount {
			return boterr.Newf(boterr.KindInsufficientBalance, "token balance %d below trade amount %d", balance, req.Amount)
		}
	default:
		return boterr.Newf(boterr.KindInvalidFormat, "unknown direction %q", req.Direction)
	}
	return nil
}

// creditReferrer credits the referrer's bonus accumulator with their share
// of the fee. Best effort: a missing or stale referral code never fails the
// confirmed trade.
func (e *Engine) creditReferrer(profile model.UserProfile, fee uint64) uint64 {
	if profile.ReferredBy == "" || fee == 0 || e.opts.ReferralShareBps <= 0 {
		return 0
	}
	share := fee * uint64(e.opts.ReferralShareBps) / 10000
	if share == 0 {
		return 0
	}
	referrer, err := e.store.FindByReferralID(profile.ReferredBy)
	if err != nil {
		log.Debug().Err(err).Str("code", profile.ReferredBy).Msg("referrer lookup failed")
		return 0
	}
	if err := e.store.Update(referrer.UserID, func(p *model.UserProfile) error {
		p.ReferralBonusLamports += share
		return nil
	}); err != nil {
		log.Debug().Err(err).Str("referrer", referrer.UserID).Msg("referral credit failed")
		return 0
	}
	return share
}

func failure(err error) model.SwapResult {
	return model.SwapResult{
		Outcome:     model.OutcomeFailure,
		FailureKind: string(boterr.KindOf(err)),
	}
}
