package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/miintlabs/miintradar/internal/aggregator"
	"github.com/miintlabs/miintradar/internal/chain"
	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type memStore struct {
	mu       sync.Mutex
	profiles map[string]model.UserProfile
}

func newMemStore(profiles ...model.UserProfile) *memStore {
	m := &memStore{profiles: make(map[string]model.UserProfile)}
	for _, p := range profiles {
		m.profiles[p.UserID] = p
	}
	return m
}

func (m *memStore) Load(userID string) (model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return model.UserProfile{}, boterr.Newf(boterr.KindNotFound, "profile not found: %s", userID)
	}
	return p, nil
}

func (m *memStore) Update(userID string, fn func(*model.UserProfile) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return boterr.Newf(boterr.KindNotFound, "profile not found: %s", userID)
	}
	if err := fn(&p); err != nil {
		return err
	}
	m.profiles[userID] = p
	return nil
}

func (m *memStore) FindByReferralID(code string) (model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.ReferralID == code {
			return p, nil
		}
	}
	return model.UserProfile{}, boterr.Newf(boterr.KindNotFound, "referral code not found: %s", code)
}

type stubReader struct {
	native   uint64
	token    uint64
	decimals uint8
}

func (r *stubReader) NativeBalance(ctx context.Context, owner solana.PublicKey) uint64 {
	return r.native
}

func (r *stubReader) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8) {
	return r.token, r.decimals
}

func (r *stubReader) TokenDecimals(ctx context.Context, mint solana.PublicKey) uint8 {
	return r.decimals
}

type stubAggregator struct {
	quoteErr  error
	buildErr  error
	outAmount uint64
	rawTx     []byte
	quoted    int
}

func (a *stubAggregator) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (aggregator.Quote, error) {
	a.quoted++
	if a.quoteErr != nil {
		return aggregator.Quote{}, a.quoteErr
	}
	return aggregator.Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amount,
		OutAmount:  a.outAmount,
		Route:      "Orca",
		Raw:        json.RawMessage(`{}`),
	}, nil
}

func (a *stubAggregator) BuildSwap(ctx context.Context, quote aggregator.Quote, payer string, priorityFeeLamports uint64) ([]byte, error) {
	if a.buildErr != nil {
		return nil, a.buildErr
	}
	return a.rawTx, nil
}

type stubSubmitter struct {
	result chain.SubmitResult
}

func (s *stubSubmitter) Submit(ctx context.Context, tx *solana.Transaction) chain.SubmitResult {
	return s.result
}

// testWallet builds a profile whose active wallet has a real keypair, plus
// the serialized unsigned transaction the stub aggregator hands back.
func testWallet(t *testing.T, userID string) (model.UserProfile, []byte) {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := key.PublicKey()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1, owner, owner).Build(),
		},
		solana.Hash{},
		solana.TransactionPayer(owner),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("serialize transaction: %v", err)
	}

	profile := model.UserProfile{
		UserID:     userID,
		ReferralID: "ref" + userID,
		Wallets: []model.Wallet{
			{Index: 1, PublicKey: owner.String(), SecretKey: key.String(), Active: true},
		},
		Settings: model.Settings{SlippageBps: 1500, PriorityFeeLamports: 1_000_000},
	}
	return profile, raw
}

func confirmedSig() solana.Signature {
	var sig solana.Signature
	sig[0] = 7
	return sig
}

func TestExecuteSwapInsufficientBalance(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{outAmount: 1000, rawTx: raw}
	eng := New(store, &stubReader{native: 50_000_000}, agg, &stubSubmitter{}, Options{FeeBps: 100})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    100_000_000,
		Direction: model.Buy,
	})
	if !boterr.Is(err, boterr.KindInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if result.Outcome != model.OutcomeFailure {
		t.Fatalf("unexpected outcome %q", result.Outcome)
	}
	if agg.quoted != 0 {
		t.Fatal("quote requested despite failed validation")
	}
	stored, _ := store.Load("u1")
	if stored.TotalTrades != 0 || stored.TotalVolumeLamports != 0 {
		t.Fatalf("accumulators mutated on failure: %+v", stored)
	}
}

func TestExecuteSwapBuySuccess(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{outAmount: 123_000_000, rawTx: raw}
	sub := &stubSubmitter{result: chain.SubmitResult{Signature: confirmedSig(), Confirmed: true}}
	eng := New(store, &stubReader{native: 1_000_000_000, decimals: 6}, agg, sub, Options{FeeBps: 100})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    500_000_000,
		Direction: model.Buy,
	})
	if err != nil {
		t.Fatalf("ExecuteSwap failed: %v", err)
	}
	if result.Outcome != model.OutcomeSuccess {
		t.Fatalf("unexpected outcome %q", result.Outcome)
	}
	if result.OutAmount != 123_000_000 || result.OutDecimals != 6 {
		t.Fatalf("unexpected output %d (%d decimals)", result.OutAmount, result.OutDecimals)
	}
	if result.Signature == "" {
		t.Fatal("missing signature on success")
	}
	if result.FeeLamports != 5_000_000 {
		t.Fatalf("unexpected fee %d", result.FeeLamports)
	}

	stored, _ := store.Load("u1")
	if stored.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", stored.TotalTrades)
	}
	if stored.TotalVolumeLamports != 500_000_000 {
		t.Fatalf("volume = %d, want 500000000", stored.TotalVolumeLamports)
	}
	if stored.TotalFeesLamports != 5_000_000 {
		t.Fatalf("fees = %d, want 5000000", stored.TotalFeesLamports)
	}
}

func TestExecuteSwapSellValidatesTokenBalance(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{outAmount: 1, rawTx: raw}
	eng := New(store, &stubReader{token: 100}, agg, &stubSubmitter{}, Options{})

	_, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    500,
		Direction: model.Sell,
	})
	if !boterr.Is(err, boterr.KindInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if agg.quoted != 0 {
		t.Fatal("quote requested despite failed validation")
	}
}

func TestExecuteSwapSellSuccess(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{outAmount: 2_000_000_000, rawTx: raw}
	sub := &stubSubmitter{result: chain.SubmitResult{Signature: confirmedSig(), Confirmed: true}}
	eng := New(store, &stubReader{token: 1_000, decimals: 6}, agg, sub, Options{FeeBps: 100})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    400,
		Direction: model.Sell,
	})
	if err != nil {
		t.Fatalf("ExecuteSwap failed: %v", err)
	}
	if result.OutDecimals != 9 {
		t.Fatalf("sell output should be lamports, got %d decimals", result.OutDecimals)
	}

	stored, _ := store.Load("u1")
	// Volume counts the SOL side, which is the output on a sell.
	if stored.TotalVolumeLamports != 2_000_000_000 {
		t.Fatalf("volume = %d, want 2000000000", stored.TotalVolumeLamports)
	}
}

func TestExecuteSwapNoQuoteLeavesProfileUntouched(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{quoteErr: boterr.New(boterr.KindNoQuote, "no route"), rawTx: raw}
	eng := New(store, &stubReader{native: 1_000_000_000}, agg, &stubSubmitter{}, Options{FeeBps: 100})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    100,
		Direction: model.Buy,
	})
	if !boterr.Is(err, boterr.KindNoQuote) {
		t.Fatalf("expected NoQuote, got %v", err)
	}
	if result.FailureKind != string(boterr.KindNoQuote) {
		t.Fatalf("unexpected failure kind %q", result.FailureKind)
	}
	stored, _ := store.Load("u1")
	if stored.TotalTrades != 0 || stored.TotalVolumeLamports != 0 || stored.TotalFeesLamports != 0 {
		t.Fatalf("accumulators mutated on failure: %+v", stored)
	}
}

func TestExecuteSwapTxFailedCarriesSignature(t *testing.T) {
	profile, raw := testWallet(t, "u1")
	store := newMemStore(profile)
	agg := &stubAggregator{outAmount: 1000, rawTx: raw}
	sub := &stubSubmitter{result: chain.SubmitResult{
		Signature: confirmedSig(),
		Err:       boterr.New(boterr.KindTxFailed, "transaction failed on-chain"),
	}}
	eng := New(store, &stubReader{native: 1_000_000_000}, agg, sub, Options{FeeBps: 100})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    100,
		Direction: model.Buy,
	})
	if !boterr.Is(err, boterr.KindTxFailed) {
		t.Fatalf("expected TxFailed, got %v", err)
	}
	if result.Signature == "" {
		t.Fatal("on-chain failure must still carry the signature")
	}
	stored, _ := store.Load("u1")
	if stored.TotalTrades != 0 {
		t.Fatal("accumulators mutated on on-chain failure")
	}
}

func TestExecuteSwapCreditsReferrer(t *testing.T) {
	trader, raw := testWallet(t, "u1")
	referrer, _ := testWallet(t, "u2")
	trader.ReferredBy = referrer.ReferralID
	store := newMemStore(trader, referrer)

	agg := &stubAggregator{outAmount: 1000, rawTx: raw}
	sub := &stubSubmitter{result: chain.SubmitResult{Signature: confirmedSig(), Confirmed: true}}
	eng := New(store, &stubReader{native: 10_000_000_000, decimals: 6}, agg, sub, Options{FeeBps: 100, ReferralShareBps: 3000})

	result, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: testMint,
		Amount:    1_000_000_000,
		Direction: model.Buy,
	})
	if err != nil {
		t.Fatalf("ExecuteSwap failed: %v", err)
	}
	// fee = 1% of 1 SOL, bonus = 30% of the fee
	if result.BonusCredits != 3_000_000 {
		t.Fatalf("unexpected bonus %d", result.BonusCredits)
	}
	stored, _ := store.Load("u2")
	if stored.ReferralBonusLamports != 3_000_000 {
		t.Fatalf("referrer bonus = %d, want 3000000", stored.ReferralBonusLamports)
	}
}

func TestExecuteSwapInvalidMint(t *testing.T) {
	profile, _ := testWallet(t, "u1")
	store := newMemStore(profile)
	eng := New(store, &stubReader{}, &stubAggregator{}, &stubSubmitter{}, Options{})

	_, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "u1",
		TokenMint: "not-a-mint",
		Amount:    100,
		Direction: model.Buy,
	})
	if !boterr.Is(err, boterr.KindInvalidFormat) {
		t.Fatalf("expected InvalidFormat, got %v", err)
	}
}

func TestExecuteSwapUnknownUser(t *testing.T) {
	eng := New(newMemStore(), &stubReader{}, &stubAggregator{}, &stubSubmitter{}, Options{})
	_, err := eng.ExecuteSwap(context.Background(), model.SwapRequest{
		UserID:    "ghost",
		TokenMint: testMint,
		Amount:    100,
		Direction: model.Buy,
	})
	if !boterr.Is(err, boterr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
