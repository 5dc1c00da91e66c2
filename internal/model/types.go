package model

import "time"

// WalletCount is the fixed size of the keypair pool provisioned per user.
const WalletCount = 5

// Wallet is one custodial keypair. SecretKey is the base58 encoding of the
// full 64-byte ed25519 private key and must never leave the owning user's
// profile except when shown to that user on request.
type Wallet struct {
	Index     int    `json:"index"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
	Active    bool   `json:"active"`
}

type Settings struct {
	SlippageBps         int    `json:"slippage_bps"`
	PriorityFeeLamports uint64 `json:"priority_fee_lamports"`
}

// InputTag names the free-text reply a profile is waiting for.
type InputTag string

const (
	InputSlippage    InputTag = "slippage"
	InputPriorityFee InputTag = "priority_fee"
	InputBuyAmount   InputTag = "buy_amount"
)

// PendingInput records that the next free-text message from the user should
// be interpreted under Tag. Context carries tag-specific data, e.g. the token
// mint a custom buy amount applies to.
type PendingInput struct {
	Tag     InputTag `json:"tag"`
	Context string   `json:"context,omitempty"`
}

// UserProfile is the whole persisted record for one user. Exactly one wallet
// is active at all times; accumulators only ever grow.
type UserProfile struct {
	UserID                string        `json:"user_id"`
	Wallets               []Wallet      `json:"wallets"`
	Settings              Settings      `json:"settings"`
	ReferralID            string        `json:"referral_id"`
	ReferredBy            string        `json:"referred_by,omitempty"`
	TotalTrades           uint64        `json:"total_trades"`
	TotalVolumeLamports   uint64        `json:"total_volume_lamports"`
	TotalFeesLamports     uint64        `json:"total_fees_lamports"`
	ReferralBonusLamports uint64        `json:"referral_bonus_lamports"`
	Pending               *PendingInput `json:"pending,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// ActiveWallet returns the single active wallet. Profiles are provisioned
// with wallet 1 active, so the fallback only guards corrupted records.
func (p *UserProfile) ActiveWallet() Wallet {
	for _, w := range p.Wallets {
		if w.Active {
			return w
		}
	}
	if len(p.Wallets) > 0 {
		return p.Wallets[0]
	}
	return Wallet{}
}

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// SwapRequest is one trade invocation. Amount is already in base units:
// lamports for a buy (SOL in), token base units for a sell.
type SwapRequest struct {
	UserID    string
	TokenMint string
	Amount    uint64
	Direction Direction
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SwapResult is ephemeral; only its numeric side effects are persisted.
// Signature is set even for on-chain failures so callers can link to an
// explorer.
type SwapResult struct {
	Outcome      Outcome
	Signature    string
	InAmount     uint64
	OutAmount    uint64
	OutDecimals  uint8
	FailureKind  string
	FeeLamports  uint64
	BonusCredits uint64
}

// TokenInfo is display-only market data. Unknown marks the documented
// placeholder set used when the provider cannot be reached.
type TokenInfo struct {
	Mint           string
	Name           string
	Symbol         string
	PriceUSD       float64
	MarketCapUSD   float64
	LiquidityUSD   float64
	PriceChange24h float64
	Unknown        bool
}

// UnknownToken is the degraded lookup result for a mint.
func UnknownToken(mint string) TokenInfo {
	return TokenInfo{Mint: mint, Name: "Unknown", Symbol: "?", Unknown: true}
}
