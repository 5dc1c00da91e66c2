// Package session holds the pure transformations over a loaded profile:
// active-wallet selection, trading preferences, and the single pending
// free-text input. Callers persist the returned profile.
package session

import (
	"math"
	"strconv"
	"strings"

	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

const (
	MinSlippageBps = 0
	MaxSlippageBps = 10000
)

// SetActiveWallet flips the active flag to the wallet at index; exactly one
// wallet is active afterwards. The profile is untouched on failure.
func SetActiveWallet(p model.UserProfile, index int) (model.UserProfile, error) {
	found := false
	for _, w := range p.Wallets {
		if w.Index == index {
			found = true
			break
		}
	}
	if !found {
		return p, boterr.Newf(boterr.KindNotFound, "wallet %d does not exist", index)
	}
	for i := range p.Wallets {
		p.Wallets[i].Active = p.Wallets[i].Index == index
	}
	p.Pending = nil
	return p, nil
}

func SetSlippage(p model.UserProfile, bps int) (model.UserProfile, error) {
	if bps < MinSlippageBps || bps > MaxSlippageBps {
		return p, boterr.Newf(boterr.KindOutOfRange, "slippage %d bps outside [%d, %d]", bps, MinSlippageBps, MaxSlippageBps)
	}
	p.Settings.SlippageBps = bps
	p.Pending = nil
	return p, nil
}

func SetPriorityFee(p model.UserProfile, lamports int64) (model.UserProfile, error) {
	if lamports < 0 {
		return p, boterr.New(boterr.KindOutOfRange, "priority fee must be non-negative")
	}
	p.Settings.PriorityFeeLamports = uint64(lamports)
	p.Pending = nil
	return p, nil
}

// SetReferrer records who referred this user. It only succeeds once, on
// first contact, and never self-referentially.
func SetReferrer(p model.UserProfile, code string) (model.UserProfile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return p, boterr.New(boterr.KindInvalidFormat, "empty referral code")
	}
	if p.ReferredBy != "" {
		return p, boterr.New(boterr.KindOutOfRange, "referrer already set")
	}
	if code == p.ReferralID {
		return p, boterr.New(boterr.KindInvalidFormat, "cannot use own referral code")
	}
	p.ReferredBy = code
	return p, nil
}

// BeginPendingInput marks the next free-text message as the reply for tag.
// Any previous pending input is replaced.
func BeginPendingInput(p model.UserProfile, tag model.InputTag, context string) model.UserProfile {
	p.Pending = &model.PendingInput{Tag: tag, Context: context}
	return p
}

// ClearPendingInput drops the pending input, as any unrelated successful
// action must.
func ClearPendingInput(p model.UserProfile) model.UserProfile {
	p.Pending = nil
	return p
}

// Resolution is what a consumed pending input turned into. For setting tags
// the profile is already updated; for a buy-amount tag the caller executes
// the trade with Lamports against Context's mint.
type Resolution struct {
	Tag      model.InputTag
	Context  string
	Lamports uint64
}

// ResolvePendingInput parses rawText under the profile's pending tag,
// applies the matching setter, and clears the pending state. With no input
// pending it fails NotFound; an unparseable reply fails InvalidFormat and
// leaves the pending state in place so the user can retry.
func ResolvePendingInput(p model.UserProfile, rawText string) (model.UserProfile, Resolution, error) {
	if p.Pending == nil {
		return p, Resolution{}, boterr.New(boterr.KindNotFound, "no input pending")
	}
	pending := *p.Pending
	res := Resolution{Tag: pending.Tag, Context: pending.Context}

	switch pending.Tag {
	case model.InputSlippage:
		pct, err := strconv.ParseFloat(strings.TrimSpace(rawText), 64)
		if err != nil {
			return p, Resolution{}, boterr.Wrap(boterr.KindInvalidFormat, "slippage must be a percentage", err)
		}
		updated, err := SetSlippage(p, int(math.Round(pct*100)))
		if err != nil {
			return p, Resolution{}, err
		}
		return updated, res, nil

	case model.InputPriorityFee:
		sol, err := strconv.ParseFloat(strings.TrimSpace(rawText), 64)
		if err != nil {
			return p, Resolution{}, boterr.Wrap(boterr.KindInvalidFormat, "priority fee must be a SOL amount", err)
		}
		updated, err := SetPriorityFee(p, int64(math.Round(sol*1e9)))
		if err != nil {
			return p, Resolution{}, err
		}
		return updated, res, nil

	case model.InputBuyAmount:
		sol, err := strconv.ParseFloat(strings.TrimSpace(rawText), 64)
		if err != nil || sol <= 0 {
			return p, Resolution{}, boterr.New(boterr.KindInvalidFormat, "buy amount must be a positive SOL amount")
		}
		res.Lamports = uint64(math.Round(sol * 1e9))
		p.Pending = nil
		return p, res, nil

	default:
		p.Pending = nil
		return p, Resolution{}, boterr.Newf(boterr.KindInvalidFormat, "unknown pending input tag %q", pending.Tag)
	}
}
