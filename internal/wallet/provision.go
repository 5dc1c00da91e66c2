package wallet

import (
	"crypto/rand"
	"math/big"

	"github.com/gagliardetto/solana-go"

	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

const referralIDLength = 6

// Provisioner generates the fixed keypair pool for first-contact users.
type Provisioner struct {
	defaultSettings model.Settings
}

func NewProvisioner(defaults model.Settings) *Provisioner {
	return &Provisioner{defaultSettings: defaults}
}

// Provision builds a fresh profile: five independent keypairs from the
// system CSPRNG, wallet 1 active, default settings, a new referral id.
// Secrets are base58-encoded whole 64-byte private keys. The caller is
// responsible for persisting the result exactly once per user id.
func (p *Provisioner) Provision(userID string) (model.UserProfile, error) {
	wallets := make([]model.Wallet, 0, model.WalletCount)
	for i := 0; i < model.WalletCount; i++ {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return model.UserProfile{}, boterr.Wrap(boterr.KindInternal, "generate keypair", err)
		}
		wallets = append(wallets, model.Wallet{
			Index:     i + 1,
			PublicKey: key.PublicKey().String(),
			SecretKey: key.String(),
			Active:    i == 0,
		})
	}

	refID, err := newReferralID()
	if err != nil {
		return model.UserProfile{}, err
	}

	return model.UserProfile{
		UserID:     userID,
		Wallets:    wallets,
		Settings:   p.defaultSettings,
		ReferralID: refID,
	}, nil
}

const referralAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newReferralID() (string, error) {
	out := make([]byte, referralIDLength)
	max := big.NewInt(int64(len(referralAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", boterr.Wrap(boterr.KindInternal, "generate referral id", err)
		}
		out[i] = referralAlphabet[n.Int64()]
	}
	return string(out), nil
}
