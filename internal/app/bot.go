package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/miintlabs/miintradar/internal/chain"
	"github.com/miintlabs/miintradar/internal/dispatch"
	"github.com/miintlabs/miintradar/internal/engine"
	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/market"
	"github.com/miintlabs/miintradar/internal/model"
	"github.com/miintlabs/miintradar/internal/profile"
	"github.com/miintlabs/miintradar/internal/session"
	"github.com/miintlabs/miintradar/internal/telegram"
	"github.com/miintlabs/miintradar/internal/wallet"
)

const pollTimeoutSec = 30

// Bot glues the transport to the core: it parses events, runs them on the
// per-user dispatcher, and renders structured results. All display strings
// live here; the core below only returns data.
type Bot struct {
	tg          *telegram.Client
	store       *profile.Store
	provisioner *wallet.Provisioner
	engine      *engine.Engine
	reader      *chain.Reader
	market      *market.Client
	disp        *dispatch.Dispatcher
	opTimeout   time.Duration
}

func NewBot(tg *telegram.Client, store *profile.Store, provisioner *wallet.Provisioner, eng *engine.Engine, reader *chain.Reader, mkt *market.Client, disp *dispatch.Dispatcher, opTimeout time.Duration) *Bot {
	return &Bot{
		tg:          tg,
		store:       store,
		provisioner: provisioner,
		engine:      eng,
		reader:      reader,
		market:      mkt,
		disp:        disp,
		opTimeout:   opTimeout,
	}
}

// Run polls the transport until ctx is cancelled, feeding each event to its
// user's lane so same-user operations stay ordered.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := b.tg.Poll(ctx, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("poll updates failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, ev := range events {
			offset = ev.UpdateID
			ev := ev
			if err := b.disp.Do(ev.UserID, func(taskCtx context.Context) {
				b.handle(taskCtx, ev)
			}); err != nil {
				log.Warn().Err(err).Str("user", ev.UserID).Msg("dispatch event failed")
			}
		}
	}
}

func (b *Bot) handle(ctx context.Context, ev telegram.Event) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	prof, err := b.store.GetOrCreate(ev.UserID, func() (model.UserProfile, error) {
		return b.provisioner.Provision(ev.UserID)
	})
	if err != nil {
		log.Error().Err(err).Str("user", ev.UserID).Msg("load profile failed")
		b.say(ctx, ev.ChatID, "Something went wrong, try again.")
		return
	}

	if ev.CallbackID != "" {
		_ = b.tg.AnswerCallback(ctx, ev.CallbackID)
	}
	if ev.Action != "" {
		b.handleAction(ctx, ev, prof)
		return
	}
	b.handleText(ctx, ev, prof)
}

func (b *Bot) handleText(ctx context.Context, ev telegram.Event, prof model.UserProfile) {
	text := strings.TrimSpace(ev.Text)
	switch {
	case strings.HasPrefix(text, "/start ref_"):
		b.dropPending(ev.UserID, prof)
		code := strings.TrimPrefix(text, "/start ref_")
		b.applyReferral(ctx, ev, prof, code)

	case text == "/start":
		b.dropPending(ev.UserID, prof)
		b.say(ctx, ev.ChatID, "Terminal online. Paste a token address to trade.")

	case prof.Pending != nil:
		b.resolvePending(ctx, ev, text)

	case looksLikeMint(text):
		b.sendDashboard(ctx, ev.ChatID, prof, text)

	default:
		b.say(ctx, ev.ChatID, "Paste a token address to trade, or /start.")
	}
}

func (b *Bot) handleAction(ctx context.Context, ev telegram.Event, prof model.UserProfile) {
	action := ev.Action
	switch {
	case action == "menu_main":
		b.dropPending(ev.UserID, prof)
		b.say(ctx, ev.ChatID, "Paste a token address to trade.")

	case action == "menu_ref":
		b.dropPending(ev.UserID, prof)
		b.sendReferralMenu(ctx, ev.ChatID, prof)

	case action == "menu_wallets":
		b.dropPending(ev.UserID, prof)
		b.sendWalletMenu(ctx, ev.ChatID, prof)

	case strings.HasPrefix(action, "wallet_use_"):
		idx, err := strconv.Atoi(strings.TrimPrefix(action, "wallet_use_"))
		if err != nil {
			return
		}
		b.switchWallet(ctx, ev, idx)

	case strings.HasPrefix(action, "wallet_key_"):
		idx, err := strconv.Atoi(strings.TrimPrefix(action, "wallet_key_"))
		if err != nil {
			return
		}
		b.dropPending(ev.UserID, prof)
		// Secrets only ever go back to the profile owner: prof was loaded
		// by ev.UserID and this reply targets the same chat.
		b.showSecret(ctx, ev.ChatID, prof, idx)

	case action == "set_slippage":
		b.beginInput(ctx, ev, model.InputSlippage, "", "Send the new slippage tolerance as a percent, e.g. 15")

	case action == "set_fee":
		b.beginInput(ctx, ev, model.InputPriorityFee, "", "Send the new priority fee in SOL, e.g. 0.001")

	case strings.HasPrefix(action, "dash_"):
		b.dropPending(ev.UserID, prof)
		b.sendDashboard(ctx, ev.ChatID, prof, strings.TrimPrefix(action, "dash_"))

	case strings.HasPrefix(action, "buy_custom_"):
		mint := strings.TrimPrefix(action, "buy_custom_")
		b.beginInput(ctx, ev, model.InputBuyAmount, mint, "Send the buy amount in SOL, e.g. 0.25")

	case strings.HasPrefix(action, "buy_"):
		rest := strings.TrimPrefix(action, "buy_")
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			return
		}
		sol, err := strconv.ParseFloat(parts[0], 64)
		if err != nil || sol <= 0 {
			return
		}
		b.dropPending(ev.UserID, prof)
		b.executeTrade(ctx, ev, model.SwapRequest{
			UserID:    ev.UserID,
			TokenMint: parts[1],
			Amount:    uint64(sol * 1e9),
			Direction: model.Buy,
		})

	case strings.HasPrefix(action, "sell_"):
		rest := strings.TrimPrefix(action, "sell_")
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			return
		}
		pct, err := strconv.Atoi(parts[0])
		if err != nil || pct <= 0 || pct > 100 {
			return
		}
		b.dropPending(ev.UserID, prof)
		b.executeSell(ctx, ev, prof, parts[1], pct)
	}
}

func (b *Bot) applyReferral(ctx context.Context, ev telegram.Event, prof model.UserProfile, code string) {
	err := b.store.Update(ev.UserID, func(p *model.UserProfile) error {
		updated, err := session.SetReferrer(*p, code)
		if err != nil {
			return err
		}
		*p = updated
		return nil
	})
	if err != nil {
		b.say(ctx, ev.ChatID, "Welcome back. Paste a token address to trade.")
		return
	}
	b.say(ctx, ev.ChatID, "Welcome! Your referral was recorded.")
}

func (b *Bot) resolvePending(ctx context.Context, ev telegram.Event, text string) {
	var res session.Resolution
	err := b.store.Update(ev.UserID, func(p *model.UserProfile) error {
		updated, resolution, err := session.ResolvePendingInput(*p, text)
		if err != nil {
			return err
		}
		*p = updated
		res = resolution
		return nil
	})
	if err != nil {
		if boterr.Is(err, boterr.KindInvalidFormat) || boterr.Is(err, boterr.KindOutOfRange) {
			b.say(ctx, ev.ChatID, "That value does not parse, try again.")
			return
		}
		b.say(ctx, ev.ChatID, "Something went wrong, try again.")
		return
	}

	switch res.Tag {
	case model.InputBuyAmount:
		b.executeTrade(ctx, ev, model.SwapRequest{
			UserID:    ev.UserID,
			TokenMint: res.Context,
			Amount:    res.Lamports,
			Direction: model.Buy,
		})
	default:
		b.say(ctx, ev.ChatID, "Settings updated.")
	}
}

func (b *Bot) switchWallet(ctx context.Context, ev telegram.Event, idx int) {
	err := b.store.Update(ev.UserID, func(p *model.UserProfile) error {
		updated, err := session.SetActiveWallet(*p, idx)
		if err != nil {
			return err
		}
		*p = updated
		return nil
	})
	if err != nil {
		if boterr.Is(err, boterr.KindNotFound) {
			b.say(ctx, ev.ChatID, fmt.Sprintf("Wallet %d does not exist.", idx))
			return
		}
		b.say(ctx, ev.ChatID, "Something went wrong, try again.")
		return
	}
	b.say(ctx, ev.ChatID, fmt.Sprintf("Active wallet is now W%d.", idx))
}

func (b *Bot) showSecret(ctx context.Context, chatID int64, prof model.UserProfile, idx int) {
	for _, w := range prof.Wallets {
		if w.Index == idx {
			b.say(ctx, chatID, fmt.Sprintf("W%d private key:\n`%s`\n\nAnyone with this key controls the wallet.", idx, w.SecretKey))
			return
		}
	}
	b.say(ctx, chatID, fmt.Sprintf("Wallet %d does not exist.", idx))
}

// dropPending discards a leftover pending input. Every handled command or
// action that is not the pending reply itself goes through here, so a stale
// prompt never intercepts the user's next free-text message. The input-arming
// actions skip it: they replace the pending state instead.
func (b *Bot) dropPending(userID string, prof model.UserProfile) {
	if prof.Pending == nil {
		return
	}
	err := b.store.Update(userID, func(p *model.UserProfile) error {
		*p = session.ClearPendingInput(*p)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("clear pending input failed")
	}
}

func (b *Bot) beginInput(ctx context.Context, ev telegram.Event, tag model.InputTag, tagContext, prompt string) {
	err := b.store.Update(ev.UserID, func(p *model.UserProfile) error {
		*p = session.BeginPendingInput(*p, tag, tagContext)
		return nil
	})
	if err != nil {
		b.say(ctx, ev.ChatID, "Something went wrong, try again.")
		return
	}
	b.say(ctx, ev.ChatID, prompt)
}

func (b *Bot) executeSell(ctx context.Context, ev telegram.Event, prof model.UserProfile, mintStr string, pct int) {
	mint, err := solana.PublicKeyFromBase58(mintStr)
	if err != nil {
		b.say(ctx, ev.ChatID, "That token address does not parse.")
		return
	}
	owner, err := solana.PublicKeyFromBase58(prof.ActiveWallet().PublicKey)
	if err != nil {
		b.say(ctx, ev.ChatID, "Something went wrong, try again.")
		return
	}
	balance, _ := b.reader.TokenBalance(ctx, owner, mint)
	amount := balance * uint64(pct) / 100
	if amount == 0 {
		b.say(ctx, ev.ChatID, "Nothing to sell in the active wallet.")
		return
	}
	b.executeTrade(ctx, ev, model.SwapRequest{
		UserID:    ev.UserID,
		TokenMint: mintStr,
		Amount:    amount,
		Direction: model.Sell,
	})
}

func (b *Bot) executeTrade(ctx context.Context, ev telegram.Event, req model.SwapRequest) {
	result, err := b.engine.ExecuteSwap(ctx, req)
	if err != nil {
		b.say(ctx, ev.ChatID, renderFailure(result, err))
		return
	}
	b.say(ctx, ev.ChatID, renderSuccess(req, result))
}

func (b *Bot) sendDashboard(ctx context.Context, chatID int64, prof model.UserProfile, mint string) {
	info := b.market.Lookup(ctx, mint)

	active := prof.ActiveWallet()
	var balanceSOL float64
	if owner, err := solana.PublicKeyFromBase58(active.PublicKey); err == nil {
		balanceSOL = lamportsToSOL(b.reader.NativeBalance(ctx, owner))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* (%s)\n`%s`\n\n", info.Name, info.Symbol, mint)
	if !info.Unknown {
		fmt.Fprintf(&sb, "Price: $%.6f | MCap: $%.0f\n", info.PriceUSD, info.MarketCapUSD)
		fmt.Fprintf(&sb, "Liquidity: $%.0f | 24h: %.1f%%\n", info.LiquidityUSD, info.PriceChange24h)
	} else {
		sb.WriteString("Market data unavailable.\n")
	}
	fmt.Fprintf(&sb, "\nWallet: W%d (%.4f SOL)\n", active.Index, balanceSOL)
	fmt.Fprintf(&sb, "Slippage: %.1f%%", float64(prof.Settings.SlippageBps)/100)

	rows := [][]telegram.Button{
		{
			{Label: "Refresh", Action: "dash_" + mint},
		},
		{
			{Label: "Buy 0.1", Action: "buy_0.1_" + mint},
			{Label: "Buy 0.5", Action: "buy_0.5_" + mint},
			{Label: "Buy 1.0", Action: "buy_1.0_" + mint},
		},
		{
			{Label: "Buy 2.0", Action: "buy_2.0_" + mint},
			{Label: "Buy 5.0", Action: "buy_5.0_" + mint},
			{Label: "Buy X", Action: "buy_custom_" + mint},
		},
		{
			{Label: "Sell 50%", Action: "sell_50_" + mint},
			{Label: "Sell 100%", Action: "sell_100_" + mint},
		},
		{
			{Label: "Referrals", Action: "menu_ref"},
			{Label: "Wallets", Action: "menu_wallets"},
			{Label: "Slippage", Action: "set_slippage"},
		},
	}
	if err := b.tg.SendMessage(ctx, chatID, sb.String(), rows); err != nil {
		log.Warn().Err(err).Msg("send dashboard failed")
	}
}

func (b *Bot) sendWalletMenu(ctx context.Context, chatID int64, prof model.UserProfile) {
	var sb strings.Builder
	sb.WriteString("*Your wallets*\n\n")
	rows := make([][]telegram.Button, 0, len(prof.Wallets)+1)
	for _, w := range prof.Wallets {
		marker := " "
		if w.Active {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s W%d `%s`\n", marker, w.Index, w.PublicKey)
		rows = append(rows, []telegram.Button{
			{Label: fmt.Sprintf("Use W%d", w.Index), Action: fmt.Sprintf("wallet_use_%d", w.Index)},
			{Label: fmt.Sprintf("Key W%d", w.Index), Action: fmt.Sprintf("wallet_key_%d", w.Index)},
		})
	}
	rows = append(rows, []telegram.Button{{Label: "Priority fee", Action: "set_fee"}, {Label: "Back", Action: "menu_main"}})
	if err := b.tg.SendMessage(ctx, chatID, sb.String(), rows); err != nil {
		log.Warn().Err(err).Msg("send wallet menu failed")
	}
}

func (b *Bot) sendReferralMenu(ctx context.Context, chatID int64, prof model.UserProfile) {
	var sb strings.Builder
	sb.WriteString("*Referral program*\n\n")
	fmt.Fprintf(&sb, "Earnings: %.4f SOL\n", lamportsToSOL(prof.ReferralBonusLamports))
	fmt.Fprintf(&sb, "Your code: `%s`\n", prof.ReferralID)
	fmt.Fprintf(&sb, "Trades: %d | Volume: %.4f SOL", prof.TotalTrades, lamportsToSOL(prof.TotalVolumeLamports))
	rows := [][]telegram.Button{{{Label: "Back", Action: "menu_main"}}}
	if err := b.tg.SendMessage(ctx, chatID, sb.String(), rows); err != nil {
		log.Warn().Err(err).Msg("send referral menu failed")
	}
}

func (b *Bot) say(ctx context.Context, chatID int64, text string) {
	if err := b.tg.SendMessage(ctx, chatID, text, nil); err != nil {
		log.Warn().Err(err).Int64("chat", chatID).Msg("send message failed")
	}
}

func renderSuccess(req model.SwapRequest, res model.SwapResult) string {
	var sb strings.Builder
	if req.Direction == model.Buy {
		fmt.Fprintf(&sb, "Bought %s for %.4f SOL", formatUnits(res.OutAmount, res.OutDecimals), lamportsToSOL(res.InAmount))
	} else {
		fmt.Fprintf(&sb, "Sold for %.4f SOL", lamportsToSOL(res.OutAmount))
	}
	fmt.Fprintf(&sb, "\nhttps://solscan.io/tx/%s", res.Signature)
	return sb.String()
}

func renderFailure(res model.SwapResult, err error) string {
	switch boterr.KindOf(err) {
	case boterr.KindInsufficientBalance:
		return "Insufficient balance in the active wallet."
	case boterr.KindNoQuote:
		return "No route found for that token."
	case boterr.KindNoSwapTransaction:
		return "The route went stale, try again."
	case boterr.KindTxFailed:
		if res.Signature != "" {
			return fmt.Sprintf("Transaction failed on-chain.\nhttps://solscan.io/tx/%s", res.Signature)
		}
		return "Transaction failed."
	case boterr.KindTimeout:
		return "Timed out waiting for the network, the trade may not have landed."
	default:
		return "Trade failed, try again."
	}
}

func looksLikeMint(text string) bool {
	if len(text) < 32 || len(text) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(text)
	return err == nil
}

func lamportsToSOL(v uint64) float64 {
	return float64(v) / 1e9
}

func formatUnits(v uint64, decimals uint8) string {
	divisor := 1.0
	for i := uint8(0); i < decimals; i++ {
		divisor *= 10
	}
	return strconv.FormatFloat(float64(v)/divisor, 'f', -1, 64)
}
