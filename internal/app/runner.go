package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/miintlabs/miintradar/internal/aggregator"
	"github.com/miintlabs/miintradar/internal/chain"
	"github.com/miintlabs/miintradar/internal/config"
	"github.com/miintlabs/miintradar/internal/dispatch"
	"github.com/miintlabs/miintradar/internal/engine"
	"github.com/miintlabs/miintradar/internal/httpx"
	"github.com/miintlabs/miintradar/internal/logger"
	"github.com/miintlabs/miintradar/internal/market"
	"github.com/miintlabs/miintradar/internal/model"
	"github.com/miintlabs/miintradar/internal/profile"
	"github.com/miintlabs/miintradar/internal/telegram"
	"github.com/miintlabs/miintradar/internal/version"
	"github.com/miintlabs/miintradar/internal/wallet"
)

type Runner struct {
	flags config.GlobalFlags
}

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Run(args []string) int {
	root := r.newRootCommand()
	root.SetArgs(args)
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func (r *Runner) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.AppName,
		Short: "Custodial Solana trading terminal",
	}
	bindGlobalFlags(cmd.PersistentFlags(), &r.flags)

	cmd.AddCommand(r.newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (r *Runner) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trading bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			settings, err := config.Load(r.flags)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if settings.TelegramToken == "" {
				return fmt.Errorf("MIINT_TELEGRAM_TOKEN is required")
			}
			logger.Init(version.AppName, settings.Debug)

			store, err := profile.Open(settings.StorePath, settings.StoreLockPath)
			if err != nil {
				return fmt.Errorf("open profile store: %w", err)
			}
			defer func() { _ = store.Close() }()

			httpClient := httpx.New(settings.Timeout, settings.Retries)
			// Long polls outlive the per-request timeout.
			pollClient := httpx.New(settings.Timeout+pollTimeoutSec*time.Second, 0)

			rpcClient := rpc.New(settings.RPCURL)
			commitment := rpc.CommitmentType(settings.Commitment)
			reader := chain.NewReader(rpcClient, commitment)
			submitter := chain.NewSubmitter(rpcClient, commitment, settings.SubmitRetries, settings.ConfirmTimeout, settings.ConfirmInterval)
			agg := aggregator.New(httpClient, settings.AggregatorBase, settings.AggregatorKey)
			mkt := market.New(httpClient, settings.MarketDataBase)
			tg := telegram.New(pollClient, settings.TelegramToken)

			provisioner := wallet.NewProvisioner(model.Settings{
				SlippageBps:         settings.DefaultSlippageBps,
				PriorityFeeLamports: settings.DefaultPriorityFee,
			})
			eng := engine.New(store, reader, agg, submitter, engine.Options{
				FeeBps:           settings.TradeFeeBps,
				ReferralShareBps: settings.ReferralShareBps,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			disp := dispatch.New(ctx, 32)
			defer disp.Close()

			bot := NewBot(tg, store, provisioner, eng, reader, mkt, disp, settings.ConfirmTimeout+settings.Timeout)
			log.Info().Str("rpc", settings.RPCURL).Msg("bot started")

			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("bot stopped")
			return nil
		},
	}
}

func bindGlobalFlags(fs *pflag.FlagSet, flags *config.GlobalFlags) {
	fs.StringVar(&flags.ConfigPath, "config", "", "path to config file")
	fs.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&flags.Timeout, "timeout", "", "per-request timeout, e.g. 10s")
	fs.IntVar(&flags.Retries, "retries", -1, "HTTP retry count")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Long())
		},
	}
}
