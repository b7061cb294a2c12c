// Package bot wires the engine together and owns its lifecycle.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/api"
	"github.com/susu3304/wagerbot/internal/archive"
	"github.com/susu3304/wagerbot/internal/channel"
	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/commands"
	"github.com/susu3304/wagerbot/internal/config"
	"github.com/susu3304/wagerbot/internal/db"
	"github.com/susu3304/wagerbot/internal/flow"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/offer"
	"github.com/susu3304/wagerbot/internal/outbound"
	"github.com/susu3304/wagerbot/internal/persist"
	"github.com/susu3304/wagerbot/internal/recovery"
	"github.com/susu3304/wagerbot/internal/router"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/sweeper"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

// Archive stores and lists finished sessions.
type Archive interface {
	ArchiveSession(ctx context.Context, s *session.Session) error
	List(ctx context.Context, limit int) ([]archive.Record, error)
}

// Options override collaborators New would otherwise build from config.
type Options struct {
	Transport transport.Transport
	Backend   wallet.Backend
	Archive   Archive
	Clock     clock.Clock
}

type Bot struct {
	cfg       *config.Config
	clock     clock.Clock
	transport transport.Transport
	queue     *outbound.Queue
	store     *session.Store
	ledger    *ledger.Ledger
	persist   *persist.Store
	flow      *flow.Handler
	offers    *offer.Handler
	router    *router.Router
	sweeper   *sweeper.Sweeper
	api       *api.API
	prices    *priceRefresher
	logger    *log.Entry

	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func New(cfg *config.Config, opts Options) (*Bot, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}

	patterns, err := cfg.AddressPatternMap()
	if err != nil {
		return nil, err
	}
	addrs := wallet.NewAddresses(patterns)
	text, err := flow.NewText(flow.TextConfig{
		OfferPattern:         cfg.OfferPattern,
		DicePattern:          cfg.DiceResultPattern,
		GameStartPattern:     cfg.GameStartPattern,
		CancellationKeywords: cfg.CancellationKeywords,
		ResetKeywords:        cfg.ResetKeywords,
		TurnTriggers:         cfg.TurnTriggers,
		ConfirmationPhrases:  cfg.ConfirmationPhrases,
	})
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:       cfg,
		clock:     c,
		transport: opts.Transport,
		logger:    log.WithField("component", "bot"),
	}

	backend := opts.Backend
	if backend == nil {
		prices := wallet.NewCoinGecko(cfg.PriceAPIURL)
		backend = NewBackend(cfg, addrs, prices)
		b.prices = newPriceRefresher(prices, cfg.PaymentNetwork, 50*time.Second)
	}

	b.queue = outbound.New(opts.Transport, outbound.Options{
		MinGap:   cfg.MinOutboundGap(),
		MaxGap:   cfg.MaxOutboundGap(),
		NoJitter: cfg.VerificationMode,
		Clock:    c,
	})
	b.store = session.NewStore(cfg.OfferTTL, cfg.SessionNamePatterns)
	b.ledger = ledger.New(c, ledger.DefaultProcessedCap)
	b.persist = persist.New(cfg.StatePath, b.store, b.ledger, c)

	policy := channel.NewPolicy(cfg.SessionNamePatterns, cfg.ExcludedNamePatterns, cfg.MonitoredChannelIDs, cfg.BlocklistedChannelIDs)
	var archiver flow.Archiver
	if opts.Archive != nil {
		archiver = opts.Archive
	}
	b.flow = flow.New(flow.Config{
		Coordinators:     cfg.CoordinatorIDs,
		Trusted:          cfg.TrustedSenderIDs,
		DiceBots:         cfg.DiceBotIDs,
		SelfAddresses:    cfg.SelfAddresses,
		AddressPolicy:    cfg.AddressSenderPolicy,
		Network:          strings.ToLower(cfg.PaymentNetwork),
		TaxRate:          cfg.TaxRate,
		WinsNeeded:       cfg.WinsNeeded,
		BotWinsTies:      cfg.BotWinsTies,
		DiceCommand:      cfg.DiceCommandToken,
		ActionDelay:      cfg.ActionDelay(),
		VouchDelay:       cfg.VouchDelay(),
		LiveTransfers:    cfg.EnableLiveTransfers,
		MinPayment:       cfg.MinPaymentUSD,
		MaxPerTx:         cfg.MaxPaymentPerTxUSD,
		MaxDaily:         cfg.MaxDailyUSD,
		VouchChannel:     cfg.VouchChannelID,
		VerificationMode: cfg.VerificationMode,
		Templates: flow.Templates{
			Win:         cfg.WinTemplate,
			Loss:        cfg.LossTemplate,
			Payout:      cfg.PayoutTemplate,
			PaymentSent: cfg.PaymentSentTemplate,
			Vouch:       cfg.VouchTemplate,
		},
	}, flow.Deps{
		Store:   b.store,
		Ledger:  b.ledger,
		Out:     b.queue,
		Backend: backend,
		Addrs:   addrs,
		Text:    text,
		Policy:  policy,
		Clock:   c,
		SelfID:  opts.Transport.SelfID,
		Persist: b.persist,
		Archive: archiver,
	})

	b.offers = offer.New(offer.Config{
		Pattern:          text.Offer,
		MaxAmount:        cfg.OfferMaxAmount,
		TaxRate:          cfg.TaxRate,
		Cooldown:         cfg.OfferCooldown(),
		MinDelay:         cfg.MinReplyDelay(),
		MaxDelay:         cfg.MaxReplyDelay(),
		Templates:        cfg.Templates(),
		VerificationMode: cfg.VerificationMode,
	}, b.store, b.queue, c, nil)

	b.router = router.New(router.Deps{
		Ledger:   b.ledger,
		Store:    b.store,
		Policy:   policy,
		Channels: opts.Transport,
		Offers:   b.offers,
		Sessions: b.flow,
		Commands: commands.New(backend, b.store, strings.ToLower(cfg.PaymentNetwork), cfg.OperatorIDs),
		Out:      b.queue,
	})

	var sweepArchive sweeper.Archiver
	if opts.Archive != nil {
		sweepArchive = opts.Archive
	}
	b.sweeper = sweeper.New(sweeper.Options{
		IdleHorizon:   cfg.IdleHorizon,
		CompleteGrace: cfg.CompleteGrace,
	}, b.store, sweepArchive, b.persist, b.offers, c)

	if cfg.WebBind != "" {
		var arch api.Archive
		if opts.Archive != nil {
			arch = opts.Archive
		}
		b.api = api.New(cfg.WebBind, cfg.JWTSecret, b.store, b.ledger, arch)
	}
	return b, nil
}

// NewBackend returns the signer client when live transfers are enabled and a
// dry-run backend otherwise.
func NewBackend(cfg *config.Config, addrs *wallet.Addresses, prices wallet.PriceFeed) wallet.Backend {
	if cfg.EnableLiveTransfers {
		b := wallet.NewHTTPBackend(cfg.WalletAPIURL, cfg.WalletAPIKey, prices, addrs)
		b.Payout = cfg.PayoutAddress
		return b
	}
	return &wallet.DryRun{Addrs: addrs, Prices: prices, Payout: cfg.PayoutAddress}
}

// OpenArchive connects the Postgres archive when DATABASE_URL is set and
// opens the local bbolt file otherwise. The returned func releases it.
func OpenArchive(ctx context.Context, cfg *config.Config) (Archive, func(), error) {
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.RunMigrations(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return database, database.Close, nil
	}
	if cfg.ArchivePath == "" {
		return nil, func() {}, nil
	}
	store, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close archive")
		}
	}, nil
}

// Start loads state, connects the transport, catches up on missed messages
// and starts the background jobs.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.persist.Load(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.stopped = make(chan struct{})
	go func() {
		defer close(b.stopped)
		b.queue.Run(runCtx)
	}()

	// Live events wait until missed history has been replayed.
	b.router.Hold()
	b.registerHandlers(runCtx)
	if err := b.transport.Open(); err != nil {
		cancel()
		return err
	}

	b.flow.Reconcile(runCtx)
	replayed := recovery.Run(runCtx, b.store, b.transport, b.router, recovery.Options{
		SelfID: b.transport.SelfID(),
		Now:    b.clock.Now(),
	})
	held := b.router.Release(runCtx)
	if replayed > 0 || held > 0 {
		b.logger.WithFields(log.Fields{"messages": replayed, "held": held}).Info("recovered missed messages")
	}

	if err := b.persist.StartAutosave(runCtx, b.cfg.AutosaveInterval); err != nil {
		cancel()
		return err
	}
	if err := b.sweeper.Start(runCtx, b.cfg.SweepInterval); err != nil {
		cancel()
		return err
	}
	b.prices.start(runCtx)
	if b.api != nil {
		go func() {
			if err := b.api.Start(runCtx); err != nil {
				b.logger.WithError(err).Error("API server error")
			}
		}()
	}

	b.logger.WithFields(log.Fields{
		"sessions": b.store.Len(),
		"live":     b.cfg.EnableLiveTransfers,
		"self_id":  b.transport.SelfID(),
	}).Info("bot is running")
	return nil
}

// Stop drains outbound messages, writes a final snapshot and disconnects.
func (b *Bot) Stop(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		b.sweeper.Stop()
		b.persist.Stop()
		b.prices.stop()

		if derr := b.queue.Drain(ctx); derr != nil {
			b.logger.WithError(derr).Warn("outbound queue not drained")
		}
		if b.cancel != nil {
			b.cancel()
			<-b.stopped
		}
		if ferr := b.persist.Flush(ctx); ferr != nil {
			err = fmt.Errorf("final flush: %w", ferr)
		}
		if cerr := b.transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.logger.Info("bot stopped")
	})
	return err
}

// Vouch re-invokes the acknowledgement for channelID. It posts at most once
// per channel.
func (b *Bot) Vouch(ctx context.Context, channelID string) (bool, error) {
	return b.flow.Vouch(ctx, channelID)
}

// Sweep runs one housekeeping pass immediately.
func (b *Bot) Sweep(ctx context.Context) sweeper.Result {
	return b.sweeper.Sweep(ctx)
}

func (b *Bot) Store() *session.Store   { return b.store }
func (b *Bot) Ledger() *ledger.Ledger  { return b.ledger }
func (b *Bot) Queue() *outbound.Queue  { return b.queue }
func (b *Bot) Persist() *persist.Store { return b.persist }
