package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/davencooke/predmarket/internal/crypto"
	"github.com/davencooke/predmarket/internal/domain"
	"github.com/davencooke/predmarket/internal/engine"
	"github.com/davencooke/predmarket/internal/notify"
	"github.com/davencooke/predmarket/internal/server"
	"github.com/davencooke/predmarket/internal/server/handler"
	"github.com/davencooke/predmarket/internal/server/ws"
	"github.com/davencooke/predmarket/internal/service"
	"github.com/davencooke/predmarket/internal/treasury"
)

// services bundles the write and read services built on the replayed engine.
type services struct {
	settlement *service.SettlementService
	market     *service.MarketService
	vault      *treasury.Vault
}

// buildServices constructs the in-memory engine under the configured owner,
// replays the journal into it, and returns the settlement and read services.
func (a *App) buildServices(ctx context.Context, deps *Dependencies) (*services, error) {
	if !common.IsHexAddress(a.cfg.Engine.Owner) {
		return nil, fmt.Errorf("app: invalid engine owner %q", a.cfg.Engine.Owner)
	}
	owner := common.HexToAddress(a.cfg.Engine.Owner)

	vault := treasury.NewVault(a.logger)
	market := engine.NewMarket(owner, vault, crypto.QuestionKey)

	settlement := service.NewSettlementService(
		market,
		deps.QuestionStore,
		deps.BetStore,
		deps.PayoutStore,
		deps.RoleStore,
		deps.AuditStore,
		deps.QuestionCache,
		deps.SignalBus,
		deps.LockManager,
		deps.RateLimiter,
		deps.Notifier,
		a.logger,
	)

	if err := settlement.Replay(ctx, vault); err != nil {
		return nil, fmt.Errorf("app: replay journal: %w", err)
	}

	reads := service.NewMarketService(
		deps.QuestionStore,
		deps.BetStore,
		deps.PayoutStore,
		deps.AuditStore,
		deps.QuestionCache,
		a.logger,
	)

	a.logResolutionIdentity(ctx)

	return &services{
		settlement: settlement,
		market:     reads,
		vault:      vault,
	}, nil
}

// logResolutionIdentity loads the configured resolution key, if any, and logs
// the identity its attestations will carry. Operators grant that identity as
// a trusted source on the questions it should resolve.
func (a *App) logResolutionIdentity(ctx context.Context) {
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Engine.ResolutionKey,
		EncryptedKeyPath: a.cfg.Engine.EncryptedKeyPath,
		KeyPassword:      a.cfg.Engine.KeyPassword,
	}
	if keyCfg.RawPrivateKey == "" && keyCfg.EncryptedKeyPath == "" {
		return
	}

	keyHex, err := crypto.LoadResolutionKey(keyCfg)
	if err != nil {
		a.logger.WarnContext(ctx, "resolution key unavailable",
			slog.String("error", err.Error()),
		)
		return
	}
	signer, err := crypto.NewResolutionSigner(keyHex)
	if err != nil {
		a.logger.WarnContext(ctx, "resolution key invalid",
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "resolution signer ready",
		slog.String("resolver", signer.Address().Hex()),
	)
}

// ServerMode runs the HTTP + WebSocket API over the replayed engine.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// MonitorMode relays market events from the signal bus to the configured
// notification channels and serves the read API. No writes are accepted
// through this process; another replica owns the write path.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, channel := range []string{domain.ChannelQuestions, domain.ChannelBets, domain.ChannelPayouts} {
		g.Go(func() error {
			return a.relayChannel(ctx, deps, channel)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}

	return g.Wait()
}

// ArchiveMode periodically exports fully settled questions to blob storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Duration("interval", a.cfg.Archive.Interval.Duration),
	)
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires s3 configuration")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runArchiver(ctx, deps)
	})
	return g.Wait()
}

// FullMode runs every subsystem: the write API, the notification relay, and
// (when enabled) the archive sweep.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, channel := range []string{domain.ChannelQuestions, domain.ChannelBets, domain.ChannelPayouts} {
		g.Go(func() error {
			return a.relayChannel(ctx, deps, channel)
		})
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}

	return g.Wait()
}

// relayChannel forwards bus events on one channel to the notifier. Event
// filtering happens inside the notifier, so every event is offered.
func (a *App) relayChannel(ctx context.Context, deps *Dependencies, channel string) error {
	ch, err := deps.SignalBus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("app: subscribe %s: %w", channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := domain.DecodeMarketEvent(data)
			if err != nil {
				a.logger.WarnContext(ctx, "undecodable bus event",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			title, message := notify.FormatEvent(evt)
			if err := deps.Notifier.Notify(ctx, evt.Type, title, message); err != nil {
				a.logger.WarnContext(ctx, "notification relay failed",
					slog.String("event", evt.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// runArchiver sweeps once immediately, then on every interval tick.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	sweep := func() {
		n, err := deps.Archiver.ArchiveSettled(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive sweep failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archive sweep complete",
				slog.Int64("questions", n),
			)
		}
	}

	sweep()

	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

// startHTTPServer builds the handler set, attaches the WebSocket hub, and
// runs the server until the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.Owner, svcs.market),
		Questions: handler.NewQuestionHandler(svcs.market, svcs.settlement, a.logger),
		Bets:      handler.NewBetHandler(svcs.market, svcs.settlement, a.logger),
		Settle:    handler.NewSettleHandler(svcs.market, svcs.settlement, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		APISecret:   a.cfg.Server.APISecret,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
