package app

import (
	"context"
	"fmt"

	"chatsync/pkg/apiclient"
	"chatsync/pkg/banner"
	"chatsync/pkg/cache"
	"chatsync/pkg/channel"
	"chatsync/pkg/config"
	"chatsync/pkg/connectivity"
	"chatsync/pkg/delivery"
	"chatsync/pkg/logger"
	"chatsync/pkg/migrate"
	"chatsync/pkg/models"
	"chatsync/pkg/queue"
	"chatsync/pkg/state"
	"chatsync/pkg/store"
	"chatsync/pkg/syncer"
	"chatsync/pkg/transport"
)

// App wires the sync engine together: store, queue, cache, connectivity,
// transports, coordinator and scheduler. New builds everything that needs
// no running context; Run starts the loops and blocks until shutdown.
type App struct {
	cfg     *config.Config
	version string

	kv      *store.Pebble
	queue   *queue.Queue
	cache   *cache.Cache
	monitor *connectivity.Monitor
	api     *apiclient.Client
	channel *channel.Client
	coord   *delivery.Coordinator
	sched   *syncer.Scheduler
}

func New(cfg *config.Config, version string) (*App, error) {
	if err := state.EnsureStateDirs(cfg.Client.DataDir); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	kv, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", state.PathsVar.Store, err)
	}
	if _, err := migrate.Run(context.Background(), kv, version); err != nil {
		kv.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	a := &App{cfg: cfg, version: version, kv: kv}

	a.api = apiclient.New(cfg.API.BaseURL, cfg.API.AuthToken, cfg.API.AttemptTimeout.Duration())
	a.monitor = connectivity.NewMonitor(a.api.Probe, cfg.Connectivity.Debounce.Duration())

	var cacheKV store.KV
	if cfg.Cache.Persist == nil || *cfg.Cache.Persist {
		cacheKV = kv
	}
	a.cache, err = cache.New(cache.Options{
		PerConversation:  cfg.Cache.PerConversation,
		MaxConversations: cfg.Cache.MaxConversations,
		HistoryTTL:       cfg.Cache.HistoryTTL.Duration(),
	}, cacheKV)
	if err != nil {
		kv.Close()
		return nil, err
	}

	a.queue, err = queue.New(kv, queue.Options{
		HardCap:    cfg.Queue.HardCap,
		MaxRetries: cfg.Queue.MaxRetries,
		MaxPayload: cfg.Queue.MaxPayload.Int64(),
	}, func(act models.QueuedAction, cause error) {
		if a.coord != nil {
			a.coord.OnActionAbandoned(act, cause)
		}
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	a.channel = channel.New(channel.Options{
		URL:            cfg.Channel.URL,
		Token:          cfg.API.AuthToken,
		AttemptTimeout: cfg.Channel.AttemptTimeout.Duration(),
		PingInterval:   cfg.Channel.PingInterval.Duration(),
		ReconnectMin:   cfg.Channel.ReconnectMin.Duration(),
		ReconnectMax:   cfg.Channel.ReconnectMax.Duration(),
	}, a.monitor, channel.Handlers{
		OnMessage:         func(m models.Message) { a.coord.OnInboundMessage(m) },
		OnDeliveryReceipt: func(conv, id string) { a.coord.OnDeliveryReceipt(conv, id) },
		OnReadReceipt:     func(conv, id string) { a.coord.OnReadReceipt(conv, id) },
	})

	sel := transport.NewSelector(a.channel, a.api, a.queue, a.monitor, transport.Options{
		ChannelTimeout: cfg.Channel.AttemptTimeout.Duration(),
		APITimeout:     cfg.API.AttemptTimeout.Duration(),
	})
	a.coord = delivery.NewCoordinator(sel, a.cache, cfg.Client.UserID)

	a.sched, err = syncer.New(a.queue, sel, a.coord, a.monitor, a.reconcile, syncer.Options{
		Cron:       cfg.Sync.Cron,
		DrainRPS:   cfg.Sync.DrainRPS,
		DrainBurst: cfg.Sync.DrainBurst,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}
	return a, nil
}

// Coordinator exposes the message API to embedding code (the UI bridge).
func (a *App) Coordinator() *delivery.Coordinator { return a.coord }

// Cache exposes the conversation view.
func (a *App) Cache() *cache.Cache { return a.cache }

// History is the read-through conversation history backed by the API.
func (a *App) History(ctx context.Context, conversation string) []models.Message {
	return a.cache.History(ctx, conversation, a.api.FetchHistory)
}

// reconcile refreshes server truth for conversations touched by a drain.
func (a *App) reconcile(ctx context.Context, conversations []string) {
	for _, conv := range conversations {
		a.cache.History(ctx, conv, a.api.FetchHistory)
	}
}

// Run starts the engine loops and blocks until ctx is cancelled or the
// diagnostics server fails.
func (a *App) Run(ctx context.Context) error {
	banner.Print(a.cfg, a.version)
	logger.Info("chatsync_starting",
		"version", a.version,
		"user", a.cfg.Client.UserID,
		"channel_url", a.cfg.Channel.URL,
		"api_url", a.cfg.API.BaseURL,
		"queue_depth", a.queue.Len(),
	)

	go a.monitor.Run(ctx, a.cfg.Connectivity.CheckInterval.Duration())
	go a.channel.Run(ctx)
	go a.sched.Run(ctx)

	var errCh <-chan error
	if a.cfg.Diagnostics.Enabled {
		errCh = a.startDiagnostics(ctx)
	}

	// bring reachability up front so the first drain does not wait a tick
	a.monitor.ForceCheck(ctx)
	a.sched.Kick("startup")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("diagnostics server: %w", err)
		}
	}

	logger.Info("chatsync_stopping", "queue_depth", a.queue.Len())
	return a.kv.Close()
}
