package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coinsocket stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *coinSocketConfig, logger *slog.Logger) error {
	registry := newChannelRegistry()
	subs := newSubscriptionManager(registry, logger.With("component", "subscriptions"))
	router := newEventRouter(subs, newNotifier(logger.With("component", "notifier")), logger.With("component", "router"))

	logger.Info("opening vault", "path", cfg.databasePath())
	v, err := openVault(ctx, cfg.databasePath(), cfg.DBName, router)
	if err != nil {
		return err
	}
	defer v.close()

	if err := loadChannels(ctx, registry, v, cfg.ChannelSets); err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	logger.Info("channels loaded", "channels", len(registry.channels()), "channel_sets", len(registry.channelSets()))

	dispatcher := newRequestDispatcher(registry, subs, v, logger.With("component", "dispatcher"))
	ws := newWSServer(subs, dispatcher, cfg.connectKeyHash, logger.With("component", "ws"))

	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handleWS)
	mux.HandleFunc("/ws", ws.handleWS)
	srv := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           loggingMiddleware(logger, allowedIPsMiddleware(logger, cfg.allowed, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var watcher *chainWatcher
	if cfg.Sync {
		client, err := dialPeer(cfg.PeerHost, cfg.PeerPort, cfg.RPCUser, cfg.RPCPass)
		if err != nil {
			return err
		}
		defer client.Shutdown()
		watcher = newChainWatcher(client, v, registry, cfg.params, logger.With("component", "watcher"))
		logger.Info("syncing with peer", "host", cfg.PeerHost, "port", cfg.PeerPort, "network", cfg.params.Name)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.run(ctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.run(ctx)
		})
	}
	g.Go(func() error {
		logger.Info("websocket server listening", "addr", srv.Addr, "tls", cfg.TLSCertFile != "")
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("stopping websocket server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		ws.closeAll()
		return err
	})

	return g.Wait()
}

// loadChannels registers the built-in channels, one channel per vault
// account and every channel set from the vault and the config file.
// Config-file sets are persisted so the vault stays the source of
// truth across restarts.
func loadChannels(ctx context.Context, registry *channelRegistry, v *vault, configured map[string][]string) error {
	registry.addChannel(channelTx)
	registry.addChannel(channelBlock)

	accounts, err := v.accounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		registry.addChannel(accountChannel(account.ID))
	}

	for name, channels := range configured {
		for _, channel := range channels {
			if !registry.channelExists(channel) {
				return fmt.Errorf("channel set %q: %w: %q", name, errNoSuchChannel, channel)
			}
		}
		if err := v.saveChannelSet(ctx, name, channels); err != nil {
			return fmt.Errorf("save channel set %q: %w", name, err)
		}
	}

	defs, err := v.channelSetDefinitions(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		for _, channel := range def.Channels {
			registry.addChannelToSet(def.Name, channel)
		}
	}
	return registry.validateSets()
}

func allowedIPsMiddleware(logger *slog.Logger, allowed *regexp.Regexp, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed != nil && !allowed.MatchString(r.RemoteAddr) {
			logger.Warn("rejected connection: address not allowed", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}
