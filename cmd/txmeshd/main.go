// txmeshd runs a standalone reconciliation relay node: it listens for libp2p
// connections, speaks the reconciliation protocol with its peers and exposes
// prometheus metrics. Transaction sourcing and validation are up to the
// embedding node; this daemon logs the announcements it would perform.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/txmesh/go-txmesh/common/types"
	"github.com/txmesh/go-txmesh/node/warnings"
	"github.com/txmesh/go-txmesh/p2p"
	"github.com/txmesh/go-txmesh/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "txmeshd",
		Short:        "reconciliation-based transaction relay node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config
			if err := viper.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().String("listen", "/ip4/0.0.0.0/tcp/7513", "p2p listen multiaddr")
	cmd.PersistentFlags().String("metrics-listen", "127.0.0.1:9090", "prometheus listen address")
	cmd.PersistentFlags().String("config", "", "path to a config file")
	cobra.OnInitialize(func() {
		if path, _ := cmd.PersistentFlags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintln(os.Stderr, "read config:", err)
				os.Exit(1)
			}
		}
	})
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	return cmd
}

type config struct {
	Listen        string       `mapstructure:"listen"`
	MetricsListen string       `mapstructure:"metrics-listen"`
	Relay         relay.Config `mapstructure:"relay"`
}

func run(ctx context.Context, cfg config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Relay.Protocol == "" {
		cfg.Relay = relay.DefaultConfig()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Listen))
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	defer h.Close()
	logger.Info("host is up",
		zap.Stringer("id", h.ID()),
		zap.Any("addrs", h.Addrs()))

	warn := warnings.New()
	r := relay.New(h, &loggingDelegate{logger: logger, host: h}, cfg.Relay,
		relay.WithLogger(logger),
		relay.WithWarnings(warn))

	var eg errgroup.Group
	eg.Go(func() error {
		return r.Run(ctx)
	})
	eg.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, msg := range warn.Messages() {
					logger.Warn("node warning", zap.String("warning", msg))
				}
			}
		}
	})
	eg.Go(func() error {
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler()}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	return eg.Wait()
}

// loggingDelegate stands in for the mempool side of a full node.
type loggingDelegate struct {
	logger *zap.Logger
	host   host.Host
}

func (d *loggingDelegate) AnnounceTransactions(peer p2p.Peer, ids []types.TransactionID) {
	d.logger.Info("would announce transactions",
		zap.Stringer("peer", peer),
		zap.Int("count", len(ids)))
}

func (d *loggingDelegate) RequestTransactions(peer p2p.Peer, shortIDs []types.ShortID) {
	d.logger.Info("would request transactions",
		zap.Stringer("peer", peer),
		zap.Int("count", len(shortIDs)))
}

func (d *loggingDelegate) DisconnectPeer(peer p2p.Peer, reason error) {
	d.logger.Warn("disconnecting peer",
		zap.Stringer("peer", peer),
		zap.Error(reason))
	_ = d.host.Network().ClosePeer(peer)
}
