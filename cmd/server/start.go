package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/internal/config"
	"github.com/ryandielhenn/zephyrnews/internal/telemetry"
	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/node"
	"github.com/ryandielhenn/zephyrnews/pkg/overlay"
	"github.com/ryandielhenn/zephyrnews/pkg/registry"
)

const (
	shutdownTimeout = 5 * time.Second
	publishTimeout  = 2 * time.Second
)

var (
	startCfg config.Config
	// env is read before flags are bound so explicit flags win.
	envErr   error
	peersArg string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a node over HTTP",
	Long: `Run a single node. Peers are discovered through etcd when --etcd is given,
otherwise the static --peers list is used. Environment variables SELF_ID,
SELF_ADDR, ETCD_ENDPOINTS, PEERS, ORIGINATE, OBSERVER and VIEW_BIAS seed the
flag defaults.`,
	RunE: runStart,
}

func init() {
	startCfg = config.Default()
	envErr = config.FromEnv(&startCfg)

	f := startCmd.Flags()
	f.StringVar(&startCfg.NodeID, "node-id", startCfg.NodeID, "Unique node id")
	f.StringVar(&startCfg.ListenAddr, "listen", startCfg.ListenAddr, "HTTP listen address")
	f.StringVar(&startCfg.AdvertiseAddr, "advertise", startCfg.AdvertiseAddr, "host:port peers use to reach this node")
	f.StringSliceVar(&startCfg.EtcdEndpoints, "etcd", startCfg.EtcdEndpoints, "etcd endpoints for peer discovery")
	f.StringVar(&peersArg, "peers", "", "Static peers as id=host:port,...")
	f.Int64Var(&startCfg.RegistryTTL, "registry-ttl", startCfg.RegistryTTL, "Registry lease TTL in seconds")
	f.DurationVar(&startCfg.BaseDelta, "base-delta", startCfg.BaseDelta, "Initial heartbeat round length")
	f.DurationVar(&startCfg.SamplePeriod, "sample-period", startCfg.SamplePeriod, "Overlay sampling period")
	f.IntVar(&startCfg.Fanout, "fanout", startCfg.Fanout, "Neighbors and fingers per sample")
	f.IntVar(&startCfg.WarmupSamples, "warmup", startCfg.WarmupSamples, "Samples before the first election")
	f.IntVar(&startCfg.SessionTimeoutSamples, "session-timeout", startCfg.SessionTimeoutSamples, "Samples before an unanswered election is superseded")
	f.BoolVar(&startCfg.Originate, "originate", startCfg.Originate, "Originate news items")
	f.IntVar(&startCfg.MaxOriginations, "max-originations", startCfg.MaxOriginations, "Maximum items to originate")
	f.IntVar(&startCfg.NewsTTL, "news-ttl", startCfg.NewsTTL, "TTL stamped on originated items")
	f.IntVar(&startCfg.ViewBias, "bias", startCfg.ViewBias, "Constant added to the published rank")
	f.BoolVar(&startCfg.Observer, "observer", startCfg.Observer, "Track coverage and knowledge of own items")
	f.IntVar(&startCfg.Population, "population", startCfg.Population, "Cluster size for coverage stats, 0 counts known peers")

	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) (err error) {
	if envErr != nil {
		return envErr
	}
	if cmd.Flags().Changed("peers") {
		if startCfg.Peers, err = config.ParsePeers(peersArg); err != nil {
			return err
		}
	}
	if err := startCfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(logLevel, logDev)
	if err != nil {
		return err
	}
	defer log.Sync()

	self := startCfg.SelfAddr()
	self.Endpoint = node.NormalizeHostPort(self.Endpoint, config.DefaultPort)
	log = log.With(zap.String("node", string(self.ID)))
	log.Info("[Boot] starting", zap.String("endpoint", self.Endpoint), zap.String("version", version), zap.String("git_sha", gitSHA))
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := gossip.NewHTTPTransport(self, log)
	tr.OnResult = func(env gossip.Envelope, err error) {
		if err != nil {
			telemetry.SendErrors.WithLabelValues(string(self.ID), env.Type.String()).Inc()
		}
	}

	views := make(chan gossip.View, 1)
	ov := overlay.New(overlay.Config{
		Self:    self,
		Fanout:  startCfg.Fanout,
		Period:  startCfg.SamplePeriod,
		Publish: latest(views),
		Logger:  log,
	})

	if len(startCfg.EtcdEndpoints) > 0 {
		cleanup, err := joinRegistry(ctx, log, self, ov, views)
		if err != nil {
			return err
		}
		defer cleanup()
	} else {
		peers := startCfg.PeerAddrs()
		for i := range peers {
			peers[i].Endpoint = node.NormalizeHostPort(peers[i].Endpoint, config.DefaultPort)
		}
		ov.SetPeers(peers)
		log.Info("[Boot] static peers", zap.Int("count", len(peers)))
		// without a registry views stay local and ranks tie-break on id
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-views:
				}
			}
		}()
	}

	n := node.New(node.Config{
		Transport:             tr,
		Overlay:               ov,
		BaseDelta:             startCfg.BaseDelta,
		WarmupSamples:         startCfg.WarmupSamples,
		SessionTimeoutSamples: startCfg.SessionTimeoutSamples,
		Originate:             startCfg.Originate,
		MaxOriginations:       startCfg.MaxOriginations,
		NewsTTL:               startCfg.NewsTTL,
		ViewBias:              startCfg.ViewBias,
		Observer:              startCfg.Observer,
		Population:            startCfg.Population,
		Logger:                log,
	})
	if err := n.Start(ctx); err != nil {
		return err
	}
	go ov.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle(gossip.GossipPath, telemetry.Instrument("gossip", tr.Handler()))
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{Addr: startCfg.ListenAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("[Boot] listening", zap.String("addr", startCfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("server failed", zap.Error(err))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, srv.Shutdown(shutCtx))
	err = multierr.Append(err, n.Stop())
	return err
}

// latest returns a publish hook that keeps only the newest view in ch. It is
// called from a single goroutine so the drain and send cannot interleave with
// another producer.
func latest(ch chan gossip.View) func(gossip.View) {
	return func(v gossip.View) {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// joinRegistry registers self in etcd, feeds peer and view changes into ov
// and publishes local views. The returned func revokes the registration.
func joinRegistry(ctx context.Context, log *zap.Logger, self gossip.Addr, ov *overlay.Overlay, views <-chan gossip.View) (func(), error) {
	cli, err := registry.NewClient(startCfg.EtcdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	lease, cancelKA, err := registry.RegisterNode(ctx, cli, string(self.ID), self.Endpoint, startCfg.RegistryTTL, log)
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Info("[Boot] registered", zap.Strings("etcd", startCfg.EtcdEndpoints), zap.Int64("lease", int64(lease)))

	go func() {
		err := registry.WatchPeers(ctx, cli, func(peers map[string]string) {
			addrs := make([]gossip.Addr, 0, len(peers))
			for id, ep := range peers {
				addrs = append(addrs, gossip.Addr{ID: gossip.NodeID(id), Endpoint: node.NormalizeHostPort(ep, config.DefaultPort)})
			}
			ov.SetPeers(addrs)
			log.Debug("peers updated", zap.Int("count", len(addrs)))
		})
		if err != nil && ctx.Err() == nil {
			log.Error("peer watch stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := registry.WatchViews(ctx, cli, ov.ObserveView); err != nil && ctx.Err() == nil {
			log.Error("view watch stopped", zap.Error(err))
		}
	}()
	go publishViews(ctx, log, cli, lease, views)

	return func() {
		cancelKA()
		revokeCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := cli.Revoke(revokeCtx, lease); err != nil {
			log.Warn("revoke lease", zap.Error(err))
		}
		cli.Close()
	}, nil
}

func publishViews(ctx context.Context, log *zap.Logger, cli *clientv3.Client, lease clientv3.LeaseID, views <-chan gossip.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := registry.PublishView(pctx, cli, v, lease); err != nil {
				log.Warn("publish view", zap.Stringer("view", v), zap.Error(err))
			}
			cancel()
		}
	}
}
