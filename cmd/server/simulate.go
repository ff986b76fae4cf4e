package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
	"github.com/ryandielhenn/zephyrnews/pkg/node"
	"github.com/ryandielhenn/zephyrnews/pkg/overlay"
)

var simOpts struct {
	nodes           int
	duration        time.Duration
	report          time.Duration
	loss            float64
	dup             float64
	seed            int64
	baseDelta       time.Duration
	samplePeriod    time.Duration
	fanout          int
	warmup          int
	sessionTimeout  int
	maxOriginations int
	newsTTL         int
	bias            map[string]int
	crashes         []string
	originators     []string
	observer        string
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a whole cluster in one process over a lossy in-memory network",
	Example: `  zephyrnews simulate --nodes 8 --loss 0.1 --bias 3=450,5=500 --crash 5@10s
  zephyrnews simulate --nodes 20 --duration 1m --originators 1,2`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simOpts.nodes, "nodes", 5, "Number of nodes, named 1..N")
	f.DurationVar(&simOpts.duration, "duration", 30*time.Second, "How long to run")
	f.DurationVar(&simOpts.report, "report", 2*time.Second, "Interval between reports")
	f.Float64Var(&simOpts.loss, "loss", 0, "Probability a message is dropped")
	f.Float64Var(&simOpts.dup, "dup", 0, "Probability a message is delivered twice")
	f.Int64Var(&simOpts.seed, "seed", 1, "Seed for loss and duplication")
	f.DurationVar(&simOpts.baseDelta, "base-delta", 200*time.Millisecond, "Initial heartbeat round length")
	f.DurationVar(&simOpts.samplePeriod, "sample-period", 100*time.Millisecond, "Overlay sampling period")
	f.IntVar(&simOpts.fanout, "fanout", overlay.DefaultFanout, "Neighbors and fingers per sample")
	f.IntVar(&simOpts.warmup, "warmup", 3, "Samples before the first election")
	f.IntVar(&simOpts.sessionTimeout, "session-timeout", 5, "Samples before an unanswered election is superseded")
	f.IntVar(&simOpts.maxOriginations, "max-originations", 50, "Items each originator creates")
	f.IntVar(&simOpts.newsTTL, "news-ttl", 10, "TTL stamped on originated items")
	f.StringToIntVar(&simOpts.bias, "bias", nil, "Per-node rank bias as id=bias,...")
	f.StringSliceVar(&simOpts.crashes, "crash", nil, "Crash a node after a delay, as id@duration")
	f.StringSliceVar(&simOpts.originators, "originators", []string{"1"}, "Nodes that originate news")
	f.StringVar(&simOpts.observer, "observer", "1", "Node that tracks coverage and knowledge")

	rootCmd.AddCommand(simulateCmd)
}

type crashPlan struct {
	id    gossip.NodeID
	after time.Duration
}

// parseCrash parses "id@duration".
func parseCrash(s string) (crashPlan, error) {
	id, after, ok := strings.Cut(s, "@")
	if !ok || id == "" {
		return crashPlan{}, fmt.Errorf("crash %q: expected id@duration", s)
	}
	d, err := time.ParseDuration(after)
	if err != nil {
		return crashPlan{}, fmt.Errorf("crash %q: %w", s, err)
	}
	if d < 0 {
		return crashPlan{}, fmt.Errorf("crash %q: negative delay", s)
	}
	return crashPlan{id: gossip.NodeID(id), after: d}, nil
}

func runSimulate(_ *cobra.Command, _ []string) (err error) {
	if simOpts.nodes <= 0 {
		return fmt.Errorf("--nodes must be positive")
	}
	plans := make([]crashPlan, 0, len(simOpts.crashes))
	for _, c := range simOpts.crashes {
		p, err := parseCrash(c)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	log, err := newLogger(logLevel, logDev)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, simOpts.duration)
	defer cancel()

	c, err := startSimCluster(log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.stop()) }()

	log.Info("simulation started",
		zap.Int("nodes", simOpts.nodes),
		zap.Float64("loss", simOpts.loss),
		zap.Float64("dup", simOpts.dup),
		zap.Duration("duration", simOpts.duration),
	)
	watch(ctx, log, c, plans)
	log.Info("simulation finished")
	return nil
}

// simCluster is a set of nodes sharing one MemoryNetwork. It runs on its own
// context so the nodes outlive the simulation deadline until the final
// report has been taken.
type simCluster struct {
	net    *gossip.MemoryNetwork
	nodes  []*node.Node
	cancel context.CancelFunc
}

func startSimCluster(log *zap.Logger) (*simCluster, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &simCluster{
		net: gossip.NewMemoryNetwork(
			gossip.WithLoss(simOpts.loss),
			gossip.WithDuplication(simOpts.dup),
			gossip.WithSeed(simOpts.seed),
		),
		cancel: cancel,
	}
	board := overlay.NewBoard()
	originators := make(map[string]bool, len(simOpts.originators))
	for _, id := range simOpts.originators {
		originators[id] = true
	}

	addrs := make([]gossip.Addr, simOpts.nodes)
	for i := range addrs {
		id := strconv.Itoa(i + 1)
		addrs[i] = gossip.Addr{ID: gossip.NodeID(id), Endpoint: "mem://" + id}
	}

	for _, self := range addrs {
		ov := overlay.New(overlay.Config{
			Self:    self,
			Fanout:  simOpts.fanout,
			Period:  simOpts.samplePeriod,
			Publish: board.Publish,
			Logger:  log,
		})
		ov.SetPeers(addrs)
		board.Join(ov)
		go ov.Run(ctx)

		id := string(self.ID)
		n := node.New(node.Config{
			Transport:             c.net.Join(self),
			Overlay:               ov,
			BaseDelta:             simOpts.baseDelta,
			WarmupSamples:         simOpts.warmup,
			SessionTimeoutSamples: simOpts.sessionTimeout,
			Originate:             originators[id],
			MaxOriginations:       simOpts.maxOriginations,
			NewsTTL:               simOpts.newsTTL,
			ViewBias:              simOpts.bias[id],
			Observer:              id == simOpts.observer,
			Population:            simOpts.nodes,
			Logger:                log,
		})
		if err := n.Start(ctx); err != nil {
			return nil, multierr.Append(err, c.stop())
		}
		c.nodes = append(c.nodes, n)
	}
	return c, nil
}

func (c *simCluster) stop() error {
	c.cancel()
	var err error
	for _, n := range c.nodes {
		err = multierr.Append(err, n.Stop())
	}
	return err
}

// watch applies the crash plans and reports every --report interval until
// ctx is done. It returns the statuses of the final report, which is taken
// while the nodes are still running.
func watch(ctx context.Context, log *zap.Logger, c *simCluster, plans []crashPlan) []node.Status {
	crashed := make(chan gossip.NodeID, len(plans))
	for _, p := range plans {
		t := time.AfterFunc(p.after, func() {
			c.net.Crash(p.id)
			log.Info("crashed node", zap.String("id", string(p.id)))
			crashed <- p.id
		})
		defer t.Stop()
	}

	down := make(map[gossip.NodeID]bool)
	ticker := time.NewTicker(simOpts.report)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return report(log, c.nodes, down)
		case id := <-crashed:
			down[id] = true
		case <-ticker.C:
			report(log, c.nodes, down)
		}
	}
}

// report logs each live node's leader, how many live nodes agree on the most
// trusted leader and the observer's coverage. It returns the statuses it read.
func report(log *zap.Logger, nodes []*node.Node, down map[gossip.NodeID]bool) []node.Status {
	statuses := make([]node.Status, 0, len(nodes))
	for _, n := range nodes {
		if down[n.Addr().ID] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st, err := n.Status(ctx)
		cancel()
		if err != nil {
			log.Warn("status", zap.String("node", string(n.Addr().ID)), zap.Error(err))
			continue
		}
		statuses = append(statuses, st)
	}

	votes := make(map[gossip.NodeID]int)
	for _, st := range statuses {
		leader := "-"
		if st.Election.HasLeader {
			leader = string(st.Election.Leader.ID)
			votes[st.Election.Leader.ID]++
		}
		log.Debug("node",
			zap.String("id", string(st.Node.ID)),
			zap.String("leader", leader),
			zap.Int("known", st.News.Known),
			zap.Stringer("view", st.News.View),
		)
		if st.News.Observer {
			log.Info("observer",
				zap.String("id", string(st.Node.ID)),
				zap.Int("originated", st.News.Originated),
				zap.Int("unconfirmed", st.News.Unconfirmed),
				zap.Float64("coverage", st.News.Coverage),
				zap.Float64("knowledge", st.News.Knowledge),
			)
		}
	}

	top, agree := majorityLeader(votes)
	log.Info("agreement",
		zap.String("leader", string(top)),
		zap.Int("agree", agree),
		zap.Int("live", len(statuses)),
	)
	return statuses
}

// majorityLeader returns the leader with the most votes. Ties go to the
// smaller id so reports are stable.
func majorityLeader(votes map[gossip.NodeID]int) (gossip.NodeID, int) {
	ids := make([]gossip.NodeID, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return gossip.CompareIDs(ids[i], ids[j]) < 0 })
	var best gossip.NodeID
	n := 0
	for _, id := range ids {
		if votes[id] > n {
			best, n = id, votes[id]
		}
	}
	return best, n
}
