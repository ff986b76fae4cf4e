package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var opts struct {
	nodes    []string
	rounds   int
	interval time.Duration
	timeout  time.Duration
	conc     int
}

// info is the subset of a node's /info payload the probe reads.
type info struct {
	Node struct {
		ID string `json:"id"`
	} `json:"node"`
	Election struct {
		Leader struct {
			ID string `json:"id"`
		} `json:"leader"`
		HasLeader bool `json:"hasLeader"`
		Session   int  `json:"session"`
	} `json:"election"`
	News struct {
		Known       int     `json:"known"`
		Unconfirmed int     `json:"unconfirmed"`
		Observer    bool    `json:"observer"`
		Coverage    float64 `json:"coverage"`
		Knowledge   float64 `json:"knowledge"`
	} `json:"news"`
}

type result struct {
	addr string
	info info
	err  error
}

var rootCmd = &cobra.Command{
	Use:   "probe",
	Short: "Poll /info on a set of nodes and report leader agreement",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringSliceVar(&opts.nodes, "nodes", []string{"http://localhost:8080"}, "Node base URLs")
	f.IntVar(&opts.rounds, "rounds", 1, "Polling rounds, 0 runs until interrupted")
	f.DurationVar(&opts.interval, "interval", 2*time.Second, "Delay between rounds")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per request timeout")
	f.IntVar(&opts.conc, "c", 8, "Concurrent requests")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{Timeout: opts.timeout}
	for round := 1; opts.rounds == 0 || round <= opts.rounds; round++ {
		if round > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
		start := time.Now()
		results := poll(ctx, client, opts.nodes, opts.conc)
		fmt.Printf("round %d (%s)\n", round, time.Since(start).Round(time.Millisecond))
		if err := printRound(results); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	return nil
}

// poll fetches /info from every node with at most conc requests in flight.
func poll(ctx context.Context, client *http.Client, nodes []string, conc int) []result {
	if conc <= 0 {
		conc = 1
	}
	results := make([]result, len(nodes))
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, conc)
	for i, addr := range nodes {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-ch }()
			inf, err := fetch(ctx, client, addr)
			results[i] = result{addr: addr, info: inf, err: err}
		}(i, addr)
	}
	wg.Wait()
	return results
}

func fetch(ctx context.Context, client *http.Client, addr string) (info, error) {
	var inf info
	url := strings.TrimSuffix(addr, "/") + "/info"
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return inf, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return inf, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return inf, fmt.Errorf("%s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&inf); err != nil {
		return inf, fmt.Errorf("%s: decode: %w", url, err)
	}
	return inf, nil
}

// summary is the agreement picture of one polling round.
type summary struct {
	Reachable int
	Leader    string
	Agree     int
	MinKnown  int
	MaxKnown  int
}

func summarize(results []result) summary {
	var s summary
	votes := make(map[string]int)
	for _, r := range results {
		if r.err != nil {
			continue
		}
		known := r.info.News.Known
		if s.Reachable == 0 || known < s.MinKnown {
			s.MinKnown = known
		}
		if known > s.MaxKnown {
			s.MaxKnown = known
		}
		s.Reachable++
		if r.info.Election.HasLeader {
			votes[r.info.Election.Leader.ID]++
		}
	}
	leaders := make([]string, 0, len(votes))
	for id := range votes {
		leaders = append(leaders, id)
	}
	sort.Strings(leaders)
	for _, id := range leaders {
		if votes[id] > s.Agree {
			s.Leader, s.Agree = id, votes[id]
		}
	}
	return s
}

func printRound(results []result) error {
	var errs error
	for _, r := range results {
		if r.err != nil {
			errs = multierr.Append(errs, r.err)
			fmt.Printf("  %-24s unreachable\n", r.addr)
			continue
		}
		leader := "-"
		if r.info.Election.HasLeader {
			leader = r.info.Election.Leader.ID
		}
		line := fmt.Sprintf("  %-24s id=%s leader=%s session=%d known=%d unconfirmed=%d",
			r.addr, r.info.Node.ID, leader, r.info.Election.Session, r.info.News.Known, r.info.News.Unconfirmed)
		if r.info.News.Observer {
			line += fmt.Sprintf(" coverage=%.1f%% knowledge=%.1f%%", r.info.News.Coverage, r.info.News.Knowledge)
		}
		fmt.Println(line)
	}
	s := summarize(results)
	fmt.Printf("  leader %q trusted by %d/%d reachable, known items %d..%d\n",
		s.Leader, s.Agree, s.Reachable, s.MinKnown, s.MaxKnown)
	return errs
}
