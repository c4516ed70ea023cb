package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/repository"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	"github.com/noah-isme/sma-adp-console/internal/upstream"
	"github.com/noah-isme/sma-adp-console/pkg/config"
	"github.com/noah-isme/sma-adp-console/pkg/database"
)

// Walks every selection chain against both data sources and reports levels whose
// option lists differ. Exits 1 when any level fails or differs.

type comparison struct {
	Chain         string
	Level         string
	ScopeKey      string
	UpstreamCount int
	PostgresCount int
	Match         bool
	Error         error
	DurationREST  time.Duration
	DurationSQL   time.Duration
}

func main() {
	var (
		chainsFlag string
		timeout    time.Duration
		verbose    bool
	)

	flag.StringVar(&chainsFlag, "chains", strings.Join(selection.ChainNames(), ","), "Comma separated chains to walk")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	flag.BoolVar(&verbose, "v", false, "Log upstream requests")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr := zap.NewNop()
	if verbose {
		logr, _ = zap.NewDevelopment()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer db.Close()

	rest := upstream.NewClient(cfg.Upstream, logr, nil)
	sql := repository.NewOptionRepository(db)

	var (
		comparisons []comparison
		breaking    int
	)
	for _, name := range strings.Split(chainsFlag, ",") {
		chain, ok := selection.LookupChain(strings.TrimSpace(name))
		if !ok {
			log.Fatalf("unknown chain %q", name)
		}
		for _, comp := range walkChain(ctx, chain, rest, sql) {
			if comp.Error != nil || !comp.Match {
				breaking++
			}
			comparisons = append(comparisons, comp)
		}
	}

	printReport(comparisons)

	fmt.Printf("Breaking diffs: %d\n", breaking)
	if breaking > 0 {
		os.Exit(1)
	}
}

// walkChain follows the first upstream option at each level so every level gets a
// complete scope.
func walkChain(ctx context.Context, chain selection.Chain, rest, sql selection.Fetcher) []comparison {
	var (
		results []comparison
		scope   = selection.Scope{Complete: true}
	)
	for _, level := range chain.Levels {
		comp := comparison{Chain: chain.Name, Level: level.Key, ScopeKey: scope.Key()}

		start := time.Now()
		restItems, restErr := rest.FetchOptions(ctx, level, scope)
		comp.DurationREST = time.Since(start)

		start = time.Now()
		sqlItems, sqlErr := sql.FetchOptions(ctx, level, scope)
		comp.DurationSQL = time.Since(start)

		switch {
		case restErr != nil:
			comp.Error = fmt.Errorf("upstream: %w", restErr)
		case sqlErr != nil:
			comp.Error = fmt.Errorf("postgres: %w", sqlErr)
		default:
			comp.UpstreamCount = len(restItems)
			comp.PostgresCount = len(sqlItems)
			comp.Match = optionsEqual(restItems, sqlItems)
		}
		results = append(results, comp)

		if comp.Error != nil || len(restItems) == 0 {
			break
		}
		scope = selection.Scope{
			Keys:     append(append([]string{}, scope.Keys...), level.Key),
			Values:   append(append([]string{}, scope.Values...), restItems[0].ID),
			Complete: true,
		}
	}
	return results
}

func optionsEqual(a, b []models.Option) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Label != b[i].Label {
			return false
		}
	}
	return true
}

func printReport(results []comparison) {
	fmt.Println("Source Compare Report")
	fmt.Println("=====================")
	for _, res := range results {
		status := "OK"
		if res.Error != nil {
			status = "ERROR"
		} else if !res.Match {
			status = "DIFF"
		}
		fmt.Printf("[%s] %s/%s scope=%q\n", status, res.Chain, res.Level, res.ScopeKey)
		if res.Error != nil {
			fmt.Printf("  Error: %v\n", res.Error)
			continue
		}
		fmt.Printf("  Upstream: %d options (%s)\n", res.UpstreamCount, res.DurationREST)
		fmt.Printf("  Postgres: %d options (%s)\n", res.PostgresCount, res.DurationSQL)
	}
}
