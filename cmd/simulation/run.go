package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/types"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []types.Side{types.SideBuy, types.SideBuy, types.SideBuy, types.SideSell}
)

// tally aggregates trade outcomes across workers.
type tally struct {
	mu          sync.Mutex
	filled      int
	rejected    int
	refused     int
	failed      int
	committed   decimal.Decimal
	symbols     map[string]int
	connections map[string]int
	stages      map[string]int
}

func newTally() *tally {
	return &tally{
		symbols:     make(map[string]int),
		connections: make(map[string]int),
		stages:      make(map[string]int),
	}
}

func (t *tally) add(req types.OrderRequest, res *tradeResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusPaymentRequired:
		t.refused++
		t.stages[apiErr.Stage]++
		return
	case errors.As(err, &apiErr):
		t.failed++
		t.stages[apiErr.Stage]++
		return
	case err != nil:
		t.failed++
		return
	}

	t.symbols[req.Symbol]++
	t.connections[res.ConnectionID]++
	t.committed = t.committed.Add(res.Committed)
	if res.State == "filled" {
		t.filled++
	} else {
		t.rejected++
	}
}

func randomOrder(rng *rand.Rand) types.OrderRequest {
	price := decimal.NewFromInt(int64(rng.Intn(1000) + 100))
	return types.OrderRequest{
		Symbol:     symbols[rng.Intn(len(symbols))],
		Side:       sides[rng.Intn(len(sides))],
		Quantity:   decimal.NewFromInt(int64(rng.Intn(100) + 1)),
		Type:       types.OrderTypeLimit,
		LimitPrice: &price,
	}
}

// run sets up an account with paper connections, then submits trades from
// opts.workers goroutines and prints a summary.
func run(ctx context.Context, opts options) error {
	if opts.workers < 1 || opts.orders < 1 {
		return fmt.Errorf("--orders and --workers must be positive")
	}
	amount, err := decimal.NewFromString(opts.deposit)
	if err != nil {
		return fmt.Errorf("bad --deposit: %w", err)
	}

	sc, err := newSimulationClient(ctx, opts.addr)
	if err != nil {
		return err
	}
	if err := sc.deposit(ctx, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	for i := 0; i < opts.venues; i++ {
		id, err := sc.createPaperConnection(ctx, fmt.Sprintf("paper-%d", i+1), i == 0)
		if err != nil {
			return fmt.Errorf("create connection: %w", err)
		}
		log.Info().Str("connection_id", id).Msg("Paper connection ready")
	}

	log.Info().Int("orders", opts.orders).Int("workers", opts.workers).Msg("Starting simulation")
	start := time.Now()

	jobs := make(chan types.OrderRequest)
	results := newTally()
	var tradeIDs sync.Map

	var wg sync.WaitGroup
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for req := range jobs {
				res, err := sc.executeTrade(ctx, req)
				results.add(req, res, err)
				if err != nil {
					log.Warn().Err(err).Int("worker_id", workerID).Str("symbol", req.Symbol).Msg("Trade not filled")
					continue
				}
				tradeIDs.Store(res.TradeID, struct{}{})
				log.Info().
					Int("worker_id", workerID).
					Str("trade_id", res.TradeID).
					Str("state", res.State).
					Str("connection_id", res.ConnectionID).
					Float64("score", res.Score).
					Str("committed", res.Committed.String()).
					Msg("Trade executed")
			}
		}(i)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
submit:
	for i := 0; i < opts.orders; i++ {
		select {
		case <-ctx.Done():
			break submit
		case jobs <- randomOrder(rng):
		}
	}
	close(jobs)
	wg.Wait()

	// Read back a sample of the journal.
	checked := 0
	tradeIDs.Range(func(key, _ any) bool {
		if _, err := sc.getTrade(ctx, key.(string)); err != nil {
			log.Error().Err(err).Str("trade_id", key.(string)).Msg("Failed to read trade")
		}
		checked++
		return checked < 10
	})

	bal, err := sc.balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	printSummary(opts, results, bal, time.Since(start))
	sc.printPerformanceStats()
	return nil
}

func printSummary(opts options, t *tally, bal *balance, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BROKER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Trade Statistics
----------------
Submitted:        %d
Filled:           %d
Rejected:         %d
Refused (funds):  %d
Failed:           %d
Committed:        $%s
Balance:          $%s (held $%s)
Duration:         %v

Symbol Distribution
-------------------
`, opts.orders, t.filled, t.rejected, t.refused, t.failed,
		t.committed.StringFixed(2), bal.Balance.StringFixed(2), bal.Held.StringFixed(2),
		duration.Round(time.Millisecond))
	printBars(t.symbols)

	fmt.Println("\nRouting Distribution")
	fmt.Println("--------------------")
	printBars(t.connections)

	if len(t.stages) > 0 {
		fmt.Println("\nFailures by Stage")
		fmt.Println("-----------------")
		printBars(t.stages)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
}

func printBars(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	maxCount := 0
	for k, n := range counts {
		keys = append(keys, k)
		if n > maxCount {
			maxCount = n
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		barLength := int(float64(counts[k]) / float64(maxCount) * 20)
		label := k
		if label == "" {
			label = "(none)"
		}
		fmt.Printf("%-42s: %s (%d)\n", label, strings.Repeat("#", barLength), counts[k])
	}
}
