package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/mirror"
	"github.com/Rajchodisetti/marketcache/internal/observ"
)

func main() {
	var cfgPath string
	var serverURL string
	var symbolList string
	var intervalSeconds int
	var rounds int
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&serverURL, "server", "", "quote server URL (overrides config)")
	flag.StringVar(&symbolList, "symbols", "AAPL,MSFT,NVDA,SPY", "comma separated symbols")
	flag.IntVar(&intervalSeconds, "interval", 10, "seconds between polls")
	flag.IntVar(&rounds, "rounds", 0, "stop after this many polls (0 runs until interrupted)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if serverURL != "" {
		cfg.Mirror.ServerURL = serverURL
	}
	symbols := adapters.NormalizeSymbols(strings.Split(symbolList, ","))
	if len(symbols) == 0 {
		log.Fatal("no symbols given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := mirror.New(mirror.NewHTTPFetcher(cfg.Mirror.ServerURL, 10*time.Second), mirror.OptionsFromConfig(cfg.Mirror))
	for _, sym := range symbols {
		unsubscribe := cache.Subscribe(sym, printQuote)
		defer unsubscribe()
	}

	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	for n := 1; ; n++ {
		if _, err := cache.GetMany(ctx, symbols); err != nil && !errors.Is(err, context.Canceled) {
			switch {
			case errors.Is(err, mirror.ErrThrottled):
				fmt.Fprintln(os.Stderr, "throttled, serving cached quotes")
			case adapters.IsNotFound(err):
				fmt.Fprintf(os.Stderr, "unknown symbol: %v\n", err)
			default:
				fmt.Fprintf(os.Stderr, "fetch failed: %v\n", err)
			}
		}
		if rounds > 0 && n >= rounds {
			break
		}
		select {
		case <-ctx.Done():
			observ.Log("quotewatch_stopped", map[string]any{"stats": cache.Stats()})
			return
		case <-ticker.C:
		}
	}
	observ.Log("quotewatch_stopped", map[string]any{"stats": cache.Stats()})
}

func printQuote(q adapters.Quote) {
	fmt.Printf("%s  %-8s %12.2f %+9.2f (%+.2f%%)  vol %d\n",
		q.Timestamp.Local().Format("15:04:05"), q.Symbol, q.Price, q.Change, q.ChangePercent, q.Volume)
}
