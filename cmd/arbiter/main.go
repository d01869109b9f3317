package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arbiter-trade/arbiter/api"
	"github.com/arbiter-trade/arbiter/internal/config"
	"github.com/arbiter-trade/arbiter/pkg/book"
	"github.com/arbiter-trade/arbiter/pkg/detector"
	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/exchange/ramzinex"
	"github.com/arbiter-trade/arbiter/pkg/executor"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arbiter",
		Short: "Cross-exchange arbitrage engine",
		Long:  `Ingests order-book streams from multiple exchanges, detects fee-adjusted price discrepancies and coordinates bounded-lifetime executions`,
		Run:   runEngine,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) {
	// Local credentials, if any, before config resolution
	_ = godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exchanges := make([]models.Exchange, 0, len(cfg.Exchanges))
	for _, ec := range cfg.Exchanges {
		exchanges = append(exchanges, models.Exchange{
			Code:      ec.Code,
			Name:      ec.Name,
			APIURL:    ec.APIURL,
			WSURL:     ec.WSURL,
			RateLimit: ec.RateLimit,
			MakerFee:  decimal.NewFromFloat(ec.MakerFee),
			TakerFee:  decimal.NewFromFloat(ec.TakerFee),
		})
	}

	g := guard.New()
	breakerCfg := guard.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
	}

	store := book.NewStore(logger)

	wanted := make(map[string]bool, len(cfg.Pairs))
	for _, cp := range cfg.Pairs {
		wanted[cp] = true
	}

	clients := make(map[string]exchange.Client, len(exchanges))
	currencyBySymbol := make(map[string]models.Currency)
	var allPairs []models.Pair
	for i, ex := range exchanges {
		eg := g.Register(ex.Code, ex.RateLimit, breakerCfg, logger)
		client := ramzinex.New(ex, cfg.Exchanges[i].APIKey, cfg.Exchanges[i].APISecret, eg, logger)
		clients[ex.Code] = client

		listed, err := client.GetPairs(ctx)
		if err != nil {
			logger.WithError(err).WithField("exchange", ex.Code).Error("Failed to fetch pairs, exchange skipped")
			continue
		}
		for _, pair := range listed {
			if !wanted[pair.CurrencyPair()] {
				continue
			}
			client.Subscribe(pair)
			allPairs = append(allPairs, pair)
		}

		curs, err := client.GetCurrencies(ctx)
		if err != nil {
			logger.WithError(err).WithField("exchange", ex.Code).Warn("Failed to fetch currencies, order precision unknown")
			continue
		}
		for _, cur := range curs {
			key := strings.ToUpper(cur.Symbol)
			if _, ok := currencyBySymbol[key]; !ok {
				currencyBySymbol[key] = cur
			}
		}
	}
	if len(allPairs) == 0 {
		logger.Fatal("No configured pairs are listed on any reachable exchange")
	}
	currencies := make([]models.Currency, 0, len(currencyBySymbol))
	for _, cur := range currencyBySymbol {
		currencies = append(currencies, cur)
	}

	table := detector.NewTable()
	det := detector.New(detector.Config{
		MinProfitPct:  decimal.NewFromFloat(cfg.Detector.MinProfitPct),
		MaxOrderSize:  decimal.NewFromFloat(cfg.Detector.MaxOrderSize),
		TTL:           cfg.Detector.OpportunityTTL,
		SweepInterval: cfg.Detector.SweepInterval,
	}, store, g, table, exchanges, allPairs, logger)
	go det.Run(ctx)

	coord := executor.New(executor.Config{
		ExecutionTimeout: cfg.Executor.ExecutionTimeout,
		FillWait:         cfg.Executor.FillWait,
		PollInterval:     cfg.Executor.PollInterval,
		Sequential:       cfg.Executor.Sequential,
		UseMarketOrders:  cfg.Executor.UseMarketOrders,
	}, table, clients, g, exchanges, currencies, allPairs, logger)
	coord.Start(ctx)

	// One ingestion loop per exchange: clients run independently, no global
	// lock step between venues.
	for code, client := range clients {
		go ingest(ctx, client, store, logger)
		go func(code string, client exchange.Client) {
			if err := client.Connect(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("exchange", code).Error("Stream terminated")
			}
		}(code, client)
	}

	apiServer := api.NewServer(table, coord, g, logger, fmt.Sprintf("%d", cfg.Server.Port))
	for code, client := range clients {
		eg := g.Exchange(code)
		ping := client.(*ramzinex.Client).Ping
		apiServer.RegisterProbe(code, func(ctx context.Context) error {
			return eg.Probe(ctx, ping)
		})
	}
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Arbiter is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	cancel()
	coord.Wait()

	// Nothing should rest on the books once the engine is gone.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cleanupCancel()
	for code, client := range clients {
		if err := client.CancelAllOrders(cleanupCtx); err != nil {
			logger.WithError(err).WithField("exchange", code).Warn("Failed to cancel open orders on shutdown")
		}
		client.Close()
	}

	logger.Info("Arbiter stopped")
}

// ingest applies the normalized event stream to the book store. Sequence
// gaps reported by the store force a REST resync for that pair only.
//
// Resync emits the fresh snapshot back onto the same event channel this loop
// drains, so it must never run inline here: with the channel full that call
// would block and nothing would be left draining it. Requests go to a side
// channel serviced by a separate goroutine instead. A dropped request is
// harmless: every further delta for an unsynced pair is rejected and
// re-requests.
func ingest(ctx context.Context, client exchange.Client, store *book.Store, logger *logrus.Logger) {
	resync := make(chan models.Pair, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pair := <-resync:
				if err := client.Resync(ctx, pair); err != nil {
					logger.WithError(err).WithField("pair", pair.Symbol).Error("Resync failed")
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case exchange.BookSnapshotEvent:
				store.ApplySnapshot(e.Snapshot)
			case exchange.BookDeltaEvent:
				if err := store.ApplyDelta(e.Delta); err != nil {
					logger.WithError(err).Warn("Delta rejected, forcing snapshot refresh")
					select {
					case resync <- e.Delta.Pair:
					default:
					}
				}
			case exchange.TradeEvent:
				logger.WithFields(logrus.Fields{
					"exchange": e.Trade.Exchange,
					"pair":     e.Trade.Pair.Symbol,
					"price":    e.Trade.Price.String(),
				}).Debug("Trade")
			case exchange.OrderUpdateEvent:
				logger.WithFields(logrus.Fields{
					"exchange": e.Order.Exchange,
					"order":    e.Order.ExchangeOrderID,
					"status":   e.Order.Status,
				}).Debug("Order update")
			case exchange.ConnectionStateEvent:
				entry := logger.WithField("exchange", e.Exchange)
				if e.Connected {
					entry.Info("Stream connected")
				} else {
					entry.WithError(e.Err).Warn("Stream disconnected")
				}
			}
		}
	}
}
