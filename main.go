package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/contact"
	"rental_hunter/httputil"
	"rental_hunter/logging"
	"rental_hunter/scheduler"
	"rental_hunter/scraper"
	"rental_hunter/services"
	"rental_hunter/storage"
	"rental_hunter/workers"
)

var (
	scrapeNow  = flag.Bool("scrape", false, "Run one acquisition cycle and exit")
	site       = flag.String("site", "", "Limit -scrape to one site")
	advanceNow = flag.Bool("advance", false, "Advance contact sequences once and exit")
	sweepNow   = flag.Bool("sweep", false, "Run the maintenance sweep once and exit")
	dryRun     = flag.Bool("dry-run", false, "Use an in-memory store and only log outgoing mail")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Msg("could not set up file logging")
	} else {
		defer logFile.Close()
	}

	log.Info().Msg("starting rental_hunter")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, id := range cfg.EnabledSites() {
		s := cfg.Sites[id]
		log.Info().Str("site", id).Str("name", s.Name).Str("handler", s.Handler).Msg("site enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	clk := clock.Real()
	clients := httputil.NewClients(&cfg.Proxy)
	if cfg.Proxy.URL != "" {
		log.Info().Str("proxy", maskConnectionString(cfg.Proxy.URL)).Msg("using proxy")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" && !*dryRun {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to reach redis")
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}

	// Contact pipeline
	var transport contact.MailTransport = contact.LoggingTransport{}
	if !*dryRun {
		transport = contact.NewMailTransport(cfg, rdb)
	}
	emailSender, err := contact.NewEmailSender(cfg.Contact, transport)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load email templates")
	}
	caller := contact.NewTwilioCaller(cfg.Twilio, clients.API)
	sender := contact.NewChannelSender(emailSender, caller)
	if cfg.Contact.PhoneEnabled && !sender.PhoneAvailable() {
		log.Warn().Msg("telephony not configured, phone follow-ups go out as reminder emails")
	}
	contacts := contact.NewOrchestrator(store, cfg.Contact, sender.PhoneAvailable(), clk)
	dispatcher := workers.NewDispatchWorker(sender, contacts, cfg.Contact.DispatchPerMinute)
	dispatcher.SetLogger(workers.StoreLogger(store))

	// Acquisition pipeline
	listingService := services.NewListingService(store, services.NewDuplicateDetector(cfg.Dedup), cfg.Dedup.WindowDays, clk)
	healthcheckService := services.NewHealthcheckService(store, listingService, clk)

	deps := scraper.Deps{
		Clients: clients,
		Gates:   scraper.NewGateSet(),
		Scraper: cfg.Scraper,
	}
	if needsBrowser(cfg) {
		browser := scraper.NewBrowserFetcher(cfg.Scraper.UserAgent)
		defer browser.Close()
		deps.Browser = browser
	}
	if cfg.S3.Bucket != "" && !*dryRun {
		archiver, err := storage.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up raw page archive")
		}
		deps.Archiver = archiver
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("archiving raw pages")
	}
	adapters, err := scraper.BuildAdapters(cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build site adapters")
	}
	orchestrator := scraper.NewOrchestrator(cfg, store, listingService, adapters, clk)
	maintenance := services.NewMaintenanceService(store, listingService, cfg.Sweep, orchestrator.SiteIDs, clk)

	sched, err := scheduler.New(cfg, orchestrator, contacts, dispatcher, maintenance, store, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}

	// Handle one-shot commands
	if *scrapeNow || *advanceNow || *sweepNow {
		if *scrapeNow {
			res, err := sched.TriggerNow(ctx, *site)
			if err != nil {
				log.Fatal().Err(err).Msg("scrape failed")
			}
			log.Info().RawJSON("result", res.ToJSON()).Msg("scrape complete")
		}
		if *advanceNow {
			res, err := sched.AdvanceContacts(ctx)
			if err != nil {
				log.Fatal().Err(err).Msg("contact advance failed")
			}
			log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Int("cancelled", res.Skipped).Msg("contact advance complete")
		}
		if *sweepNow {
			res, err := sched.RunSweep(ctx)
			if err != nil {
				log.Fatal().Err(err).Msg("sweep failed")
			}
			log.Info().
				Int("marked_unavailable", res.MarkedUnavailable).
				Int64("logs_pruned", res.LogsPruned).
				Msg("sweep complete")
		}
		return
	}

	// Daemon mode
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	enrichmentWorker := workers.NewEnrichmentWorker(store, scraper.NewHTTPFetcher(clients.Scraping, cfg.Scraper.UserAgent))
	enrichmentWorker.SetLogger(workers.StoreLogger(store))
	go enrichmentWorker.Run(ctx, 10, 5*time.Minute) // batch of 10 every 5 min

	healthcheckWorker := workers.NewHealthcheckWorker(healthcheckService, clients.NoRedirect, cfg.Scraper.UserAgent)
	healthcheckWorker.SetLogger(workers.StoreLogger(store))
	go healthcheckWorker.Run(ctx, 24*time.Hour, 20, 30*time.Minute) // listings unseen for 24h, batch 20, every 30 min

	sched.SetWorkers(enrichmentWorker, healthcheckWorker)

	if rdb != nil {
		go workers.NewResponseWatcher(rdb, cfg.Redis.ResponsesKey, contacts, clk).Run(ctx)
	}

	log.Info().Msg("daemon running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch {
	case *dryRun:
		log.Info().Msg("dry run: using in-memory store")
		return storage.NewMemoryStore(), nil
	case cfg.DatabaseURL != "":
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info().Str("db", maskConnectionString(cfg.DatabaseURL)).Msg("connected to postgres")
		return s, nil
	default:
		s, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.DBPath).Msg("sqlite database opened")
		return s, nil
	}
}

func needsBrowser(cfg *config.Config) bool {
	for _, id := range cfg.EnabledSites() {
		if cfg.Sites[id].Fetcher == "browser" {
			return true
		}
	}
	return false
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3
	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
