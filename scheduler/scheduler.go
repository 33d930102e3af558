package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/contact"
	"rental_hunter/models"
	"rental_hunter/scraper"
	"rental_hunter/services"
	"rental_hunter/workers"
)

const commandPollInterval = 2 * time.Second

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// CommandStore is the command queue the scheduler drains.
type CommandStore interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

type Scheduler struct {
	cfg          *config.Config
	orchestrator *scraper.Orchestrator
	contacts     *contact.Orchestrator
	dispatcher   *workers.DispatchWorker
	maintenance  *services.MaintenanceService
	commands     CommandStore
	clock        clock.Clock
	cron         *cron.Cron
	stopCh       chan struct{}

	enrichmentWorker  Triggerable
	healthcheckWorker Triggerable
}

func New(
	cfg *config.Config,
	orchestrator *scraper.Orchestrator,
	contacts *contact.Orchestrator,
	dispatcher *workers.DispatchWorker,
	maintenance *services.MaintenanceService,
	commands CommandStore,
	clk clock.Clock,
) (*Scheduler, error) {
	if clk == nil {
		clk = clock.Real()
	}
	loc := time.Local
	if cfg.Scheduler.Timezone != "" {
		l, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Scheduler.Timezone, err)
		}
		loc = l
	}
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		contacts:     contacts,
		dispatcher:   dispatcher,
		maintenance:  maintenance,
		commands:     commands,
		clock:        clk,
		cron:         cron.New(cron.WithLocation(loc)),
		stopCh:       make(chan struct{}),
	}, nil
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(enrichment, healthcheck Triggerable) {
	s.enrichmentWorker = enrichment
	s.healthcheckWorker = healthcheck
}

func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"scrape", s.cfg.Scheduler.ScrapeCron, func(ctx context.Context) error {
			_, err := s.orchestrator.RunScheduled(ctx)
			return err
		}},
		{"contact", s.cfg.Scheduler.ContactCron, func(ctx context.Context) error {
			_, err := s.AdvanceContacts(ctx)
			return err
		}},
		{"sweep", s.cfg.Scheduler.SweepCron, func(ctx context.Context) error {
			_, err := s.RunSweep(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			log.Info().Str("job", job.name).Msg("no schedule configured, job runs on command only")
			continue
		}
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(ctx); err != nil {
				log.Error().Err(err).Str("job", job.name).Msg("scheduled run failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid %s cron expression %q: %w", job.name, job.spec, err)
		}
		log.Info().Str("job", job.name).Str("cron", job.spec).Msg("job scheduled")
	}

	go s.pollCommands(ctx)
	s.cron.Start()
	return nil
}

// Stop halts the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.stopCh)
}

// TriggerNow runs one acquisition cycle for site, or all sites when empty.
func (s *Scheduler) TriggerNow(ctx context.Context, site string) (models.CycleResult, error) {
	if site == "" {
		site = scraper.AllSites
	}
	return s.orchestrator.RunCycle(ctx, site)
}

// AdvanceContacts advances every contact sequence and sends what became due.
func (s *Scheduler) AdvanceContacts(ctx context.Context) (workers.DispatchResult, error) {
	actions, err := s.contacts.Advance(ctx, s.clock.Now())
	if err != nil && len(actions) == 0 {
		return workers.DispatchResult{}, err
	}
	res, dispatchErr := s.dispatcher.Dispatch(ctx, actions)
	if len(actions) > 0 {
		log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Int("cancelled", res.Skipped).Msg("contact advance done")
	}
	return res, errors.Join(err, dispatchErr)
}

func (s *Scheduler) RunSweep(ctx context.Context) (services.SweepResult, error) {
	return s.maintenance.Sweep(ctx)
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands handles every pending command once. A failed command is
// still marked processed.
func (s *Scheduler) ProcessCommands(ctx context.Context) int {
	cmds, err := s.commands.GetPendingCommands(ctx)
	if err != nil {
		log.Error().Err(err).Msg("get pending commands failed")
		return 0
	}

	for _, cmd := range cmds {
		log.Info().Str("command", string(cmd.Command)).Int64("id", cmd.ID).Msg("processing command")
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Error().Err(err).Str("command", string(cmd.Command)).Msg("command failed")
		}
		if err := s.commands.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			log.Error().Err(err).Int64("id", cmd.ID).Msg("mark command processed failed")
		}
	}
	return len(cmds)
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := cmd.ParseParams()
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	switch cmd.Command {
	case models.CmdAdvance:
		_, err := s.AdvanceContacts(ctx)
		return err
	case models.CmdStopPursuing:
		id, err := uuid.Parse(params.ListingID)
		if err != nil {
			return fmt.Errorf("listing_id: %w", err)
		}
		return s.contacts.StopPursuing(ctx, id, params.Reason)
	case models.CmdMarkResponded:
		id, err := uuid.Parse(params.ListingID)
		if err != nil {
			return fmt.Errorf("listing_id: %w", err)
		}
		return s.contacts.NotifyResponse(ctx, id, s.clock.Now())
	case models.CmdRetryContact:
		id, err := uuid.Parse(params.RecordID)
		if err != nil {
			return fmt.Errorf("record_id: %w", err)
		}
		action, err := s.contacts.RetryContact(ctx, id, s.clock.Now())
		if err != nil || action == nil {
			return err
		}
		_, err = s.dispatcher.Dispatch(ctx, []models.ContactAction{*action})
		return err
	case models.CmdRunSweep:
		_, err := s.RunSweep(ctx)
		return err
	case models.CmdRunEnrichment:
		if s.enrichmentWorker != nil {
			s.enrichmentWorker.Trigger()
			log.Info().Msg("enrichment worker triggered via command")
		}
		return nil
	case models.CmdRunHealthcheck:
		if s.healthcheckWorker != nil {
			s.healthcheckWorker.Trigger()
			log.Info().Msg("healthcheck worker triggered via command")
		}
		return nil
	default:
		return s.orchestrator.HandleCommand(ctx, cmd)
	}
}
