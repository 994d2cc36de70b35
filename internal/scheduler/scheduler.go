package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/repository"
	"github.com/mifumohq/dispatch/internal/service"
)

// How many due campaigns one scheduler tick will start, and how many stuck
// messages one reconciliation pass will re-enqueue.
const (
	dueCampaignBatch = 50
	stuckBatch       = 500
)

// jobTimeout bounds each scheduled job run.
const jobTimeout = 5 * time.Minute

// Scheduler runs the periodic background jobs: starting due scheduled
// campaigns, promoting delayed tasks onto the ready queue, and re-enqueueing
// stuck queued messages whose task was lost.
type Scheduler struct {
	campaigns         *service.CampaignService
	messageRepo       repository.OutboundMessageRepository
	queueClient       queue.Client
	stuckRequeueAfter time.Duration
	clock             clockwork.Clock
	cron              *cron.Cron
	logger            *slog.Logger
}

// New creates a scheduler with its jobs registered but not started.
func New(
	campaigns *service.CampaignService,
	messageRepo repository.OutboundMessageRepository,
	queueClient queue.Client,
	stuckRequeueAfter time.Duration,
	clock clockwork.Clock,
	logger *slog.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		campaigns:         campaigns,
		messageRepo:       messageRepo,
		queueClient:       queueClient,
		stuckRequeueAfter: stuckRequeueAfter,
		clock:             clock,
		cron:              cron.New(cron.WithSeconds()),
		logger:            logger,
	}

	if _, err := s.cron.AddFunc("*/5 * * * * *", s.promoteDue); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("0 * * * * *", s.startDueCampaigns); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("0 */10 * * * *", s.requeueStuck); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// promoteDue moves delayed tasks whose time has come onto the ready queue.
func (s *Scheduler) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	promoted, err := s.queueClient.PromoteDue(ctx)
	if err != nil {
		s.logger.Error("failed to promote delayed tasks", "error", err)
		return
	}
	if promoted > 0 {
		s.logger.Debug("promoted delayed tasks", "count", promoted)
	}
}

// startDueCampaigns starts scheduled campaigns whose time has passed.
func (s *Scheduler) startDueCampaigns() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	started, err := s.campaigns.StartDueScheduled(ctx, dueCampaignBatch)
	if err != nil {
		s.logger.Error("failed to start due campaigns", "error", err)
		return
	}
	if started > 0 {
		s.logger.Info("started scheduled campaigns", "count", started)
	}
}

// requeueStuck re-enqueues tasks for messages that have sat in queued past
// the threshold. Covers tasks lost between row insert and queue publish, or
// dropped by the broker. Re-enqueueing an alive task is harmless: the worker
// absorbs the duplicate via the status gate.
func (s *Scheduler) requeueStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.stuckRequeueAfter)
	stuck, err := s.messageRepo.ListStuckQueued(ctx, cutoff, stuckBatch)
	if err != nil {
		s.logger.Error("failed to list stuck messages", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	requeued := 0
	for _, message := range stuck {
		if err := s.queueClient.Publish(ctx, &models.SendTask{OutboundMessageID: message.ID}); err != nil {
			s.logger.Error("failed to requeue stuck message", "message_id", message.ID, "error", err)
			continue
		}
		requeued++
	}
	s.logger.Info("requeued stuck messages", "found", len(stuck), "requeued", requeued)
}
