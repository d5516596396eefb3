package scheduler

import (
	"context"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	syncengine "github.com/kimhsiao/daybook/internal/sync"
)

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context, ownerID models.UUID, opts syncengine.RunOptions) (*models.SyncResult, error)
}

// OwnerLister enumerates owners with queued work for the periodic pass.
type OwnerLister interface {
	OwnersWithQueuedWork() ([]models.UUID, error)
}

// Scheduler triggers background sync sessions. Two paths feed it: a periodic
// ticker that sweeps every owner with queued work, and Notify, which debounces
// bursts of local mutations into one session. Both paths call the engine the
// same way an interactive caller does and are subject to the same
// preconditions; a rejection here is logged, not surfaced.
type Scheduler struct {
	runner   Runner
	owners   OwnerLister
	interval time.Duration
	debounce time.Duration

	notifyCh chan models.UUID
	stopCh   chan struct{}
	stopOnce gosync.Once
	wg       gosync.WaitGroup
}

// New creates a Scheduler. interval is the periodic sweep cadence, debounce
// how long a mutation burst settles before a session starts.
func New(runner Runner, owners OwnerLister, interval, debounce time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Scheduler{
		runner:   runner,
		owners:   owners,
		interval: interval,
		debounce: debounce,
		notifyCh: make(chan models.UUID, 64),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.notifyLoop(ctx)
	logrus.WithField("interval", s.interval).Info("Sync scheduler started")
}

// Stop shuts the loops down and waits for any in-flight session to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	logrus.Info("Sync scheduler stopped")
}

// Notify records that an owner mutated data locally. Non-blocking; when the
// channel is full the periodic sweep covers the owner anyway.
func (s *Scheduler) Notify(ownerID models.UUID) {
	select {
	case s.notifyCh <- ownerID:
	default:
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	owners, err := s.owners.OwnersWithQueuedWork()
	if err != nil {
		logrus.WithError(err).Error("Failed to list owners with queued work")
		return
	}
	for _, owner := range owners {
		s.runOnce(ctx, owner)
	}
}

// notifyLoop debounces mutation notifications per burst: after the first
// notification it keeps absorbing further ones until the debounce window
// passes quietly, then runs one session per distinct owner seen.
func (s *Scheduler) notifyLoop(ctx context.Context) {
	defer s.wg.Done()

	pending := make(map[models.UUID]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case owner := <-s.notifyCh:
			pending[owner] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case <-fire:
			for owner := range pending {
				s.runOnce(ctx, owner)
				delete(pending, owner)
			}
			fire = nil
			timer = nil
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, ownerID models.UUID) {
	res, err := s.runner.Run(ctx, ownerID, syncengine.RunOptions{Direction: models.DirectionBoth})
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrOffline, apperrors.ErrPoorConnection, apperrors.ErrSyncInProgress, apperrors.ErrRateLimited:
			logrus.WithField("owner_id", ownerID).WithField("code", apperrors.CodeOf(err)).
				Debug("Background sync skipped")
		default:
			logrus.WithError(err).WithField("owner_id", ownerID).Warn("Background sync failed")
		}
		return
	}
	logrus.WithField("owner_id", ownerID).
		WithField("synced", len(res.SyncedIDs)).
		WithField("downloaded", res.Downloaded).
		Debug("Background sync finished")
}
