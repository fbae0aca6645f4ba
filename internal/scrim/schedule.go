package scrim

import (
	"context"
	"errors"
	"strconv"
	"time"

	"scrimbot/internal/task/queue"
)

// Scheduler enqueues scrim actions.
type Scheduler struct {
	q *queue.Queue
}

func NewScheduler(q *queue.Queue) *Scheduler { return &Scheduler{q: q} }

// ScheduleRegistration opens registration for scrimID at at. There is no
// cancel: a job for a scrim deleted in the meantime becomes a no-op.
func (s *Scheduler) ScheduleRegistration(ctx context.Context, scrimID int64, at time.Time) (int64, error) {
	if scrimID <= 0 {
		return 0, errors.New("scrim id must be positive")
	}
	return s.q.EnqueueAt(ctx, queue.Job{
		Action:   queue.ActionScrimRegistrationStart,
		TargetID: strconv.FormatInt(scrimID, 10),
	}, at)
}

func (s *Scheduler) ScheduleRegistrationIn(ctx context.Context, scrimID int64, delay time.Duration) (int64, error) {
	if scrimID <= 0 {
		return 0, errors.New("scrim id must be positive")
	}
	return s.q.Enqueue(ctx, queue.ActionScrimRegistrationStart, strconv.FormatInt(scrimID, 10), delay)
}
