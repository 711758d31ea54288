package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker drives the dispatcher and the scheduler from a polling loop.
type Worker struct {
	dispatcher *Dispatcher
	scheduler  *Scheduler
	log        logrus.FieldLogger
	now        func() time.Time
	lastRun    string
}

func NewWorker(dispatcher *Dispatcher, scheduler *Scheduler, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		dispatcher: dispatcher,
		scheduler:  scheduler,
		log:        logger.WithField("component", "worker"),
		now:        time.Now,
	}
}

// Tick runs reminders once per local day, requeues stale claims and then
// drains batches until the queue is empty or a batch comes back short.
func (w *Worker) Tick(ctx context.Context) {
	if w.scheduler != nil {
		today := w.now().In(w.scheduler.location).Format(time.DateOnly)
		if today != w.lastRun {
			if _, err := w.scheduler.ScheduleReminders(ctx, w.now()); err != nil {
				w.log.WithError(err).Error("schedule reminders failed")
			} else {
				w.lastRun = today
			}
		}
	}

	if _, err := w.dispatcher.RequeueStale(ctx); err != nil {
		w.log.WithError(err).Error("requeue stale failed")
	}

	for ctx.Err() == nil {
		result, err := w.dispatcher.DispatchBatch(ctx)
		if err != nil {
			w.log.WithError(err).Error("dispatch batch failed")
			return
		}
		if result.Claimed < w.dispatcher.batchSize {
			return
		}
	}
}

func Start(ctx context.Context, interval time.Duration, w *Worker) {
	w.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}
