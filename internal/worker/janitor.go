package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// RetryStore is the slice of the job store the janitor needs.
type RetryStore interface {
	RequeueFailedJobs(ctx context.Context, maxRetries int) (int, error)
}

// Janitor is the external retry supervisor: on a schedule it re-queues failed
// jobs that still have retry budget. The worker itself never retries, so this
// is the single place retry policy lives.
type Janitor struct {
	store      RetryStore
	maxRetries int
	cron       *cron.Cron
}

func NewJanitor(store RetryStore, maxRetries int) *Janitor {
	return &Janitor{
		store:      store,
		maxRetries: maxRetries,
		cron:       cron.New(),
	}
}

// Start schedules the requeue sweep. Returns an error only for a bad schedule
// expression, which would be a programming mistake.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@every 1m", j.sweep)
	if err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("Retry janitor started (max_retries=%d)", j.maxRetries)
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.store.RequeueFailedJobs(ctx, j.maxRetries)
	if err != nil {
		log.Printf("Janitor: requeue sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Janitor: re-queued %d failed job(s)", n)
	}
}
