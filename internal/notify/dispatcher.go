package notify

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/payledger/internal/metrics"
	"github.com/and161185/payledger/internal/model"
	"go.uber.org/zap"
)

// Dispatcher delivers notifications off the request path. Enqueue never blocks;
// delivery failures are logged and dropped.
type Dispatcher struct {
	sender      Sender
	queue       chan model.Notification
	workerCount int
	sendTimeout time.Duration
	logger      *zap.SugaredLogger
}

func NewDispatcher(sender Sender, queueSize, workerCount int, sendTimeout time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Dispatcher{
		sender:      sender,
		queue:       make(chan model.Notification, queueSize),
		workerCount: workerCount,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

func (d *Dispatcher) Enqueue(n model.Notification) bool {
	select {
	case d.queue <- n:
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warnw("notification queue full, dropping message", "user_id", n.UserID)
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, n.To, n.Body); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Errorf("send notification to user %d: %v", n.UserID, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
