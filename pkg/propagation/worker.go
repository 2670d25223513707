package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/domika-dev/template-registry/pkg/registry"
)

// WorkerConfig controls the delivery worker pool.
type WorkerConfig struct {
	Enabled      bool          // Whether the pool runs at all. Default true.
	Concurrency  int           // Worker goroutines. Default 3.
	PollInterval time.Duration // How often workers look for due deliveries. Default 5s.
	MaxAttempts  int           // Attempt budget per delivery. Default 8.
	BackoffBase  time.Duration // First retry delay; doubles per attempt. Default 2s.
	ClaimTimeout time.Duration // In-flight deliveries older than this are released. Default 10m.
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Enabled:      true,
		Concurrency:  3,
		PollInterval: 5 * time.Second,
		MaxAttempts:  8,
		BackoffBase:  2 * time.Second,
		ClaimTimeout: 10 * time.Minute,
	}
}

// CompletionNotifier is told after a delivery for a registry entry is marked
// Delivered. Implementations must tolerate repeat calls for the same entry:
// an entry fans out to every subscriber and each completed delivery notifies.
type CompletionNotifier interface {
	DeliveryCompleted(entryID, contributionRef string) error
}

// WorkerPool drains the delivery queue with a pool of goroutines.
type WorkerPool struct {
	deliveries *DeliveryStore
	entries    *registry.Store
	transport  Transport
	cfg        *WorkerConfig
	logger     *slog.Logger
	notifier   CompletionNotifier
	wg         sync.WaitGroup
}

// NewWorkerPool creates a worker pool. logger may be nil.
func NewWorkerPool(deliveries *DeliveryStore, entries *registry.Store, transport Transport, cfg *WorkerConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	return &WorkerPool{
		deliveries: deliveries,
		entries:    entries,
		transport:  transport,
		cfg:        cfg,
		logger:     logger,
	}
}

// NotifyCompletion registers a callback for completed deliveries. Must be
// called before Run.
func (wp *WorkerPool) NotifyCompletion(n CompletionNotifier) {
	wp.notifier = n
}

// Run starts the pool and blocks until the context is cancelled, then waits
// for the workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if !wp.cfg.Enabled {
		wp.logger.Info("delivery worker pool disabled")
		return
	}

	wp.logger.Info("delivery worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxAttempts", wp.cfg.MaxAttempts,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.maintenanceLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("delivery worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("delivery worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything due before sleeping again.
			for wp.processOne(ctx, workerID) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne claims and pushes a single delivery. Returns false when the
// queue had nothing due.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	delivery, err := wp.deliveries.Claim()
	if err != nil {
		wp.logger.Error("failed to claim delivery", "workerID", workerID, "error", err)
		return false
	}
	if delivery == nil {
		return false
	}

	wp.logger.Info("delivering template",
		"workerID", workerID,
		"deliveryID", delivery.ID,
		"template", delivery.TemplateCode,
		"version", delivery.Version,
		"subscriber", delivery.SubscriberSiteURL,
		"attempt", delivery.Attempts)

	entry, err := wp.entries.GetByID(delivery.EntryID)
	if err == nil && entry == nil {
		err = errMissingEntry(delivery.EntryID)
	}

	if err == nil {
		start := time.Now()
		err = wp.transport.Deliver(ctx, delivery.SubscriberSiteURL, PayloadFromEntry(entry))
		deliveryDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		wp.logger.Error("delivery attempt failed",
			"workerID", workerID,
			"deliveryID", delivery.ID,
			"attempt", delivery.Attempts,
			"error", err)
		deliveriesTotal.WithLabelValues("failure").Inc()
		if failErr := wp.deliveries.Fail(delivery.ID, err.Error(), wp.cfg.MaxAttempts, wp.cfg.BackoffBase); failErr != nil {
			wp.logger.Error("failed to record delivery failure", "deliveryID", delivery.ID, "error", failErr)
		}
		return true
	}

	deliveriesTotal.WithLabelValues("success").Inc()
	if err := wp.deliveries.MarkDelivered(delivery.ID); err != nil {
		wp.logger.Error("failed to mark delivery complete", "deliveryID", delivery.ID, "error", err)
	}
	if wp.notifier != nil {
		if err := wp.notifier.DeliveryCompleted(entry.ID, entry.ContributionRef); err != nil {
			wp.logger.Error("delivery completion callback failed",
				"deliveryID", delivery.ID, "entryID", entry.ID, "error", err)
		}
	}
	return true
}

// maintenanceLoop releases stuck in-flight deliveries and refreshes the
// queue depth gauge.
func (wp *WorkerPool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := wp.deliveries.ReleaseStuck(wp.cfg.ClaimTimeout)
			if err != nil {
				wp.logger.Error("failed to release stuck deliveries", "error", err)
			} else if released > 0 {
				wp.logger.Warn("released stuck deliveries", "count", released)
			}

			counts, err := wp.deliveries.CountByStatus()
			if err != nil {
				continue
			}
			for _, status := range []DeliveryStatus{StatusPending, StatusInFlight, StatusDelivered, StatusFailed} {
				queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}
	}
}

type errMissingEntry string

func (e errMissingEntry) Error() string {
	return "registry entry " + string(e) + " not found"
}
