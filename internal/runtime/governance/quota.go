package governance

import (
	"context"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

const (
	DefaultWarnPercent     = 80.0
	DefaultCriticalPercent = 95.0
)

// Estimate is a storage reading in bytes.
type Estimate struct {
	Quota   uint64
	Usage   uint64
	Percent float64
}

// Storage reports how much of its quota the kernel's backing store uses.
type Storage interface {
	Estimate(ctx context.Context) (Estimate, error)
	// Persist asks the store not to evict kernel data. It reports whether
	// the request was granted.
	Persist(ctx context.Context) (bool, error)
}

type QuotaOptions struct {
	WarnPercent     float64
	CriticalPercent float64
	Metrics         *metrics.Metrics
}

type Quota struct {
	bus      *bus.Bus
	storage  Storage
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	warn     float64
	critical float64
}

// NewQuota watches storage. A nil storage makes every check a no-op.
func NewQuota(b *bus.Bus, storage Storage, logger logging.ServiceLogger, opts QuotaOptions) *Quota {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	if opts.WarnPercent <= 0 {
		opts.WarnPercent = DefaultWarnPercent
	}
	if opts.CriticalPercent <= 0 {
		opts.CriticalPercent = DefaultCriticalPercent
	}
	return &Quota{
		bus:      b,
		storage:  storage,
		logger:   logger.With(logging.LogFields{"component": "quota"}),
		metrics:  opts.Metrics,
		warn:     opts.WarnPercent,
		critical: opts.CriticalPercent,
	}
}

// Check reads the storage estimate and publishes storage.critical or
// storage.warn when a threshold is reached. It returns nil, nil when no
// storage is configured.
func (q *Quota) Check(ctx context.Context) (*Estimate, error) {
	if q.storage == nil {
		return nil, nil
	}
	est, err := q.storage.Estimate(ctx)
	if err != nil {
		return nil, err
	}
	if est.Percent == 0 && est.Quota > 0 {
		est.Percent = float64(est.Usage) * 100 / float64(est.Quota)
	}
	q.metrics.StoragePercent(est.Percent)

	payload := events.StorageAlertPayload{Percent: est.Percent, Quota: est.Quota, Usage: est.Usage}
	switch {
	case est.Percent >= q.critical:
		q.logger.Warn("storage critical", logging.LogFields{"percent": est.Percent})
		q.bus.Publish(events.StorageCritical, payload)
	case est.Percent >= q.warn:
		q.logger.Info("storage warning", logging.LogFields{"percent": est.Percent})
		q.bus.Publish(events.StorageWarn, payload)
	}
	return &est, nil
}

// RequestPersistence forwards to the storage. It reports false without a
// storage.
func (q *Quota) RequestPersistence(ctx context.Context) (bool, error) {
	if q.storage == nil {
		return false, nil
	}
	return q.storage.Persist(ctx)
}
