package stock

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"go.uber.org/zap"
)

// Sweeper releases held reservations whose expiry has passed, so abandoned
// checkouts do not leak reserved stock.
type Sweeper struct {
	ledger   Ledger
	logger   *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(ledger Ledger, logger *zap.Logger, m *metrics.Metrics, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		ledger:   ledger,
		logger:   logger,
		metrics:  m,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) Start(ctx context.Context) {
	logx.Info(ctx, s.logger, "Starting reservation sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logx.Info(ctx, s.logger, "Reservation sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logx.Error(ctx, s.logger, "Error sweeping reservations", zap.Error(err))
			}
		}
	}
}

// SweepOnce drains due reservations batch by batch until none are left.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.ledger.ExpireDue(ctx, s.now(), s.batch)
		total += n
		if n > 0 {
			s.metrics.ReservationsExpired.Add(float64(n))
		}
		if err != nil {
			return total, err
		}
		if n < s.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		logx.Info(ctx, s.logger, "Expired reservations released", zap.Int("count", total))
	}
	return total, nil
}
