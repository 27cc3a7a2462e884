package reservation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vibewell/bookingops/internal/models"
)

var expiredHoldsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "booking_expired_holds_total",
	Help: "Pending reservations cancelled by the expiry sweeper",
})

// SweepExpired cancels every pending hold past its expiry, freeing those
// slots. Reserve also does this lazily per slot; the sweeper bounds how long
// an abandoned hold can linger when nobody retries the slot.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := e.db.Exec(ctx, `
		UPDATE reservations
		SET status = $1, cancelled_at = NOW()
		WHERE status = $2 AND expires_at <= NOW()`,
		models.ReservationCancelled, models.ReservationPending,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}
	n := tag.RowsAffected()
	expiredHoldsTotal.Add(float64(n))
	return n, nil
}

// Run sweeps on the given interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepExpired(ctx)
			if err != nil {
				log.Printf("reservation sweeper: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("reservation sweeper: cancelled %d expired holds", n)
			}
		}
	}
}
