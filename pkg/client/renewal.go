package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/clock"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stamper hands out command timestamps that never move backwards for one
// identity. Acquire and renew share it.
type stamper struct {
	clock clock.Clock

	mu   sync.Mutex
	last time.Time
}

// the clock is read under the lock so concurrent callers are stamped in
// the order they are serialised
func (s *stamper) stamp() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Before(s.last) {
		return time.Time{}, types.ErrClockRegression
	}
	s.last = now
	return now, nil
}

// renewer is everything the renewal daemon needs and nothing more. It holds
// no reference to the Client, so an abandoned client can still be collected
// and its cleanup can stop the daemon.
type renewer struct {
	log       Applier
	namespace string
	selfID    string
	stamps    *stamper
	clock     clock.Clock
	logger    hclog.Logger
	tracer    trace.Tracer

	checkInterval time.Duration
	renewInterval time.Duration

	done chan struct{}
}

// run is the daemon loop. started is closed once the loop is running.
func (r *renewer) run(ctx context.Context, started chan<- struct{}) {
	defer close(r.done)
	close(started)

	//the first renewal is due one interval after start, like every later one
	lastRenew := r.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.checkInterval):
		}

		now := r.clock.Now()
		if now.Sub(lastRenew) < r.renewInterval {
			continue
		}

		//without a leader the command would only queue up or fail
		if !r.log.LeaderKnown() {
			r.logger.Trace("no leader known, skipping renewal")
			metrics.LeaseRenewTotal.WithLabelValues(r.namespace, metrics.RenewSkipped).Inc()
			continue
		}

		if at := r.renew(ctx); !at.IsZero() {
			lastRenew = at
		} else {
			lastRenew = now
		}
	}
}

// submits one renew command and returns the time it carried, zero if none
// was submitted
func (r *renewer) renew(ctx context.Context) time.Time {
	ctx, span := r.tracer.Start(ctx, "holdfast.renew", trace.WithAttributes(
		attribute.String("lease.namespace", r.namespace),
		attribute.String("lease.client_id", r.selfID),
	))
	defer span.End()

	//a renewal that takes longer than the gap to the next one is lost anyway
	ctx, cancel := context.WithTimeout(ctx, r.renewInterval)
	defer cancel()

	at, err := r.stamps.stamp()
	if err != nil {
		r.fail(span, err)
		return time.Time{}
	}

	cmd, err := types.NewRenew(r.namespace, r.selfID, at)
	if err != nil {
		r.fail(span, err)
		return time.Time{}
	}

	result, err := r.log.Apply(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			//client closed mid-renewal
			return at
		}
		r.fail(span, err)
		return at
	}

	metrics.LeaseRenewTotal.WithLabelValues(r.namespace, metrics.RenewSuccess).Inc()
	if resp, ok := result.(fsm.RenewResponse); ok {
		span.SetAttributes(attribute.Int("lease.renewed", resp.Renewed), attribute.Int("lease.expired", resp.Expired))
		r.logger.Trace("renewed leases", "renewed", resp.Renewed, "expired", resp.Expired)
	}
	return at
}

// renewal failures are only logged, the next cycle or the acquire-side
// safety margin covers them
func (r *renewer) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.LeaseRenewTotal.WithLabelValues(r.namespace, metrics.RenewFailure).Inc()
	r.logger.Warn("lease renewal failed", "error", err)
}
