package anchor

import (
	"context"
	"fmt"
	"time"

	"anchordrift/internal/logging"
	"anchordrift/internal/models"
	"anchordrift/pkg/schedule"
)

// MainScan is the primary acquisition interleaved with the anchor scans.
type MainScan interface {
	// ScanPixels acquires the next n pixels of the main scan. correction is
	// the shift returned by Estimate, in scanner pixels; the probe follows a
	// drifting specimen by moving to the nominal position minus correction.
	ScanPixels(ctx context.Context, n int, correction models.DriftVector) error
}

// Corrector drives an acquisition: it alternates main-scan intervals with
// anchor scans and feeds the drift estimate back into the main scan.
type Corrector struct {
	source  Source
	state   State
	log     logging.Logger
	metrics *Collector
}

// CorrectorOption configures a Corrector.
type CorrectorOption func(*Corrector)

// WithCorrectorLogger sets the logger used for loop events.
func WithCorrectorLogger(l logging.Logger) CorrectorOption {
	return func(c *Corrector) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCorrectorMetrics records estimates in m.
func WithCorrectorMetrics(m *Collector) CorrectorOption {
	return func(c *Corrector) { c.metrics = m }
}

// NewCorrector returns a Corrector starting from state, scanning with src.
func NewCorrector(src Source, state State, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		source: src,
		state:  state,
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the drift state reached by the last Run.
func (c *Corrector) State() State {
	return c.state
}

// Run acquires the whole main scan of shape, taking an anchor scan every
// period of main-scan time. It stops at the first failure; the state reached
// so far stays available through State.
func (c *Corrector) Run(ctx context.Context, main MainScan, period, pixelTime time.Duration, shape models.ScanGeometry) error {
	sched, err := schedule.CorrectionPeriod(period, pixelTime, shape)
	if err != nil {
		return err
	}

	log := c.log.With(
		logging.Any("shape", [2]int{shape.Width, shape.Height}),
		logging.Int("interval", sched.First()),
	)
	log.Info(ctx, "drift corrected acquisition started",
		logging.Duration("estimated", EstimateTotalTime(c.state.Region, sched, pixelTime, shape)),
	)

	state, _, err := Acquire(ctx, c.state, c.source)
	if err != nil {
		return fmt.Errorf("acquire reference anchor: %w", err)
	}
	c.state = state
	c.metrics.setDrift(models.DriftVector{})

	var correction models.DriftVector
	done, total := 0, shape.Pixels()
	for n := range sched.Intervals(shape) {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if err := main.ScanPixels(ctx, n, correction); err != nil {
			return fmt.Errorf("main scan at pixel %d: %w", done, err)
		}
		done += n
		if done >= total {
			break
		}

		state, _, err := Acquire(ctx, c.state, c.source)
		if err != nil {
			return fmt.Errorf("acquire anchor after %d pixels: %w", done, err)
		}
		state, correction, err = Estimate(state)
		if err != nil {
			return fmt.Errorf("estimate drift after %d pixels: %w", done, err)
		}
		c.state = state
		c.metrics.observeEstimate(state)

		fields := []logging.Field{
			logging.Int("pixels", done),
			logging.String("drift", correction.String()),
		}
		if state.LowConfidence {
			log.Warn(ctx, "drift estimate from featureless anchor", fields...)
		} else {
			log.Debug(ctx, "drift estimated", fields...)
		}
	}

	log.Info(ctx, "drift corrected acquisition completed",
		logging.Int("anchors", len(c.state.History)),
		logging.Int("estimates", c.state.Estimates),
		logging.String("max_drift", c.state.MaxDrift.String()),
	)
	return nil
}

// AnchorCount returns how many anchor scans an acquisition of shape takes,
// reference included.
func AnchorCount(sched schedule.Schedule, shape models.ScanGeometry) int {
	count := 0
	for range sched.Intervals(shape) {
		count++
	}
	return count
}

// EstimateTotalTime returns the minimum duration of a drift corrected
// acquisition: every main-scan pixel plus every anchor scan.
func EstimateTotalTime(region models.AnchorRegion, sched schedule.Schedule, pixelTime time.Duration, shape models.ScanGeometry) time.Duration {
	main := time.Duration(shape.Pixels()) * pixelTime
	return main + time.Duration(AnchorCount(sched, shape))*EstimateAcquisitionTime(region)
}
