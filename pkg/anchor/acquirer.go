package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anchordrift/internal/logging"
	"anchordrift/internal/models"
)

// ScanSettings is the part of the scanner state an anchor scan overrides.
type ScanSettings struct {
	Scale       [2]float64
	Resolution  [2]int
	DwellTime   time.Duration
	Translation [2]float64
}

// Scanner is the beam or probe positioning hardware.
type Scanner interface {
	Capabilities

	// Settings returns the current scan settings
	Settings() ScanSettings

	SetScale(scale [2]float64) error
	SetResolution(res [2]int) error
	SetDwellTime(dwell time.Duration) error
	SetTranslation(trans [2]float64) error
}

// Detector delivers frames to subscribers. Subscribe returns a function that
// stops the delivery.
type Detector interface {
	Subscribe(fn func(*models.IntensityGrid)) (unsubscribe func(), err error)
}

// Source produces one anchor grid per call.
type Source interface {
	Scan(ctx context.Context, region models.AnchorRegion) (*models.IntensityGrid, error)
}

// TimeoutPolicy gives the longest wait allowed for a scan expected to take
// the given time.
type TimeoutPolicy func(expected time.Duration) time.Duration

// ProportionalTimeout allows factor times the expected duration plus margin.
func ProportionalTimeout(factor float64, margin time.Duration) TimeoutPolicy {
	return func(expected time.Duration) time.Duration {
		return time.Duration(float64(expected)*factor) + margin
	}
}

// DefaultTimeout waits three times the expected scan time plus five seconds.
func DefaultTimeout() TimeoutPolicy {
	return ProportionalTimeout(3, 5*time.Second)
}

// Acquirer performs anchor scans on a scanner/detector pair.
type Acquirer struct {
	scanner  Scanner
	detector Detector
	timeout  TimeoutPolicy
	log      logging.Logger
	metrics  *Collector
	now      func() time.Time
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithLogger sets the logger used for scan events.
func WithLogger(l logging.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics records scan outcomes in c.
func WithMetrics(c *Collector) Option {
	return func(a *Acquirer) { a.metrics = c }
}

// WithTimeout replaces the default timeout policy.
func WithTimeout(p TimeoutPolicy) Option {
	return func(a *Acquirer) {
		if p != nil {
			a.timeout = p
		}
	}
}

// WithClock sets the time source used to stamp grids.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAcquirer returns an Acquirer driving scanner and reading detector.
func NewAcquirer(scanner Scanner, detector Detector, opts ...Option) *Acquirer {
	a := &Acquirer{
		scanner:  scanner,
		detector: detector,
		timeout:  DefaultTimeout(),
		log:      logging.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Scan acquires one grid of region. The scanner settings are restored
// whatever the outcome.
func (a *Acquirer) Scan(ctx context.Context, region models.AnchorRegion) (grid *models.IntensityGrid, err error) {
	if region.Resolution[0] <= 0 || region.Resolution[1] <= 0 || region.DwellTime <= 0 {
		return nil, fmt.Errorf("%w: anchor resolution %v and dwell time %v must be positive",
			models.ErrInvalidArgument, region.Resolution, region.DwellTime)
	}
	if err := ctx.Err(); err != nil {
		a.metrics.observeAcquisition(ResultCancelled, 0)
		return nil, cancelled(err)
	}

	expected := EstimateAcquisitionTime(region)
	budget := a.timeout(expected)
	log := a.log.With(
		logging.Any("resolution", region.Resolution),
		logging.Float("scale", region.Scale[0]),
	)

	saved := a.scanner.Settings()
	defer func() {
		if rerr := apply(a.scanner, saved); rerr != nil {
			log.Error(ctx, "failed to restore scanner settings", logging.Err(rerr))
			err = errors.Join(err, fmt.Errorf("restore scanner settings: %w", rerr))
			grid = nil
		}
	}()

	if err := apply(a.scanner, ScanSettings{
		Scale:       region.Scale,
		Resolution:  region.Resolution,
		DwellTime:   region.DwellTime,
		Translation: region.Translation,
	}); err != nil {
		a.metrics.observeAcquisition(ResultError, 0)
		return nil, fmt.Errorf("configure anchor scan: %w", err)
	}

	frames := make(chan *models.IntensityGrid, 1)
	start := a.now()
	unsubscribe, err := a.detector.Subscribe(func(g *models.IntensityGrid) {
		select {
		case frames <- g:
		default:
		}
	})
	if err != nil {
		a.metrics.observeAcquisition(ResultError, 0)
		return nil, fmt.Errorf("subscribe to detector: %w", err)
	}
	defer unsubscribe()

	log.Debug(ctx, "anchor scan started",
		logging.Duration("expected", expected),
		logging.Duration("budget", budget),
	)

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case g := <-frames:
		elapsed := a.now().Sub(start)
		if g == nil {
			a.metrics.observeAcquisition(ResultError, elapsed)
			log.Error(ctx, "anchor scan delivered no frame")
			return nil, fmt.Errorf("anchor scan: %w", ErrNoFrame)
		}
		rows, cols := g.Dims()
		if rows != region.Resolution[1] || cols != region.Resolution[0] {
			a.metrics.observeAcquisition(ResultError, elapsed)
			return nil, fmt.Errorf("%w: detector delivered %dx%d, expected %dx%d",
				models.ErrInvalidArgument, cols, rows, region.Resolution[0], region.Resolution[1])
		}
		if g.AcquiredAt().IsZero() {
			g = g.WithTime(a.now())
		}
		a.metrics.observeAcquisition(ResultOK, elapsed)
		log.Debug(ctx, "anchor scan completed", logging.Duration("elapsed", elapsed))
		return g, nil

	case <-ctx.Done():
		a.metrics.observeAcquisition(ResultCancelled, 0)
		log.Info(ctx, "anchor scan cancelled")
		return nil, cancelled(ctx.Err())

	case <-timer.C:
		waited := a.now().Sub(start)
		a.metrics.observeAcquisition(ResultTimeout, 0)
		log.Warn(ctx, "anchor scan timed out",
			logging.Duration("waited", waited),
			logging.Duration("budget", budget),
		)
		return nil, &TimeoutError{Waited: waited, Budget: budget}
	}
}

// apply writes the settings in the order scale, resolution, dwell time,
// translation. The scanner may adjust the resolution when the scale changes,
// so scale always comes first.
func apply(s Scanner, settings ScanSettings) error {
	if err := s.SetScale(settings.Scale); err != nil {
		return fmt.Errorf("set scale: %w", err)
	}
	if err := s.SetResolution(settings.Resolution); err != nil {
		return fmt.Errorf("set resolution: %w", err)
	}
	if err := s.SetDwellTime(settings.DwellTime); err != nil {
		return fmt.Errorf("set dwell time: %w", err)
	}
	if err := s.SetTranslation(settings.Translation); err != nil {
		return fmt.Errorf("set translation: %w", err)
	}
	return nil
}
