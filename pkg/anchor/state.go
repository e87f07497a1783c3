package anchor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"anchordrift/internal/models"
	"anchordrift/pkg/registration"
)

// Phase is the position of a State in the acquisition lifecycle.
type Phase int

const (
	// Idle means no anchor grid has been acquired yet
	Idle Phase = iota
	// Reference means only the reference grid exists
	Reference
	// Tracking means at least one drift estimate is possible
	Tracking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Reference:
		return "reference"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Policy selects which measurement becomes the correction.
type Policy int

const (
	// CompareReference measures every grid against the first one
	CompareReference Policy = iota
	// CompareIncremental sums the shifts between consecutive grids
	CompareIncremental
)

func (p Policy) String() string {
	switch p {
	case CompareReference:
		return "reference"
	case CompareIncremental:
		return "incremental"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "reference" or "incremental" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "reference":
		return CompareReference, nil
	case "incremental":
		return CompareIncremental, nil
	default:
		return 0, fmt.Errorf("%w: unknown drift policy %q", models.ErrInvalidArgument, s)
	}
}

// State is the drift tracking state of one acquisition. It is a value: the
// steps below return an updated copy and never modify their input.
type State struct {
	Region    models.AnchorRegion
	Precision int
	Policy    Policy

	// HistoryLimit is the number of grids kept after the reference; zero keeps
	// everything. Values below 2 are raised to 2.
	HistoryLimit int

	// StartedAt is when the reference grid was acquired
	StartedAt time.Time

	// History holds the anchor grids in acquisition order; History[0] is the reference
	History []*models.IntensityGrid

	// Drift is the shift measured from the reference to the latest grid, in
	// scanner pixels
	Drift models.DriftVector

	// Incremental is the sum of the shifts between consecutive estimates, in
	// scanner pixels
	Incremental models.DriftVector

	// MaxDrift is the per-axis largest |Drift| seen so far
	MaxDrift models.DriftVector

	// Estimates counts the drift estimates computed
	Estimates int

	// LowConfidence is set when the last estimate came from featureless data
	LowConfidence bool

	pending bool
	// base is the grid of the last estimate; nil means the reference
	base *models.IntensityGrid
	now  func() time.Time
}

// StateOption configures a new State.
type StateOption func(*State)

// WithPolicy selects the correction policy.
func WithPolicy(p Policy) StateOption {
	return func(s *State) { s.Policy = p }
}

// WithHistoryLimit bounds the number of grids kept after the reference.
func WithHistoryLimit(n int) StateOption {
	return func(s *State) { s.HistoryLimit = n }
}

// WithStateClock sets the time source used for StartedAt and timeout
// reporting.
func WithStateClock(now func() time.Time) StateOption {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// NewState returns an idle State for region, measuring at 1/precision pixel.
func NewState(region models.AnchorRegion, precision int, opts ...StateOption) (State, error) {
	if precision < 1 {
		return State{}, fmt.Errorf("%w: precision %d must be at least 1", models.ErrInvalidArgument, precision)
	}
	if region.Resolution[0] <= 0 || region.Resolution[1] <= 0 {
		return State{}, fmt.Errorf("%w: anchor resolution %v must be positive", models.ErrInvalidArgument, region.Resolution)
	}
	if region.DwellTime <= 0 {
		return State{}, fmt.Errorf("%w: dwell time %v must be positive", models.ErrInvalidArgument, region.DwellTime)
	}
	s := State{Region: region, Precision: precision, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.HistoryLimit < 0 {
		return State{}, fmt.Errorf("%w: history limit %d must not be negative", models.ErrInvalidArgument, s.HistoryLimit)
	}
	return s, nil
}

// Phase reports how far the acquisition has progressed.
func (s State) Phase() Phase {
	switch len(s.History) {
	case 0:
		return Idle
	case 1:
		return Reference
	default:
		return Tracking
	}
}

// Correction returns the drift selected by the policy.
func (s State) Correction() models.DriftVector {
	if s.Policy == CompareIncremental {
		return s.Incremental
	}
	return s.Drift
}

// Reference returns the first grid, or nil before any acquisition.
func (s State) Reference() *models.IntensityGrid {
	if len(s.History) == 0 {
		return nil
	}
	return s.History[0]
}

// Acquire scans the anchor once and appends the grid to the history. The
// first grid becomes the reference. On failure s is returned unchanged.
func Acquire(ctx context.Context, s State, src Source) (State, *models.IntensityGrid, error) {
	begun := s.clock()
	grid, err := src.Scan(ctx, s.Region)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			if !s.StartedAt.IsZero() {
				begun = s.StartedAt
			}
			te.SinceStart = s.clock().Sub(begun)
		}
		return s, nil, err
	}
	if ref := s.Reference(); ref != nil && !ref.SameShape(grid) {
		rr, rc := ref.Dims()
		gr, gc := grid.Dims()
		return s, nil, fmt.Errorf("%w: anchor grid %dx%d does not match reference %dx%d",
			models.ErrInvalidArgument, gc, gr, rc, rr)
	}

	next := s
	if len(s.History) == 0 {
		next.StartedAt = s.clock()
	}
	next.History = append(slices.Clip(s.History), grid)
	next.History = trim(next.History, s.HistoryLimit)
	next.pending = len(next.History) > 1
	return next, grid, nil
}

// trim keeps the reference and the most recent limit grids.
func trim(history []*models.IntensityGrid, limit int) []*models.IntensityGrid {
	if limit <= 0 {
		return history
	}
	limit = max(limit, 2)
	if len(history) <= limit+1 {
		return history
	}
	kept := make([]*models.IntensityGrid, 0, limit+1)
	kept = append(kept, history[0])
	return append(kept, history[len(history)-limit:]...)
}

// Estimate measures the drift from the grids acquired so far and returns
// the correction selected by the policy. Drift is MeasureShift(reference,
// latest) in scanner pixels; a specimen that moved by +v reports -v. The
// incremental step is measured from the grid of the previous estimate. It
// reports zero while only the reference exists.
// Calling it again without a new acquisition returns the same correction.
func Estimate(s State) (State, models.DriftVector, error) {
	n := len(s.History)
	switch {
	case n == 0:
		return s, models.DriftVector{}, fmt.Errorf("%w: no anchor grid acquired", models.ErrInvalidArgument)
	case n == 1:
		return s, models.DriftVector{}, nil
	case !s.pending:
		return s, s.Correction(), nil
	}

	ref, prev, latest := s.History[0], s.base, s.History[n-1]
	if prev == nil {
		prev = ref
	}
	total, err := registration.Measure(ref, latest, s.Precision)
	if err != nil {
		return s, s.Correction(), fmt.Errorf("measure drift from reference: %w", err)
	}
	step := total
	if prev != ref {
		step, err = registration.Measure(prev, latest, s.Precision)
		if err != nil {
			return s, s.Correction(), fmt.Errorf("measure drift from previous anchor: %w", err)
		}
	}

	next := s
	next.Drift = s.toScanner(total)
	next.Incremental = s.Incremental.Add(s.toScanner(step))
	next.MaxDrift = s.MaxDrift.MaxAbs(next.Drift)
	next.Estimates++
	next.LowConfidence = total.Degenerate || step.Degenerate
	next.pending = false
	next.base = latest
	return next, next.Correction(), nil
}

func (s State) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// toScanner converts a shift in anchor pixels into scanner pixels.
func (s State) toScanner(shift registration.Shift) models.DriftVector {
	return models.DriftVector{
		X: shift.X * s.Region.Scale[0],
		Y: shift.Y * s.Region.Scale[1],
	}
}
