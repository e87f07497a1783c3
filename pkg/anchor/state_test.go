package anchor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"anchordrift/internal/models"
	"anchordrift/pkg/registration"
)

// spots are compact features near the centre of a 32x32 anchor, far enough
// from the edges that they never leave the frame.
var spots = []struct{ x, y, sigma, amp float64 }{
	{-3, -2, 2.0, 1.0},
	{3, 2, 1.5, 0.8},
	{0, -4, 2.0, 0.6},
	{-4, 3, 1.5, 0.7},
}

// anchorFrame renders the spots displaced by (dx, dy) anchor pixels.
func anchorFrame(t *testing.T, dx, dy float64) *models.IntensityGrid {
	t.Helper()
	g, err := models.GridFromFunc(32, 32, func(r, c int) float64 {
		x, y := float64(c)-15.5-dx, float64(r)-15.5-dy
		v := 0.0
		for _, s := range spots {
			ex, ey := x-s.x, y-s.y
			v += s.amp * math.Exp(-(ex*ex+ey*ey)/(2*s.sigma*s.sigma))
		}
		return v
	})
	if err != nil {
		t.Fatalf("Failed to render anchor frame: %v", err)
	}
	return g
}

// queueSource returns the queued grids and errors in order.
type queueSource struct {
	grids  []*models.IntensityGrid
	errs   []error
	calls  int
	onScan func()
}

func (q *queueSource) Scan(ctx context.Context, region models.AnchorRegion) (*models.IntensityGrid, error) {
	i := q.calls
	q.calls++
	if q.onScan != nil {
		q.onScan()
	}
	if i < len(q.errs) && q.errs[i] != nil {
		return nil, q.errs[i]
	}
	if i >= len(q.grids) {
		return nil, errors.New("queue exhausted")
	}
	return q.grids[i], nil
}

func anchorRegion(scale float64) models.AnchorRegion {
	return models.AnchorRegion{
		ROI:        models.ROI{X0: 0.4, Y0: 0.4, X1: 0.6, Y1: 0.6},
		DwellTime:  time.Microsecond,
		Resolution: [2]int{32, 32},
		Scale:      [2]float64{scale, scale},
		MaxPixels:  DefaultMaxPixels,
	}
}

func newTestState(t *testing.T, scale float64, opts ...StateOption) State {
	t.Helper()
	s, err := NewState(anchorRegion(scale), 100, opts...)
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	return s
}

// acquireAll runs Acquire then Estimate for each grid.
func acquireAll(t *testing.T, s State, grids ...*models.IntensityGrid) State {
	t.Helper()
	src := &queueSource{grids: grids}
	for range grids {
		var err error
		s, _, err = Acquire(context.Background(), s, src)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		s, _, err = Estimate(s)
		if err != nil {
			t.Fatalf("Estimate failed: %v", err)
		}
	}
	return s
}

func assertDrift(t *testing.T, label string, got, want models.DriftVector, tol float64) {
	t.Helper()
	if math.Abs(got.X-want.X) > tol || math.Abs(got.Y-want.Y) > tol {
		t.Errorf("%s: expected %v, got %v", label, want, got)
	}
}

func TestNewStateInvalid(t *testing.T) {
	tests := []struct {
		name      string
		region    models.AnchorRegion
		precision int
		opts      []StateOption
	}{
		{"zero precision", anchorRegion(1), 0, nil},
		{"empty resolution", models.AnchorRegion{DwellTime: time.Microsecond}, 10, nil},
		{"zero dwell", models.AnchorRegion{Resolution: [2]int{4, 4}}, 10, nil},
		{"negative history", anchorRegion(1), 10, []StateOption{WithHistoryLimit(-1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewState(tc.region, tc.precision, tc.opts...)
			if !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

// TestAcquireLeavesInputUntouched verifies each step returns a new state
func TestAcquireLeavesInputUntouched(t *testing.T) {
	s0 := newTestState(t, 1)
	src := &queueSource{grids: []*models.IntensityGrid{anchorFrame(t, 0, 0), anchorFrame(t, 1, 0), anchorFrame(t, 2, 0)}}

	s1, ref, err := Acquire(context.Background(), s0, src)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s2, _, err := Acquire(context.Background(), s1, src)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s2b, _, err := Acquire(context.Background(), s1, src)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if s0.Phase() != Idle || s1.Phase() != Reference || s2.Phase() != Tracking {
		t.Errorf("Unexpected phases %v, %v, %v", s0.Phase(), s1.Phase(), s2.Phase())
	}
	if len(s0.History) != 0 || len(s1.History) != 1 {
		t.Errorf("Earlier states were modified: %d, %d grids", len(s0.History), len(s1.History))
	}
	if s2.History[1] == s2b.History[1] {
		t.Errorf("Branches from the same state share their latest grid")
	}
	if s1.Reference() != ref || s2.Reference() != ref {
		t.Errorf("Expected the first grid to stay the reference")
	}
	if s1.StartedAt.IsZero() || !s2.StartedAt.Equal(s1.StartedAt) {
		t.Errorf("Expected StartedAt set once by the reference, got %v and %v", s1.StartedAt, s2.StartedAt)
	}
}

func TestAcquireFailureKeepsState(t *testing.T) {
	boom := errors.New("scan failed")
	s := acquireAll(t, newTestState(t, 1), anchorFrame(t, 0, 0))

	got, grid, err := Acquire(context.Background(), s, &queueSource{errs: []error{boom}})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the source error, got %v", err)
	}
	if grid != nil || len(got.History) != len(s.History) || got.Phase() != Reference {
		t.Errorf("Expected unchanged state after a failed acquisition")
	}
}

// TestReferenceTimeoutReportsElapsed checks a timeout before any grid still
// carries the time spent since the acquisition began
func TestReferenceTimeoutReportsElapsed(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestState(t, 1, WithStateClock(func() time.Time { return clock }))
	src := &queueSource{errs: []error{&TimeoutError{Waited: time.Second, Budget: time.Second}}}
	src.onScan = func() { clock = clock.Add(1500 * time.Millisecond) }

	_, _, err := Acquire(context.Background(), s, src)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected a *TimeoutError, got %v", err)
	}
	if te.SinceStart != 1500*time.Millisecond {
		t.Errorf("Expected SinceStart of 1.5s, got %v", te.SinceStart)
	}
}

func TestStartedAtUsesStateClock(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestState(t, 1, WithStateClock(func() time.Time { return stamp }))
	s = acquireAll(t, s, anchorFrame(t, 0, 0))
	if !s.StartedAt.Equal(stamp) {
		t.Errorf("Expected StartedAt %v, got %v", stamp, s.StartedAt)
	}
}

// TestAcquireTimeoutReportsElapsed checks the time since the reference is attached
func TestAcquireTimeoutReportsElapsed(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1), anchorFrame(t, 0, 0))
	s.StartedAt = time.Now().Add(-time.Second)

	_, _, err := Acquire(context.Background(), s, &queueSource{errs: []error{&TimeoutError{Waited: time.Second, Budget: time.Second}}})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected a *TimeoutError, got %v", err)
	}
	if te.SinceStart < time.Second {
		t.Errorf("Expected SinceStart >= 1s, got %v", te.SinceStart)
	}
}

func TestAcquireShapeMismatch(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1), anchorFrame(t, 0, 0))
	small, _ := models.NewGrid(2, 2, []float64{1, 2, 3, 4})

	_, _, err := Acquire(context.Background(), s, &queueSource{grids: []*models.IntensityGrid{small}})
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestEstimateBeforeAcquisition(t *testing.T) {
	_, _, err := Estimate(newTestState(t, 1))
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestEstimateReferenceOnly(t *testing.T) {
	s := newTestState(t, 1)
	s, _, err := Acquire(context.Background(), s, &queueSource{grids: []*models.IntensityGrid{anchorFrame(t, 0, 0)}})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s, drift, err := Estimate(s)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if drift != (models.DriftVector{}) || s.Estimates != 0 {
		t.Errorf("Expected zero drift and no estimate, got %v after %d", drift, s.Estimates)
	}
}

// TestEstimateTracksDrift follows a spot pattern moving away from the reference
func TestEstimateTracksDrift(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1),
		anchorFrame(t, 0, 0),
		anchorFrame(t, 0.5, -0.25),
		anchorFrame(t, 1.5, -0.75),
	)

	// The pattern moved by (1.5, -0.75), so the image shift is the opposite
	want := models.DriftVector{X: -1.5, Y: 0.75}
	assertDrift(t, "drift", s.Drift, want, 0.03)
	assertDrift(t, "incremental", s.Incremental, want, 0.06)
	assertDrift(t, "max drift", s.MaxDrift, models.DriftVector{X: 1.5, Y: 0.75}, 0.03)
	assertDrift(t, "correction", s.Correction(), s.Drift, 0)
	if s.Estimates != 2 {
		t.Errorf("Expected 2 estimates, got %d", s.Estimates)
	}
	if s.LowConfidence {
		t.Errorf("Expected a confident estimate on a textured anchor")
	}
}

// TestEstimateMaxDriftKeepsPeak checks that drifting back does not lower MaxDrift
func TestEstimateMaxDriftKeepsPeak(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1),
		anchorFrame(t, 0, 0),
		anchorFrame(t, -2, 1),
		anchorFrame(t, 0.5, 0),
	)
	assertDrift(t, "drift", s.Drift, models.DriftVector{X: -0.5, Y: 0}, 0.03)
	assertDrift(t, "max drift", s.MaxDrift, models.DriftVector{X: 2, Y: 1}, 0.03)
}

func TestEstimateScalesToScannerPixels(t *testing.T) {
	s := acquireAll(t, newTestState(t, 4),
		anchorFrame(t, 0, 0),
		anchorFrame(t, 0.5, 0.25),
	)
	assertDrift(t, "drift", s.Drift, models.DriftVector{X: -2, Y: -1}, 0.1)
}

func TestEstimateIncrementalPolicy(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1, WithPolicy(CompareIncremental)),
		anchorFrame(t, 0, 0),
		anchorFrame(t, 1, 1),
		anchorFrame(t, 2, 1.5),
	)
	s, correction, err := Estimate(s)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	assertDrift(t, "correction", correction, s.Incremental, 0)
	assertDrift(t, "incremental", correction, models.DriftVector{X: -2, Y: -1.5}, 0.06)
}

// TestEstimateMatchesMeasureShift verifies the estimate is the reference to
// latest shift, scaled to scanner pixels
func TestEstimateMatchesMeasureShift(t *testing.T) {
	ref, latest := anchorFrame(t, 0, 0), anchorFrame(t, 3, -2)
	s := acquireAll(t, newTestState(t, 1), ref, latest)

	dx, dy, err := registration.MeasureShift(ref, latest, 100)
	if err != nil {
		t.Fatalf("MeasureShift failed: %v", err)
	}
	assertDrift(t, "drift", s.Drift, models.DriftVector{X: dx, Y: dy}, 1e-12)
	assertDrift(t, "drift", s.Drift, models.DriftVector{X: -3, Y: 2}, 0.03)
}

// TestEstimateAfterSeveralAcquisitions checks no step is lost when grids are
// acquired faster than they are estimated
func TestEstimateAfterSeveralAcquisitions(t *testing.T) {
	s := newTestState(t, 1, WithPolicy(CompareIncremental))
	src := &queueSource{grids: []*models.IntensityGrid{
		anchorFrame(t, 0, 0),
		anchorFrame(t, 1, 0),
		anchorFrame(t, 2, 0),
		anchorFrame(t, 3, 0),
		anchorFrame(t, 4, 0),
	}}
	acquire := func(n int) {
		t.Helper()
		for range n {
			var err error
			if s, _, err = Acquire(context.Background(), s, src); err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
		}
	}
	estimate := func() models.DriftVector {
		t.Helper()
		var correction models.DriftVector
		var err error
		if s, correction, err = Estimate(s); err != nil {
			t.Fatalf("Estimate failed: %v", err)
		}
		return correction
	}

	acquire(3)
	assertDrift(t, "first correction", estimate(), models.DriftVector{X: -2, Y: 0}, 0.03)
	acquire(2)
	correction := estimate()
	assertDrift(t, "correction", correction, models.DriftVector{X: -4, Y: 0}, 0.06)
	assertDrift(t, "reference drift", s.Drift, models.DriftVector{X: -4, Y: 0}, 0.03)
	if s.Estimates != 2 {
		t.Errorf("Expected 2 estimates, got %d", s.Estimates)
	}
}

// TestEstimateIsIdempotent verifies a repeated estimate does not double count
func TestEstimateIsIdempotent(t *testing.T) {
	s := acquireAll(t, newTestState(t, 1), anchorFrame(t, 0, 0), anchorFrame(t, 1, 0))
	again, drift, err := Estimate(s)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if again.Estimates != s.Estimates || again.Incremental != s.Incremental {
		t.Errorf("Repeated estimate changed the state: %+v", again)
	}
	assertDrift(t, "drift", drift, s.Drift, 0)
}

func TestHistoryLimitKeepsReference(t *testing.T) {
	frames := []*models.IntensityGrid{
		anchorFrame(t, 0, 0),
		anchorFrame(t, 0.5, 0),
		anchorFrame(t, 1, 0),
		anchorFrame(t, 1.5, 0),
		anchorFrame(t, 2, 0),
	}
	s := acquireAll(t, newTestState(t, 1, WithHistoryLimit(2)), frames...)

	if len(s.History) != 3 {
		t.Fatalf("Expected reference plus 2 grids, got %d", len(s.History))
	}
	if s.History[0] != frames[0] || s.History[2] != frames[4] {
		t.Errorf("Expected the reference and the latest grid to be kept")
	}
	assertDrift(t, "drift", s.Drift, models.DriftVector{X: -2, Y: 0}, 0.03)
	assertDrift(t, "incremental", s.Incremental, models.DriftVector{X: -2, Y: 0}, 0.1)
}

func TestEstimateDarkAnchor(t *testing.T) {
	dark, _ := models.NewGrid(32, 32, make([]uint16, 32*32))
	s := acquireAll(t, newTestState(t, 1), dark, dark)
	if !s.LowConfidence {
		t.Errorf("Expected a low confidence estimate on dark anchors")
	}
	if s.Drift != (models.DriftVector{}) {
		t.Errorf("Expected zero drift on dark anchors, got %v", s.Drift)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": CompareReference, "reference": CompareReference, "incremental": CompareIncremental} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v; expected %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("sideways"); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for an unknown policy, got %v", err)
	}
}
