package simscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"anchordrift/internal/models"
	"anchordrift/pkg/anchor"
)

// Epoch is the wall-clock time of beam time zero; frames are stamped
// relative to it.
var Epoch = time.Unix(0, 0).UTC()

// ErrStalled is returned by main-scan calls while the simulator is stalled.
var ErrStalled = errors.New("simulated scanner stalled")

// DriftFunc gives the specimen displacement, in scanner pixels, after the
// given amount of beam time.
type DriftFunc func(elapsed time.Duration) models.DriftVector

// LinearDrift moves the specimen at a constant velocity in pixels per second.
func LinearDrift(vx, vy float64) DriftFunc {
	return func(elapsed time.Duration) models.DriftVector {
		s := elapsed.Seconds()
		return models.DriftVector{X: vx * s, Y: vy * s}
	}
}

// Config describes a simulated instrument.
type Config struct {
	// Shape is the field of view in scanner pixels (X, Y)
	Shape [2]int

	// MinResolution and MaxResolution bound the accepted scan resolution;
	// zero values mean 1 and Shape
	MinResolution [2]int
	MaxResolution [2]int

	Specimen Specimen
	Drift    DriftFunc

	// NoiseSigma is the standard deviation of the additive detector noise
	NoiseSigma float64
	Seed       uint64

	// DeliveryDelay is the real time taken to deliver an anchor frame
	DeliveryDelay time.Duration

	// MainShape and MainPixelTime describe the main scan, which covers the
	// whole field
	MainShape     models.ScanGeometry
	MainPixelTime time.Duration
}

var (
	_ anchor.Scanner  = (*Microscope)(nil)
	_ anchor.Detector = (*Microscope)(nil)
	_ anchor.MainScan = (*Microscope)(nil)
)

// Microscope is a simulated scanner, detector and main scan. It is safe for
// concurrent use.
type Microscope struct {
	cfg Config

	mu          sync.Mutex
	settings    anchor.ScanSettings
	elapsed     time.Duration
	noise       *distuv.Normal
	subscribers map[int]func(*models.IntensityGrid)
	nextID      int
	stalled     bool
	fault       error
	frames      int
	image       []float64
	scanned     int
	corrections []models.DriftVector
	wg          sync.WaitGroup
}

// New returns a Microscope for cfg.
func New(cfg Config) (*Microscope, error) {
	if cfg.Shape[0] <= 0 || cfg.Shape[1] <= 0 {
		return nil, fmt.Errorf("%w: field shape %v must be positive", models.ErrInvalidArgument, cfg.Shape)
	}
	if cfg.MinResolution == ([2]int{}) {
		cfg.MinResolution = [2]int{1, 1}
	}
	if cfg.MaxResolution == ([2]int{}) {
		cfg.MaxResolution = cfg.Shape
	}
	if cfg.Drift == nil {
		cfg.Drift = LinearDrift(0, 0)
	}
	if cfg.MainShape == (models.ScanGeometry{}) {
		cfg.MainShape = models.Shape(cfg.Shape[0], cfg.Shape[1])
	}
	if err := cfg.MainShape.Validate(); err != nil {
		return nil, err
	}
	if cfg.MainPixelTime <= 0 {
		cfg.MainPixelTime = time.Microsecond
	}

	m := &Microscope{
		cfg: cfg,
		settings: anchor.ScanSettings{
			Scale:      [2]float64{1, 1},
			Resolution: cfg.Shape,
			DwellTime:  cfg.MainPixelTime,
		},
		subscribers: make(map[int]func(*models.IntensityGrid)),
		image:       make([]float64, cfg.MainShape.Pixels()),
	}
	if cfg.NoiseSigma > 0 {
		m.noise = &distuv.Normal{Mu: 0, Sigma: cfg.NoiseSigma, Src: rand.NewSource(cfg.Seed)}
	}
	return m, nil
}

// Shape returns the field of view in scanner pixels.
func (m *Microscope) Shape() [2]int {
	return m.cfg.Shape
}

// ResolutionRange returns the accepted scan resolutions.
func (m *Microscope) ResolutionRange() (lo, hi [2]int) {
	return m.cfg.MinResolution, m.cfg.MaxResolution
}

// Settings returns the current scan settings.
func (m *Microscope) Settings() anchor.ScanSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Microscope) SetScale(scale [2]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(); err != nil {
		return err
	}
	if scale[0] <= 0 || scale[1] <= 0 {
		return fmt.Errorf("%w: scale %v must be positive", models.ErrInvalidArgument, scale)
	}
	m.settings.Scale = scale
	return nil
}

func (m *Microscope) SetResolution(res [2]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(); err != nil {
		return err
	}
	for i := range res {
		if res[i] < m.cfg.MinResolution[i] || res[i] > m.cfg.MaxResolution[i] {
			return fmt.Errorf("%w: resolution %v outside [%v, %v]",
				models.ErrInvalidArgument, res, m.cfg.MinResolution, m.cfg.MaxResolution)
		}
	}
	m.settings.Resolution = res
	return nil
}

func (m *Microscope) SetDwellTime(dwell time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(); err != nil {
		return err
	}
	if dwell <= 0 {
		return fmt.Errorf("%w: dwell time %v must be positive", models.ErrInvalidArgument, dwell)
	}
	m.settings.DwellTime = dwell
	return nil
}

func (m *Microscope) SetTranslation(trans [2]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(); err != nil {
		return err
	}
	m.settings.Translation = trans
	return nil
}

// FailNext makes the next setter call return err.
func (m *Microscope) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

func (m *Microscope) takeFault() error {
	err := m.fault
	m.fault = nil
	return err
}

// Stall stops frame delivery and main-scan progress while on is true.
func (m *Microscope) Stall(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = on
}

// Subscribe renders one frame with the current settings and delivers it
// after the configured delay, unless the simulator is stalled.
func (m *Microscope) Subscribe(fn func(*models.IntensityGrid)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil frame callback", models.ErrInvalidArgument)
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	stalled := m.stalled
	var frame *models.IntensityGrid
	var err error
	if !stalled {
		frame, err = m.renderLocked()
		if err != nil {
			delete(m.subscribers, id)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
	if stalled {
		return unsubscribe, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.cfg.DeliveryDelay > 0 {
			time.Sleep(m.cfg.DeliveryDelay)
		}
		m.mu.Lock()
		deliver, ok := m.subscribers[id]
		m.mu.Unlock()
		if ok {
			deliver(frame)
		}
	}()
	return unsubscribe, nil
}

// renderLocked produces a frame for the current settings and advances the
// beam time by its duration. The specimen is treated as static during the
// frame, which is stamped with its start time.
func (m *Microscope) renderLocked() (*models.IntensityGrid, error) {
	s := m.settings
	start := m.elapsed
	drift := m.cfg.Drift(start)
	cx := float64(m.cfg.Shape[0])/2 + s.Translation[0]
	cy := float64(m.cfg.Shape[1])/2 + s.Translation[1]
	rx, ry := s.Resolution[0], s.Resolution[1]

	frame, err := models.GridFromFunc(ry, rx, func(r, c int) float64 {
		x := cx + (float64(c)-float64(rx-1)/2)*s.Scale[0]
		y := cy + (float64(r)-float64(ry-1)/2)*s.Scale[1]
		return m.sampleLocked(x-drift.X, y-drift.Y)
	})
	if err != nil {
		return nil, err
	}
	m.elapsed += time.Duration(rx*ry) * s.DwellTime
	m.frames++
	return frame.WithTime(Epoch.Add(start)), nil
}

func (m *Microscope) sampleLocked(x, y float64) float64 {
	v := m.cfg.Specimen.Intensity(x, y)
	if m.noise != nil {
		v += m.noise.Rand()
	}
	return v
}

// ScanPixels acquires the next n pixels of the main scan, reading the
// specimen at the nominal position minus correction. A correction equal to
// the negated drift therefore cancels it.
func (m *Microscope) ScanPixels(ctx context.Context, n int, correction models.DriftVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stalled {
		return ErrStalled
	}
	if n <= 0 || m.scanned+n > len(m.image) {
		return fmt.Errorf("%w: cannot scan %d pixels, %d left", models.ErrInvalidArgument, n, len(m.image)-m.scanned)
	}

	w := m.cfg.MainShape.Width
	px := float64(m.cfg.Shape[0]) / float64(w)
	py := float64(m.cfg.Shape[1]) / float64(m.cfg.MainShape.Height)
	for k := m.scanned; k < m.scanned+n; k++ {
		drift := m.cfg.Drift(m.elapsed)
		x := (float64(k%w) + 0.5) * px
		y := (float64(k/w) + 0.5) * py
		m.image[k] = m.sampleLocked(x-correction.X-drift.X, y-correction.Y-drift.Y)
		m.elapsed += m.cfg.MainPixelTime
	}
	m.scanned += n
	m.corrections = append(m.corrections, correction)
	return nil
}

// Image returns the main scan recorded so far; unscanned pixels are zero.
func (m *Microscope) Image() (*models.IntensityGrid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.NewGrid(m.cfg.MainShape.Height, m.cfg.MainShape.Width, m.image)
}

// Corrections returns the correction passed with every main-scan interval.
func (m *Microscope) Corrections() []models.DriftVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DriftVector(nil), m.corrections...)
}

// Drift returns the true specimen displacement at the current beam time.
func (m *Microscope) Drift() models.DriftVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Drift(m.elapsed)
}

// DriftAt returns the true specimen displacement after the given beam time.
func (m *Microscope) DriftAt(elapsed time.Duration) models.DriftVector {
	return m.cfg.Drift(elapsed)
}

// Elapsed returns the beam time spent so far.
func (m *Microscope) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

// Frames returns the number of anchor frames rendered.
func (m *Microscope) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Wait blocks until every pending frame delivery has finished.
func (m *Microscope) Wait() {
	m.wg.Wait()
}
