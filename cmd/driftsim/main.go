package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"

	"anchordrift/internal/logging"
	"anchordrift/pkg/anchor"
	"anchordrift/pkg/config"
	"anchordrift/pkg/schedule"
	"anchordrift/pkg/simscan"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "driftsim.yaml", "YAML configuration file (defaults are used when missing)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	precision := flag.Int("precision", 0, "Override the sub-pixel precision")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *precision > 0 {
		cfg.Anchor.Precision = *precision
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	logger := logging.New(cfg.LoggingConfig()).With(logging.String("component", "driftsim"))

	fmt.Println("================================")
	fmt.Println("ANCHOR DRIFT CORRECTION ON A SIMULATED SCANNING MICROSCOPE")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics, err := anchor.NewCollector(reg)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server failed", logging.Err(err))
			}
		}()
		defer srv.Close()
		fmt.Printf("Serving metrics on %s/metrics\n", cfg.Metrics.Addr)
	}

	sim := cfg.Simulation
	shape := [2]int{sim.FieldWidth, sim.FieldHeight}
	scope, err := simscan.New(simscan.Config{
		Shape:         shape,
		Specimen:      simscan.RandomSpecimen(shape, sim.Features, sim.Seed),
		Drift:         simscan.LinearDrift(sim.DriftX, sim.DriftY),
		NoiseSigma:    sim.NoiseSigma,
		Seed:          sim.Seed,
		DeliveryDelay: sim.DeliveryDelay,
		MainShape:     cfg.Geometry(),
		MainPixelTime: cfg.Scan.PixelTime,
	})
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	region, err := anchor.Configure(scope, cfg.ROI(), cfg.Anchor.DwellTime, cfg.Limits())
	if err != nil {
		log.Fatalf("Invalid anchor region: %v", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatalf("Invalid policy: %v", err)
	}
	state, err := anchor.NewState(region, cfg.Anchor.Precision,
		anchor.WithPolicy(policy),
		anchor.WithHistoryLimit(cfg.Anchor.HistoryLimit),
	)
	if err != nil {
		log.Fatalf("Invalid drift state: %v", err)
	}

	sched, err := schedule.CorrectionPeriod(cfg.Scan.Period, cfg.Scan.PixelTime, cfg.Geometry())
	if err != nil {
		log.Fatalf("Invalid correction period: %v", err)
	}

	fmt.Printf("Field of view: %dx%d pixels, main scan %dx%d\n", shape[0], shape[1], cfg.Scan.Width, cfg.Scan.Height)
	fmt.Printf("Anchor: %dx%d pixels at scale %.2f, dwell %v\n",
		region.Resolution[0], region.Resolution[1], region.Scale[0], region.DwellTime)
	fmt.Printf("Correction every %d pixels, %d anchor scans, estimated %v of beam time\n",
		sched.First(), anchor.AnchorCount(sched, cfg.Geometry()),
		anchor.EstimateTotalTime(region, sched, cfg.Scan.PixelTime, cfg.Geometry()))

	acq := anchor.NewAcquirer(scope, scope,
		anchor.WithTimeout(cfg.TimeoutPolicy()),
		anchor.WithLogger(logger.With(logging.String("stage", "anchor"))),
		anchor.WithMetrics(metrics),
	)
	corrector := anchor.NewCorrector(acq, state,
		anchor.WithCorrectorLogger(logger),
		anchor.WithCorrectorMetrics(metrics),
	)

	fmt.Println("Starting drift corrected acquisition...")
	startTime := time.Now()
	if err := corrector.Run(ctx, scope, cfg.Scan.Period, cfg.Scan.PixelTime, cfg.Geometry()); err != nil {
		log.Fatalf("Acquisition failed: %v", err)
	}
	processingTime := time.Since(startTime)

	final := corrector.State()
	truth := scope.Drift()
	errX, errY := residuals(final, scope)

	fmt.Printf("\nAcquisition completed in %.2f seconds (%v of simulated beam time)\n",
		processingTime.Seconds(), scope.Elapsed())
	fmt.Printf("Drift Summary:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Anchor scans: %d\n", len(final.History))
	fmt.Printf("Estimates: %d\n", final.Estimates)
	fmt.Printf("Final measured shift: %v px\n", final.Correction())
	fmt.Printf("True drift at end of scan: %v px\n", truth)
	fmt.Printf("Maximum drift: %v px\n", final.MaxDrift)
	fmt.Printf("Mean residual per interval: (%.3f, %.3f) px\n", stat.Mean(errX, nil), stat.Mean(errY, nil))

	if cfg.Metrics.Addr != "" {
		fmt.Println("\nAcquisition done; metrics stay available until interrupted")
		<-ctx.Done()
	}
}

func metricsMux(c *anchor.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return mux
}

// residuals compares the correction applied to every main-scan interval
// with the true drift at the anchor scan that produced it, printing one line
// per interval. It needs the full anchor history.
func residuals(state anchor.State, scope *simscan.Microscope) (xs, ys []float64) {
	corrections := scope.Corrections()
	if len(corrections) == len(state.History) {
		fmt.Println("\nInterval  estimated drift      true drift")
		for i := 1; i < len(corrections); i++ {
			truth := scope.DriftAt(state.History[i].AcquiredAt().Sub(simscan.Epoch))
			// The correction is the image shift, the negated specimen drift
			estimated := corrections[i].Scale(-1, -1)
			fmt.Printf("%8d  %-18v %v\n", i, estimated, truth)
			xs = append(xs, estimated.X-truth.X)
			ys = append(ys, estimated.Y-truth.Y)
		}
	}
	if len(xs) == 0 {
		return []float64{0}, []float64{0}
	}
	return xs, ys
}
