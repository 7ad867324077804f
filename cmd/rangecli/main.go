// Command rangecli drives a pulsed radar distance detector from the
// terminal: calibrate a sensor, run a measurement session, or replay the
// detections a session stored.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/range.report/internal/caldb"
	"github.com/banshee-data/range.report/internal/config"
	"github.com/banshee-data/range.report/internal/detector"
	"github.com/banshee-data/range.report/internal/rlog"
	"github.com/banshee-data/range.report/internal/sensor"
	"github.com/banshee-data/range.report/internal/version"
)

var (
	flagConfig  string
	flagDB      string
	flagPort    string
	flagDemo    bool
	flagFrames  int
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rangecli",
		Short: "Pulsed radar distance detector",
		Long: `rangecli drives a pulsed coherent radar distance detector over a
serial bridge. Calibrate the sensor once against an empty scene, then run
measurement sessions whose detections are stored in a sqlite database.

Use --demo to run against a simulated sensor without hardware.`,
		Version: fmt.Sprintf("%s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Tuning config JSON file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Calibration database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagPort, "serial", "", "Serial port (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagDemo, "demo", false, "Use a simulated sensor instead of hardware")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Verbose logging")

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate the sensor against an empty scene",
		RunE:  runCalibrate,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a measurement session",
		RunE:  runMeasure,
	}
	runCmd.Flags().IntVar(&flagFrames, "frames", 0, "Stop after this many frames (0 = run until interrupted)")

	replayCmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Print the detections stored for a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}

	rootCmd.AddCommand(calibrateCmd, runCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles everything the subcommands share.
type env struct {
	tuning    *config.TuningConfig
	cfg       *detector.Config
	det       *detector.Detector
	transport sensor.Transport
	store     *caldb.CalDB
	log       *rlog.Logger
}

// loadTuning resolves the tuning config: the --config flag first, then the
// checked-in defaults file when present, else built-in defaults.
func loadTuning() (*config.TuningConfig, error) {
	path := flagConfig
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func setup() (*env, error) {
	tuning, err := loadTuning()
	if err != nil {
		return nil, err
	}

	cfg, err := tuning.Apply()
	if err != nil {
		return nil, err
	}

	level := rlog.LevelInfo
	if flagVerbose {
		level = rlog.LevelDebug
	}
	log := rlog.New(rlog.StdSink, level)

	det, err := detector.New(cfg, log.Module("detector"))
	if err != nil {
		return nil, err
	}

	var transport sensor.Transport
	if flagDemo {
		mock := sensor.NewMock(time.Now().UnixNano())
		mock.Targets = []sensor.Target{{Distance: 0.8, Amplitude: 4000}}
		transport = mock
	} else {
		port := flagPort
		if port == "" {
			port = tuning.GetSerialPort()
		}
		st, err := sensor.OpenSerial(port)
		if err != nil {
			return nil, err
		}
		transport = st
	}

	dbPath := flagDB
	if dbPath == "" {
		dbPath = tuning.GetCalibrationDB()
	}
	store, err := caldb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	return &env{
		tuning:    tuning,
		cfg:       cfg,
		det:       det,
		transport: transport,
		store:     store,
		log:       log,
	}, nil
}

func (e *env) close() {
	if c, ok := e.transport.(interface{ Close() error }); ok {
		c.Close()
	}
	e.store.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	sizes := e.det.Sizes()
	buf := detector.NewBuffer(make([]byte, sizes.Buffer))
	static := make([]byte, sizes.StaticCal)
	var dynamic detector.DynamicCal
	var sensorCal sensor.CalResult

	e.log.Infof("calibrating sensor %d", e.cfg.Sensor())

	// Sensor-level calibration first: repeat until the transport reports
	// completion, waiting on the interrupt between steps.
	for {
		done, err := e.transport.CalibrateStep(&sensorCal, make([]byte, sizes.Buffer))
		if err != nil {
			return fmt.Errorf("sensor calibration: %w", err)
		}
		if done {
			break
		}
		if _, err := sensor.WaitDataReady(ctx, e.transport, nil); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// Then the detector calibration: noise floor and scene background.
	engine := e.det.NewCalibration()
	for {
		done, err := engine.Step(e.transport, &sensorCal, buf, static, &dynamic)
		if err != nil {
			return fmt.Errorf("detector calibration (%s): %w", engine.State(), err)
		}
		if done {
			break
		}
		if _, err := sensor.WaitDataReady(ctx, e.transport, nil); err != nil {
			return err
		}
	}

	id, err := e.store.SaveCalibration(e.cfg.Sensor(), &sensorCal, static, &dynamic)
	if err != nil {
		return err
	}
	e.log.Infof("calibration %s stored (temperature %d C)", id, dynamic.Temperature())
	fmt.Println(id)
	return nil
}

func runMeasure(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	cal, err := e.store.LatestCalibration(e.cfg.Sensor())
	if err != nil {
		return fmt.Errorf("sensor %d: %w (run calibrate first)", e.cfg.Sensor(), err)
	}

	sizes := e.det.Sizes()
	buf := detector.NewBuffer(make([]byte, sizes.Buffer))
	dynamic := cal.DynamicCal

	cfgJSON, _ := json.Marshal(struct {
		RangeStartM float64 `json:"range_start_m"`
		RangeEndM   float64 `json:"range_end_m"`
		Sweeps      int     `json:"sweeps_per_frame"`
	}{e.cfg.RangeStart(), e.cfg.RangeEnd(), e.cfg.SweepsPerFrame()})
	session, err := e.store.StartSession(e.cfg.Sensor(), cal.ID, string(cfgJSON))
	if err != nil {
		return err
	}
	defer e.store.EndSession(session)
	e.log.Infof("session %s started", session)

	if err := e.det.Prepare(e.transport, &cal.SensorCal, buf); err != nil {
		return err
	}

	var frame int64
	for flagFrames == 0 || frame < int64(flagFrames) {
		if ctx.Err() != nil {
			break
		}
		if err := e.det.Measure(e.transport); err != nil {
			return err
		}
		if _, err := sensor.WaitDataReady(ctx, e.transport, nil); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if err := e.det.Read(e.transport, buf); err != nil {
			return err
		}
		res, available, err := e.det.Process(buf, cal.StaticCal, &dynamic)
		if err != nil {
			return err
		}
		if !available {
			continue
		}

		printResult(frame, &res)
		if err := e.store.RecordResult(session, frame, &res); err != nil {
			return err
		}
		if res.CalibrationNeeded {
			e.log.Warningf("temperature drifted to %d C, updating calibration", res.Temperature)
			if err := updateCalibration(ctx, e, cal, buf, &dynamic); err != nil {
				return err
			}
			if err := e.det.Prepare(e.transport, &cal.SensorCal, buf); err != nil {
				return err
			}
		}
		frame++
	}

	e.det.Stop()
	e.log.Infof("session %s ended after %d frames", session, frame)
	return nil
}

// updateCalibration runs the dynamic-only update flow and persists the
// refreshed block.
func updateCalibration(ctx context.Context, e *env, cal *caldb.Calibration, buf *detector.Buffer, dynamic *detector.DynamicCal) error {
	engine := e.det.NewCalibration()
	for {
		done, err := engine.UpdateStep(e.transport, &cal.SensorCal, buf, dynamic)
		if err != nil {
			return fmt.Errorf("calibration update: %w", err)
		}
		if done {
			break
		}
		if _, err := sensor.WaitDataReady(ctx, e.transport, nil); err != nil {
			return err
		}
	}
	return e.store.UpdateDynamicCal(cal.ID, dynamic)
}

func printResult(frame int64, res *detector.Result) {
	if len(res.Distances) == 0 {
		edge := ""
		if res.NearStartEdge {
			edge = " (object near range start)"
		}
		fmt.Printf("frame %5d: no detections%s\n", frame, edge)
		return
	}
	for i, d := range res.Distances {
		fmt.Printf("frame %5d: #%d %.3f m  %.1f dB\n", frame, i+1, d.Distance, d.Strength)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	e, err := setupStoreOnly()
	if err != nil {
		return err
	}
	defer e.Close()

	detections, err := e.SessionDetections(args[0])
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		fmt.Println("no detections stored for session", args[0])
		return nil
	}
	for _, d := range detections {
		fmt.Printf("frame %5d: %.3f m  %.1f dB  %d C\n", d.FrameIndex, d.Distance, d.Strength, d.Temperature)
	}
	return nil
}

// setupStoreOnly opens just the database, for commands that never touch
// the sensor.
func setupStoreOnly() (*caldb.CalDB, error) {
	tuning, err := loadTuning()
	if err != nil {
		return nil, err
	}
	dbPath := flagDB
	if dbPath == "" {
		dbPath = tuning.GetCalibrationDB()
	}
	return caldb.Open(dbPath)
}
