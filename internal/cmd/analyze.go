package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/tripscan/internal/engine"
	"github.com/HerbHall/tripscan/internal/event"
	"github.com/HerbHall/tripscan/internal/history"
	"github.com/HerbHall/tripscan/internal/loader"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// previewSamples is how many leading samples analyze echoes.
const previewSamples = 3

type analyzeReport struct {
	Source    string             `json:"source"`
	RunID     string             `json:"run_id,omitempty"`
	Samples   int                `json:"samples"`
	Preview   []telemetry.Sample `json:"first_samples"`
	Rejected  int                `json:"rejected"`
	Abandoned int                `json:"abandoned_episodes"`
	Events    []telemetry.Event  `json:"events"`
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var noStore bool

	cmd := &cobra.Command{
		Use:   "analyze <file.csv>",
		Short: "Run the detectors over a recorded trip",
		Long: `Load a recorded trip from CSV, run every enabled detector over it and print
the events found. The run is saved to the history database unless --no-store
is given or database.path is empty.

Examples:
  tripscan analyze data/sample_trip.csv
  tripscan analyze --coolant-threshold 125 -o json trip.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAnalyze(cmd, args[0], noStore)
		},
	}
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the run in the history database")
	cmd.Flags().Float64("coolant-threshold", 0, "coolant overheat threshold in degrees C (overrides detectors.coolant_overheat.threshold_c)")
	a.bind("detectors.coolant_overheat.threshold_c", cmd.Flags().Lookup("coolant-threshold"))
	return cmd
}

func (a *app) runAnalyze(cmd *cobra.Command, path string, noStore bool) error {
	ctx := cmd.Context()
	logger := a.logger.Named("analyze")

	samples, err := loader.LoadFile(path)
	if err != nil {
		return err
	}
	logger.Debug("telemetry loaded", zap.String("path", path), zap.Int("samples", len(samples)))

	bus := event.NewBus(a.logger.Named("event"))
	report := analyzeReport{Source: filepath.Base(path), Samples: len(samples)}
	report.Preview = samples[:min(previewSamples, len(samples))]

	var finish func(engine.Result) error
	if !noStore && a.cfg.Database.Path != "" {
		st, hist, err := a.openHistory(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := hist.CreateRun(ctx, path)
		if err != nil {
			return err
		}
		report.RunID = run.ID
		rec := history.NewRecorder(a.logger.Named("history"), hist, run.ID)
		detach := rec.Attach(bus)
		finish = func(res engine.Result) error {
			detach()
			return finishRun(context.WithoutCancel(ctx), logger, hist, rec, run.ID, res)
		}
	}

	eng := engine.New(a.logger.Named("engine"), a.cfg.BuildDetectors(), engine.WithBus(bus))
	res, runErr := eng.Run(ctx, samples)
	if finish != nil {
		if err := finish(res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	report.Rejected = res.Rejected
	report.Abandoned = res.Abandoned
	report.Events = res.Events
	if report.Events == nil {
		report.Events = []telemetry.Event{}
	}

	p := newPrinter(cmd.OutOrStdout(), a.jsonOutput())
	if p.json {
		return p.encode(report)
	}
	p.printf("Loaded %d telemetry samples\n", len(samples))
	p.printf("First %d samples:\n", len(report.Preview))
	for _, s := range report.Preview {
		p.printf("%s\n", s)
	}
	p.printf("Events: %d\n", len(res.Events))
	p.events(res.Events)
	if report.RunID != "" {
		p.printf("Run: %s\n", report.RunID)
	}
	return nil
}

// finishRun writes the final counters of run id.
func finishRun(ctx context.Context, logger *zap.Logger, hist *history.Store, rec *history.Recorder, id string, res engine.Result) error {
	stored, failed := rec.Recorded()
	if failed > 0 {
		logger.Warn("some events were not recorded",
			zap.String("run_id", id),
			zap.Int("stored", stored),
			zap.Int("failed", failed),
		)
	}
	err := hist.FinishRun(ctx, id, history.Totals{
		Samples:   res.Samples,
		Events:    stored,
		Rejected:  res.Rejected,
		Abandoned: res.Abandoned,
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
