// Command mmx runs post-fit analyses over a fitted-model snapshot and
// writes the resulting datasets as JSON.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/adlift/mmx/internal/analyzer"
	"github.com/adlift/mmx/internal/diagnostics"
	"github.com/adlift/mmx/pkg/jsonx"
	"github.com/adlift/mmx/pkg/otel"
)

var (
	snapshotPath  string
	outputPath    string
	metricsListen string
	otelEndpoint  string

	distribution   string
	useKPI         bool
	includeNonPaid bool
	confidence     float64
	batchSize      int
	selectedTimes  []string
	byReach        bool
	optimalFreq    bool

	rhatThreshold float64
	rhatCheck     bool
	freqGrid      []float64
)

var tracerProvider *sdktrace.TracerProvider

func main() {
	root := &cobra.Command{
		Use:           "mmx",
		Short:         "Post-fit analysis for fitted marketing-mix models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if snapshotPath == "" {
				return fmt.Errorf("--snapshot (or MMX_SNAPSHOT) is required")
			}
			if otelEndpoint != "" {
				cfg := otel.DefaultConfig("mmx")
				cfg.CollectorEndpoint = otelEndpoint
				tp, err := otel.InitTracer(cmd.Context(), cfg)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				tracerProvider = tp
			}
			if metricsListen != "" {
				// Scrape target for long analysis runs; the process
				// exits when the command finishes.
				go func() {
					if err := http.ListenAndServe(metricsListen, promhttp.Handler()); err != nil {
						log.Printf("metrics listener: %v", err)
					}
				}()
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if err := otel.Shutdown(context.Background(), tracerProvider); err != nil {
				log.Printf("tracer shutdown: %v", err)
			}
		},
	}

	// Flags fall back to MMX_* environment variables.
	root.PersistentFlags().StringVar(&snapshotPath, "snapshot", os.Getenv("MMX_SNAPSHOT"), "path to the fitted-model snapshot JSON (required)")
	root.PersistentFlags().StringVar(&outputPath, "output", "", "write the dataset to this file instead of stdout")
	root.PersistentFlags().StringVar(&metricsListen, "metrics-listen", os.Getenv("MMX_METRICS_LISTEN"), "serve Prometheus metrics on this address while running")
	root.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", os.Getenv("MMX_OTEL_ENDPOINT"), "OTLP gRPC collector endpoint for tracing")

	root.AddCommand(
		newSummaryCmd(),
		newAccuracyCmd(),
		newExpectedVsActualCmd(),
		newRHatCmd(),
		newResponseCurvesCmd(),
		newAdstockDecayCmd(),
		newHillCurvesCmd(),
		newOptimalFrequencyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mmx: %v\n", err)
		os.Exit(1)
	}
}

// openAnalyzer loads the snapshot behind --snapshot and wraps it in an
// Analyzer.
func openAnalyzer() (*analyzer.Analyzer, error) {
	m, err := loadSnapshot(snapshotPath)
	if err != nil {
		return nil, err
	}
	return analyzer.New(m)
}

// modelAttrs annotates a span with the loaded snapshot's dimensions.
func modelAttrs(a *analyzer.Analyzer) []attribute.KeyValue {
	m := a.Model()
	chains, draws := 0, 0
	if m.Inference.Posterior != nil {
		chains, draws = m.Inference.Posterior.ChainsAndDraws()
	}
	return otel.ModelAttributes(m.Dims.NGeos, m.Dims.NTimes, m.Dims.NPaidChannels(), chains, draws)
}

// emitReport writes the dataset and marks the span once it is on disk.
func emitReport(span trace.Span, v any) error {
	if err := writeReport(v); err != nil {
		return err
	}
	otel.AddEvent(span, "report_written")
	return nil
}

// writeReport encodes the dataset with NaN-safe JSON to --output or stdout.
func writeReport(v any) error {
	b, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	b = append(b, '\n')
	if outputPath == "" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(outputPath, b, 0o644)
}

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Per-channel and baseline summary metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			attrs := append(otel.AnalysisAttributes(analyzer.DistPosterior, useKPI, batchSize), modelAttrs(a)...)
			ctx, span := otel.StartSpan(cmd.Context(), "mmx/cli", "summary", attrs...)
			defer span.End()

			opts := analyzer.NewSummaryOptions()
			opts.SelectedTimes = selectedTimes
			opts.ConfidenceLevel = confidence
			opts.UseKPI = useKPI
			opts.IncludeNonPaid = includeNonPaid
			opts.BatchSize = batchSize

			channels, err := a.SummaryMetrics(ctx, opts)
			if err != nil {
				otel.RecordError(span, err, "summary metrics")
				return err
			}
			baseline, err := a.BaselineSummaryMetrics(ctx, opts)
			if err != nil {
				otel.RecordError(span, err, "baseline summary")
				return err
			}
			return emitReport(span, struct {
				Summary  *analyzer.SummaryReport   `json:"summary"`
				Baseline *analyzer.BaselineSummary `json:"baseline"`
			}{channels, baseline})
		},
	}
	cmd.Flags().StringSliceVar(&selectedTimes, "times", nil, "restrict to these modeled time period names")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "credible interval confidence level")
	cmd.Flags().BoolVar(&useKPI, "use-kpi", false, "report on the KPI scale instead of revenue")
	cmd.Flags().BoolVar(&includeNonPaid, "include-non-paid", false, "include organic and non-media treatment channels")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "draws per processing batch")
	return cmd
}

func newAccuracyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "R-squared, MAPE and weighted MAPE of the posterior-mean fit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			attrs := append(otel.AnalysisAttributes(analyzer.DistPosterior, useKPI, batchSize), modelAttrs(a)...)
			ctx, span := otel.StartSpan(cmd.Context(), "mmx/cli", "accuracy", attrs...)
			defer span.End()

			acc, err := a.PredictiveAccuracy(ctx, useKPI, batchSize)
			if err != nil {
				otel.RecordError(span, err, "predictive accuracy")
				return err
			}
			return emitReport(span, acc)
		},
	}
	cmd.Flags().BoolVar(&useKPI, "use-kpi", false, "report on the KPI scale instead of revenue")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "draws per processing batch")
	return cmd
}

func newExpectedVsActualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expected-vs-actual",
		Short: "Expected, baseline and actual outcome per geo and time",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			attrs := append(otel.AnalysisAttributes(analyzer.DistPosterior, useKPI, batchSize), modelAttrs(a)...)
			ctx, span := otel.StartSpan(cmd.Context(), "mmx/cli", "expected-vs-actual", attrs...)
			defer span.End()

			data, err := a.ExpectedVsActualData(ctx, useKPI, batchSize)
			if err != nil {
				otel.RecordError(span, err, "expected vs actual")
				return err
			}
			return emitReport(span, data)
		},
	}
	cmd.Flags().BoolVar(&useKPI, "use-kpi", false, "report on the KPI scale instead of revenue")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "draws per processing batch")
	return cmd
}

func newRHatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rhat",
		Short: "Gelman-Rubin convergence diagnostics per parameter",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadSnapshot(snapshotPath)
			if err != nil {
				return err
			}
			g, err := m.Inference.Group(distribution)
			if err != nil {
				return err
			}
			rhats, err := diagnostics.ComputeRHat(g)
			if err != nil {
				return err
			}
			report := struct {
				Threshold float64                  `json:"threshold"`
				Rows      []diagnostics.SummaryRow `json:"rows"`
			}{rhatThreshold, diagnostics.Summarize(rhats, rhatThreshold)}
			if err := writeReport(report); err != nil {
				return err
			}
			if rhatCheck {
				return diagnostics.CheckConvergence(rhats, rhatThreshold)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&distribution, "distribution", analyzer.DistPosterior, "draw group to diagnose")
	cmd.Flags().Float64Var(&rhatThreshold, "threshold", diagnostics.ConvergenceThreshold, "r-hat convergence threshold")
	cmd.Flags().BoolVar(&rhatCheck, "check", false, "exit non-zero when any parameter exceeds the threshold")
	return cmd
}

func newResponseCurvesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "response-curves",
		Short: "Incremental outcome vs execution multiplier per paid channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			attrs := append(otel.AnalysisAttributes(distribution, useKPI, batchSize), modelAttrs(a)...)
			ctx, span := otel.StartSpan(cmd.Context(), "mmx/cli", "response-curves", attrs...)
			defer span.End()

			opts := analyzer.NewResponseCurveOptions()
			opts.Distribution = distribution
			opts.UseKPI = useKPI
			opts.ByReach = byReach
			opts.UseOptimalFrequency = optimalFreq
			opts.ConfidenceLevel = confidence
			opts.BatchSize = batchSize

			curves, err := a.ResponseCurvesData(ctx, opts)
			if err != nil {
				otel.RecordError(span, err, "response curves")
				return err
			}
			return emitReport(span, curves)
		},
	}
	cmd.Flags().StringVar(&distribution, "distribution", analyzer.DistPosterior, "draw group to analyze")
	cmd.Flags().BoolVar(&useKPI, "use-kpi", false, "report on the KPI scale instead of revenue")
	cmd.Flags().BoolVar(&byReach, "by-reach", true, "scale reach rather than frequency for RF channels")
	cmd.Flags().BoolVar(&optimalFreq, "optimal-frequency", false, "flight RF channels at their ROI-optimal frequency")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "credible interval confidence level")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "draws per processing batch")
	return cmd
}

func newAdstockDecayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adstock-decay",
		Short: "Posterior adstock decay curves per channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			points, err := a.AdstockDecay(confidence)
			if err != nil {
				return err
			}
			return writeReport(points)
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "credible interval confidence level")
	return cmd
}

func newHillCurvesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hill-curves",
		Short: "Posterior Hill saturation curves with execution histograms",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			data, err := a.HillCurves(confidence)
			if err != nil {
				return err
			}
			return writeReport(data)
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "credible interval confidence level")
	return cmd
}

func newOptimalFrequencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimal-frequency",
		Short: "ROI-maximizing average frequency per reach-frequency channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAnalyzer()
			if err != nil {
				return err
			}
			attrs := append(otel.AnalysisAttributes(distribution, useKPI, batchSize), modelAttrs(a)...)
			ctx, span := otel.StartSpan(cmd.Context(), "mmx/cli", "optimal-frequency", attrs...)
			defer span.End()

			opts := analyzer.NewOptimalFrequencyOptions()
			opts.Distribution = distribution
			opts.UseKPI = useKPI
			opts.ConfidenceLevel = confidence
			opts.Grid = freqGrid
			opts.BatchSize = batchSize

			results, err := a.OptimalFrequency(ctx, opts)
			if err != nil {
				otel.RecordError(span, err, "optimal frequency")
				return err
			}
			return emitReport(span, results)
		},
	}
	cmd.Flags().StringVar(&distribution, "distribution", analyzer.DistPosterior, "draw group to analyze")
	cmd.Flags().BoolVar(&useKPI, "use-kpi", false, "report on the KPI scale instead of revenue")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "credible interval confidence level")
	cmd.Flags().Float64SliceVar(&freqGrid, "grid", nil, "candidate frequencies (default 1.0 to max observed, step 0.1)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "draws per processing batch")
	return cmd
}
