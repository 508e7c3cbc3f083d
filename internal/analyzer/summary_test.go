package analyzer

import (
	"context"
	"math"
	"testing"
)

func TestSummaryMetricsKnownScenario(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	report, err := a.SummaryMetrics(context.Background(), NewSummaryOptions())
	if err != nil {
		t.Fatalf("SummaryMetrics: %v", err)
	}
	if len(report.Channels) != 2 {
		t.Fatalf("got %d rows, want channel row plus total", len(report.Channels))
	}
	tv, total := report.Channels[0], report.Channels[1]

	if tv.Channel != "tv" || !tv.Paid {
		t.Fatalf("row 0 = %+v, want paid channel tv", tv)
	}
	if tv.Impressions != 1 || tv.Spend != knownSpend || tv.PctOfSpend != 100 {
		t.Fatalf("tv spend columns = (%v, %v, %v)", tv.Impressions, tv.Spend, tv.PctOfSpend)
	}
	if tv.CPM != knownSpend*1000 {
		t.Fatalf("cpm = %v, want %v", tv.CPM, knownSpend*1000)
	}
	if !near(tv.IncrementalOutcome.Posterior.Mean, knownIncremental, 1e-12) {
		t.Fatalf("incremental = %v, want %v", tv.IncrementalOutcome.Posterior.Mean, knownIncremental)
	}
	if !near(tv.ROI.Posterior.Mean, knownIncremental/knownSpend, 1e-12) {
		t.Fatalf("roi = %v, want %v", tv.ROI.Posterior.Mean, knownIncremental/knownSpend)
	}
	if !near(tv.CPIK.Posterior.Mean, knownSpend/knownIncremental, 1e-12) {
		t.Fatalf("cpik = %v, want %v", tv.CPIK.Posterior.Mean, knownSpend/knownIncremental)
	}
	// The whole expected outcome is media-driven here.
	if !near(tv.PctOfContribution.Posterior.Mean, 100, 1e-9) {
		t.Fatalf("contribution pct = %v, want 100", tv.PctOfContribution.Posterior.Mean)
	}
	// No prior draws were supplied.
	if !math.IsNaN(tv.ROI.Prior.Mean) {
		t.Fatalf("prior roi = %v, want NaN", tv.ROI.Prior.Mean)
	}

	if total.Channel != AllChannels {
		t.Fatalf("last row = %q, want %q", total.Channel, AllChannels)
	}
	if !math.IsNaN(total.MarginalROI.Posterior.Mean) || !math.IsNaN(total.Effectiveness.Posterior.Mean) {
		t.Fatal("marginal roi and effectiveness must be NaN on the total row")
	}
	if !near(total.ROI.Posterior.Mean, knownIncremental/knownSpend, 1e-12) {
		t.Fatalf("total roi = %v, want %v", total.ROI.Posterior.Mean, knownIncremental/knownSpend)
	}
	if !near(total.CPIK.Posterior.Mean, knownSpend/knownIncremental, 1e-12) {
		t.Fatalf("total cpik = %v, want %v", total.CPIK.Posterior.Mean, knownSpend/knownIncremental)
	}
}

func TestSummaryMetricsMarginalBelowAverage(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	report, err := a.SummaryMetrics(context.Background(), NewSummaryOptions())
	if err != nil {
		t.Fatalf("SummaryMetrics: %v", err)
	}
	tv := report.Channels[0]
	m, r := tv.MarginalROI.Posterior.Mean, tv.ROI.Posterior.Mean
	if !(m > 0 && m < r) {
		t.Fatalf("marginal roi = %v, average roi = %v, want 0 < marginal < average", m, r)
	}
}

func TestBaselineSummaryKnownScenario(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	got, err := a.BaselineSummaryMetrics(context.Background(), NewSummaryOptions())
	if err != nil {
		t.Fatalf("BaselineSummaryMetrics: %v", err)
	}
	// Zero intercepts: the expected outcome is entirely incremental.
	if !near(got.BaselineOutcome.Posterior.Mean, 0, 1e-12) {
		t.Fatalf("baseline = %v, want 0", got.BaselineOutcome.Posterior.Mean)
	}
	if !math.IsNaN(got.BaselineOutcome.Prior.Mean) {
		t.Fatalf("prior baseline = %v, want NaN", got.BaselineOutcome.Prior.Mean)
	}
}

func TestSummaryMetricsTimeWindow(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewSummaryOptions()
	opts.SelectedTimes = []string{"t0"}
	report, err := a.SummaryMetrics(context.Background(), opts)
	if err != nil {
		t.Fatalf("SummaryMetrics: %v", err)
	}
	tv := report.Channels[0]
	// Window restricted to the impulse period: spend shrinks to 2 while the
	// counterfactual still counts the lagged response of the scaled period.
	if tv.Spend != 2 {
		t.Fatalf("windowed spend = %v, want 2", tv.Spend)
	}
	if !near(tv.IncrementalOutcome.Posterior.Mean, knownIncremental, 1e-12) {
		t.Fatalf("windowed incremental = %v, want %v", tv.IncrementalOutcome.Posterior.Mean, knownIncremental)
	}
}
