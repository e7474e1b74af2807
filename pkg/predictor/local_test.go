package predictor

import (
	"context"
	"testing"
)

func testLocal(t *testing.T) *LocalPredictor {
	t.Helper()
	l, err := NewLocalPredictor(LocalOptions{
		ID: "local-v1",
		Weights: map[string]float64{
			"requests_per_minute":   0.02,
			"error_rate_percentage": 0.05,
		},
		Bias:           -2.0,
		AbuseThreshold: 0.65,
		BaseLimit:      60,
	})
	if err != nil {
		t.Fatalf("NewLocalPredictor: %v", err)
	}
	return l
}

// ── determinism ──

func TestLocalDeterministic(t *testing.T) {
	l := testLocal(t)
	features := map[string]float64{"requests_per_minute": 40, "error_rate_percentage": 10}

	a, err := l.Predict(context.Background(), features)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Predict(context.Background(), features)
	if a.RiskScore != b.RiskScore || a.RecommendedLimit != b.RecommendedLimit {
		t.Errorf("same features gave different results: %+v vs %+v", a, b)
	}
	if a.Source != SourceFallback {
		t.Errorf("Source = %q, want fallback", a.Source)
	}
}

// ── scoring behavior ──

func TestLocalRiskOrdering(t *testing.T) {
	l := testLocal(t)

	quiet, _ := l.Predict(context.Background(), map[string]float64{"requests_per_minute": 1})
	noisy, _ := l.Predict(context.Background(), map[string]float64{
		"requests_per_minute":   200,
		"error_rate_percentage": 80,
	})

	if quiet.RiskScore >= noisy.RiskScore {
		t.Errorf("quiet risk %v should be below noisy risk %v", quiet.RiskScore, noisy.RiskScore)
	}
	if quiet.Abusive {
		t.Error("quiet subject should not be flagged abusive")
	}
	if !noisy.Abusive {
		t.Error("noisy subject should be flagged abusive")
	}
	if noisy.RecommendedLimit >= quiet.RecommendedLimit {
		t.Errorf("noisy limit %d should be below quiet limit %d",
			noisy.RecommendedLimit, quiet.RecommendedLimit)
	}
}

func TestLocalLimitFloor(t *testing.T) {
	l := testLocal(t)
	res, _ := l.Predict(context.Background(), map[string]float64{
		"requests_per_minute":   10_000,
		"error_rate_percentage": 100,
	})
	if res.RecommendedLimit < 1 {
		t.Errorf("RecommendedLimit = %d, want >= 1", res.RecommendedLimit)
	}
	if res.RiskScore < 0 || res.RiskScore > 1 {
		t.Errorf("RiskScore = %v outside [0,1]", res.RiskScore)
	}
}

func TestLocalMissingFeaturesAreZero(t *testing.T) {
	l := testLocal(t)
	a, _ := l.Predict(context.Background(), map[string]float64{})
	b, _ := l.Predict(context.Background(), map[string]float64{"unknown_feature": 99})
	if a.RiskScore != b.RiskScore {
		t.Errorf("unweighted features must not change the score: %v vs %v", a.RiskScore, b.RiskScore)
	}
}

// ── construction validation ──

func TestNewLocalPredictorValidation(t *testing.T) {
	valid := LocalOptions{
		ID:             "local-v1",
		Weights:        map[string]float64{"x": 1},
		AbuseThreshold: 0.65,
		BaseLimit:      60,
	}

	cases := []struct {
		name   string
		mutate func(*LocalOptions)
	}{
		{"missing id", func(o *LocalOptions) { o.ID = "" }},
		{"no weights", func(o *LocalOptions) { o.Weights = nil }},
		{"threshold too low", func(o *LocalOptions) { o.AbuseThreshold = 0 }},
		{"threshold too high", func(o *LocalOptions) { o.AbuseThreshold = 1 }},
		{"base limit zero", func(o *LocalOptions) { o.BaseLimit = 0 }},
	}
	for _, tc := range cases {
		opts := valid
		opts.Weights = map[string]float64{"x": 1}
		tc.mutate(&opts)
		if _, err := NewLocalPredictor(opts); err == nil {
			t.Errorf("%s: expected construction error", tc.name)
		}
	}

	if _, err := NewLocalPredictor(valid); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
}
