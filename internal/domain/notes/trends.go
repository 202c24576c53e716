package notes

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/carepath/clinsafe/internal/domain/risk"
)

// OverallTrend is the direction of note sentiment
type OverallTrend string

const (
	TrendImproving OverallTrend = "improving"
	TrendStable    OverallTrend = "stable"
	TrendDeclining OverallTrend = "declining"
)

// RiskTrend is the direction of high-risk events
type RiskTrend string

const (
	RiskIncreasing RiskTrend = "increasing"
	RiskStable     RiskTrend = "stable"
	RiskDecreasing RiskTrend = "decreasing"
)

// TrendReport is derived on every request and never stored
type TrendReport struct {
	SubjectID       string       `json:"subject_id"`
	Months          int          `json:"months"`
	VersionCount    int          `json:"version_count"`
	OverallTrend    OverallTrend `json:"overall_trend"`
	RiskTrend       RiskTrend    `json:"risk_trend"`
	ProgressScore   int          `json:"progress_score"`
	KeyFindings     []string     `json:"key_findings"`
	Recommendations []string     `json:"recommendations"`
}

// InsufficientDataFinding is reported when fewer than two versions exist
const InsufficientDataFinding = "insufficient data: at least two note versions are needed for trend analysis"

// TrendConfig holds the trend heuristics
type TrendConfig struct {
	RecentWindow int // newest versions compared
	OlderWindow  int // versions after the recent window
	RiskWindow   int // risk logs per comparison window

	// SentimentDelta is the average-score gap needed to call a trend
	SentimentDelta float64

	BaseScore             int
	ManyVersions          int
	ManyVersionsBonus     int
	SomeVersions          int
	SomeVersionsBonus     int
	SevereHighRiskRatio   float64
	SevereHighRiskDelta   int
	ElevatedHighRiskRatio float64
	ElevatedHighRiskDelta int
	NoHighRiskBonus       int
	ImprovingDelta        int
	DecliningDelta        int
	RiskIncreasingDelta   int
	RiskDecreasingDelta   int

	PositiveKeywords []string
	NegativeKeywords []string
}

// DefaultTrendConfig returns the standard heuristics
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		RecentWindow:          5,
		OlderWindow:           5,
		RiskWindow:            10,
		SentimentDelta:        0.1,
		BaseScore:             50,
		ManyVersions:          10,
		ManyVersionsBonus:     10,
		SomeVersions:          5,
		SomeVersionsBonus:     5,
		SevereHighRiskRatio:   0.3,
		SevereHighRiskDelta:   -20,
		ElevatedHighRiskRatio: 0.1,
		ElevatedHighRiskDelta: -10,
		NoHighRiskBonus:       10,
		ImprovingDelta:        15,
		DecliningDelta:        -15,
		RiskIncreasingDelta:   -10,
		RiskDecreasingDelta:   10,
		PositiveKeywords: []string{
			"improved", "improving", "better", "progress", "stable",
			"calmer", "engaged", "hopeful", "coping", "reduced",
		},
		NegativeKeywords: []string{
			"worse", "worsening", "declined", "deteriorating", "anxious",
			"depressed", "hopeless", "crisis", "relapse", "agitated",
		},
	}
}

type analyzer struct {
	cfg      TrendConfig
	positive map[string]struct{}
	negative map[string]struct{}
}

func newAnalyzer(cfg TrendConfig) *analyzer {
	a := &analyzer{
		cfg:      cfg,
		positive: make(map[string]struct{}, len(cfg.PositiveKeywords)),
		negative: make(map[string]struct{}, len(cfg.NegativeKeywords)),
	}
	for _, w := range cfg.PositiveKeywords {
		a.positive[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range cfg.NegativeKeywords {
		a.negative[strings.ToLower(w)] = struct{}{}
	}
	return a
}

// sentiment is positive minus negative keyword hits over whole words
func (a *analyzer) sentiment(text string) int {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	score := 0
	for _, w := range words {
		if _, ok := a.positive[w]; ok {
			score++
		}
		if _, ok := a.negative[w]; ok {
			score--
		}
	}
	return score
}

func (a *analyzer) average(versions []Version) float64 {
	if len(versions) == 0 {
		return 0
	}
	total := 0
	for _, v := range versions {
		total += a.sentiment(v.Sections.Assessment)
	}
	return float64(total) / float64(len(versions))
}

// report builds the trend from versions and risk logs, both newest first
func (a *analyzer) report(subjectID string, months int, versions []Version, logs []risk.Log) *TrendReport {
	r := &TrendReport{
		SubjectID:       subjectID,
		Months:          months,
		VersionCount:    len(versions),
		OverallTrend:    TrendStable,
		RiskTrend:       RiskStable,
		ProgressScore:   a.cfg.BaseScore,
		KeyFindings:     []string{},
		Recommendations: []string{},
	}

	if len(versions) < 2 {
		r.KeyFindings = append(r.KeyFindings, InsufficientDataFinding)
		r.Recommendations = append(r.Recommendations, "Continue documenting sessions to enable trend analysis")
		return r
	}

	recent, older := window(versions, 0, a.cfg.RecentWindow), window(versions, a.cfg.RecentWindow, a.cfg.OlderWindow)
	if len(older) > 0 {
		diff := a.average(recent) - a.average(older)
		switch {
		case diff > a.cfg.SentimentDelta:
			r.OverallTrend = TrendImproving
		case diff < -a.cfg.SentimentDelta:
			r.OverallTrend = TrendDeclining
		}
	}

	recentRisk, olderRisk := window(logs, 0, a.cfg.RiskWindow), window(logs, a.cfg.RiskWindow, a.cfg.RiskWindow)
	if len(olderRisk) > 0 {
		rh, oh := countHigh(recentRisk), countHigh(olderRisk)
		switch {
		case rh > oh:
			r.RiskTrend = RiskIncreasing
		case rh < oh:
			r.RiskTrend = RiskDecreasing
		}
	}

	score := a.cfg.BaseScore
	switch {
	case len(versions) >= a.cfg.ManyVersions:
		score += a.cfg.ManyVersionsBonus
	case len(versions) >= a.cfg.SomeVersions:
		score += a.cfg.SomeVersionsBonus
	}

	high := countHigh(logs)
	if len(logs) > 0 {
		ratio := float64(high) / float64(len(logs))
		switch {
		case ratio > a.cfg.SevereHighRiskRatio:
			score += a.cfg.SevereHighRiskDelta
		case ratio > a.cfg.ElevatedHighRiskRatio:
			score += a.cfg.ElevatedHighRiskDelta
		case high == 0:
			score += a.cfg.NoHighRiskBonus
		}
	}

	switch r.OverallTrend {
	case TrendImproving:
		score += a.cfg.ImprovingDelta
		r.KeyFindings = append(r.KeyFindings, "Assessment language has become more positive in recent sessions")
	case TrendDeclining:
		score += a.cfg.DecliningDelta
		r.KeyFindings = append(r.KeyFindings, "Assessment language has become more negative in recent sessions")
		r.Recommendations = append(r.Recommendations, "Review the treatment plan with the client")
	default:
		r.KeyFindings = append(r.KeyFindings, "Assessment language is consistent across recent sessions")
	}

	switch r.RiskTrend {
	case RiskIncreasing:
		score += a.cfg.RiskIncreasingDelta
		r.KeyFindings = append(r.KeyFindings, "High-risk events are increasing")
		r.Recommendations = append(r.Recommendations, "Update the safety plan and increase session frequency")
	case RiskDecreasing:
		score += a.cfg.RiskDecreasingDelta
		r.KeyFindings = append(r.KeyFindings, "High-risk events are decreasing")
	}

	if high > 0 {
		r.KeyFindings = append(r.KeyFindings, fmt.Sprintf("%d high-risk event(s) of %d in the period", high, len(logs)))
	}
	if len(r.Recommendations) == 0 {
		r.Recommendations = append(r.Recommendations, "Continue the current treatment plan")
	}

	r.ProgressScore = clamp(score, 0, 100)
	return r
}

func window[T any](items []T, start, size int) []T {
	if start >= len(items) || size <= 0 {
		return nil
	}
	end := min(start+size, len(items))
	return items[start:end]
}

func countHigh(logs []risk.Log) int {
	n := 0
	for _, l := range logs {
		if l.Level == risk.LevelHigh {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
