package triage

import (
	"fmt"
	"strings"
)

// RiskLevel is the underwriting risk classification of a submission.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// ParseRiskLevel maps user input onto a RiskLevel, ignoring case and surrounding space.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return "", fmt.Errorf("%w: %q (want Low, Medium or High)", ErrInvalidRiskLevel, s)
}

// Priority is the routing decision derived from value and risk.
type Priority string

const (
	MaxPriority      Priority = "MAX_PRIORITY"
	StandardPriority Priority = "STANDARD_PRIORITY"
)

// ParsePriority accepts a Priority value or its short form ("max",
// "standard"), ignoring case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max", "max_priority":
		return MaxPriority, nil
	case "standard", "standard_priority":
		return StandardPriority, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
}

// Route describes where a submission with this priority goes.
func (p Priority) Route() string {
	if p == MaxPriority {
		return "Assign to Senior Underwriter"
	}
	return "Proceed to standard queue"
}

// SeniorThresholdUSD is the insured value above which High risk goes to a senior underwriter.
const SeniorThresholdUSD = 1_500_000

// Evaluate applies the triage rule. The threshold is exclusive.
func Evaluate(insuredValue int64, level RiskLevel) Priority {
	if level == RiskHigh && insuredValue > SeniorThresholdUSD {
		return MaxPriority
	}
	return StandardPriority
}

// RiskProfile is an insured value paired with a risk level.
type RiskProfile struct {
	InsuredValueUSD int64
	Level           RiskLevel
}

// Marker values recognised in submission identifiers and document bodies.
const (
	highValueUSD      = 2_500_000
	mediumValueUSD    = 800_000
	defaultValueUSD   = 1_000_000
	highValueMarker   = "2500000"
	mediumValueMarker = "800000"
)

// DiscussionFallback is the profile used on confirmation when no marker matches:
// the level the user confirmed with the default insured value.
func DiscussionFallback(level RiskLevel) RiskProfile {
	return RiskProfile{InsuredValueUSD: defaultValueUSD, Level: level}
}

// FileNameFallback is the profile used by the finalize tool when the file name
// carries no marker.
var FileNameFallback = RiskProfile{InsuredValueUSD: mediumValueUSD, Level: RiskMedium}

// InferRiskProfile applies the marker heuristic. The identifier is matched
// case-insensitively against "high"/"medium"; the document is matched against
// the literal values. High markers win over Medium markers. When nothing
// matches the fallback is returned unchanged. Markers override whatever was
// settled during discussion.
func InferRiskProfile(identifier, document string, fallback RiskProfile) RiskProfile {
	id := strings.ToLower(identifier)
	switch {
	case strings.Contains(id, "high") || strings.Contains(document, highValueMarker):
		return RiskProfile{InsuredValueUSD: highValueUSD, Level: RiskHigh}
	case strings.Contains(id, "medium") || strings.Contains(document, mediumValueMarker):
		return RiskProfile{InsuredValueUSD: mediumValueUSD, Level: RiskMedium}
	}
	return fallback
}
