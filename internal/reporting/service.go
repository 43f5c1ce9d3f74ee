package reporting

import (
	"regexp"
	"strings"
)

// Summarize mines severity markers out of a report and derives a score.
//
// Recognized markers, case-insensitive:
// - "Severity: High" style annotations
// - "[HIGH]" style bracketed tags
// - markdown headings that lead with the severity ("### Critical: ...")
//
// The heuristic is deliberately conservative: prose mentions of the word
// "critical" without one of these shapes are not counted.
var (
	severityAnnotation = regexp.MustCompile(`(?im)severity\s*[:=]\s*\**\s*(critical|high|medium|low|informational|info)\b`)
	severityBracket    = regexp.MustCompile(`(?i)\[(critical|high|medium|low|informational|info)\]`)
	severityHeading    = regexp.MustCompile(`(?im)^#{1,6}\s+(critical|high|medium|low|informational|info)\b`)
)

// Score weights per finding. Tuned so a single critical hurts more than
// several lows.
const (
	weightCritical = 25
	weightHigh     = 15
	weightMedium   = 8
	weightLow      = 3
	weightInfo     = 1
)

func Summarize(report string) Summary {
	var s Summary
	if strings.TrimSpace(report) == "" {
		s.SecurityScore = 100
		return s
	}

	for _, re := range []*regexp.Regexp{severityAnnotation, severityBracket, severityHeading} {
		for _, m := range re.FindAllStringSubmatch(report, -1) {
			switch strings.ToLower(m[1]) {
			case "critical":
				s.Critical++
			case "high":
				s.High++
			case "medium":
				s.Medium++
			case "low":
				s.Low++
			case "informational", "info":
				s.Informational++
			}
		}
	}

	s.TotalFindings = s.Critical + s.High + s.Medium + s.Low + s.Informational
	s.SecurityScore = score(s)
	return s
}

func score(s Summary) int {
	penalty := s.Critical*weightCritical +
		s.High*weightHigh +
		s.Medium*weightMedium +
		s.Low*weightLow +
		s.Informational*weightInfo
	if penalty > 100 {
		penalty = 100
	}
	return 100 - penalty
}
