package reporting

import "testing"

func TestSummarize_EmptyReport(t *testing.T) {
	s := Summarize("")
	if s.TotalFindings != 0 {
		t.Fatalf("expected no findings, got %d", s.TotalFindings)
	}
	if s.SecurityScore != 100 {
		t.Fatalf("expected score 100, got %d", s.SecurityScore)
	}
}

func TestSummarize_CountsAnnotations(t *testing.T) {
	report := `# Audit Report

## Finding 1: Reentrancy in withdraw()
Severity: Critical
The withdraw function calls out before updating balances.

## Finding 2: Missing zero-address check
Severity: Low

[HIGH] Unchecked return value of transfer()

### Medium: Timestamp dependence
`
	s := Summarize(report)
	if s.Critical != 1 {
		t.Fatalf("expected 1 critical, got %d", s.Critical)
	}
	if s.High != 1 {
		t.Fatalf("expected 1 high, got %d", s.High)
	}
	if s.Medium != 1 {
		t.Fatalf("expected 1 medium, got %d", s.Medium)
	}
	if s.Low != 1 {
		t.Fatalf("expected 1 low, got %d", s.Low)
	}
	if s.TotalFindings != 4 {
		t.Fatalf("expected 4 findings, got %d", s.TotalFindings)
	}
	want := 100 - (weightCritical + weightHigh + weightMedium + weightLow)
	if s.SecurityScore != want {
		t.Fatalf("expected score %d, got %d", want, s.SecurityScore)
	}
}

func TestSummarize_IgnoresProseMentions(t *testing.T) {
	s := Summarize("It is critical that you review access control in high-value contracts.")
	if s.TotalFindings != 0 {
		t.Fatalf("expected prose mentions not to count, got %d findings", s.TotalFindings)
	}
}

func TestSummarize_ScoreFloorsAtZero(t *testing.T) {
	report := ""
	for i := 0; i < 10; i++ {
		report += "Severity: Critical\n"
	}
	s := Summarize(report)
	if s.SecurityScore != 0 {
		t.Fatalf("expected floor at 0, got %d", s.SecurityScore)
	}
}

func TestSummarize_InfoAlias(t *testing.T) {
	s := Summarize("Severity: Info\nSeverity: Informational\n")
	if s.Informational != 2 {
		t.Fatalf("expected 2 informational, got %d", s.Informational)
	}
}
