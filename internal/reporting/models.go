package reporting

// Summary aggregates findings mined from a finalized report.
//
// Display heuristic ONLY. The counts come from text scanning of the
// engine's report and must never feed pricing or billing.
type Summary struct {
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`

	TotalFindings int `json:"total_findings"`

	// SecurityScore is 0-100; 100 means no findings were detected.
	SecurityScore int `json:"security_score"`
}
