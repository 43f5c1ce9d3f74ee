package pricing

import "time"

// Pricing models. Amounts are expressed in whole credits using int64.

// LanguageRate defines the cost of analyzing a contract in a given language.
// Harder targets (e.g. cairo, move) carry higher per-kilobyte rates.
type LanguageRate struct {
	ID string `json:"id" db:"id"`

	// Language matches the session language enum ("solidity", "rust", ...).
	// The "unknown" row doubles as the fallback for unpriced languages.
	Language string `json:"language" db:"language"`

	// BaseCredits is a flat charge per analysis run.
	BaseCredits int64 `json:"base_credits" db:"base_credits"`

	// CreditsPerKilobyte is charged per started kilobyte of input.
	CreditsPerKilobyte int64 `json:"credits_per_kilobyte" db:"credits_per_kilobyte"`

	// Effective window for pricing.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status RateStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusInactive RateStatus = "inactive"
)
