package pricing

import (
	"context"
	"errors"
	"time"
)

// Service computes deterministic cost estimates for audit sessions.
//
// Contract:
// - The estimate depends only on input size, language, and the rate table.
// - The same submission always prices the same against the same rates,
//   so the amount reserved at create time can be safely committed later.
// - No engine calls; pure calculation + repository lookups.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

type EstimateRequest struct {
	// Language is the declared contract language.
	Language string

	// SizeBytes is the byte length of the submitted source.
	SizeBytes int

	// At determines which effective rates to use. If zero, service clock is used.
	At time.Time
}

type Estimate struct {
	Language  string
	SizeBytes int

	// BillableKilobytes rounds the input up to started kilobytes, minimum 1.
	BillableKilobytes int

	BaseCredits        int64
	CreditsPerKilobyte int64
	TotalCredits       int64
}

var (
	ErrRateNotFound      = errors.New("rate not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// LanguageFallback is the rate row used when a language has no row of its own.
const LanguageFallback = "unknown"

// EstimateCost prices a submission using the language's effective rate.
func (s *Service) EstimateCost(ctx context.Context, req EstimateRequest) (Estimate, error) {
	if req.Language == "" {
		return Estimate{}, ErrInvalidPricingReq
	}
	if req.SizeBytes <= 0 {
		return Estimate{}, ErrInvalidPricingReq
	}

	at := req.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	rate, ok, err := s.repo.FindLanguageRate(ctx, req.Language, at)
	if err != nil {
		return Estimate{}, err
	}
	if !ok && req.Language != LanguageFallback {
		rate, ok, err = s.repo.FindLanguageRate(ctx, LanguageFallback, at)
		if err != nil {
			return Estimate{}, err
		}
	}
	if !ok {
		return Estimate{}, ErrRateNotFound
	}

	kb := billableKilobytes(req.SizeBytes)
	total := rate.BaseCredits + rate.CreditsPerKilobyte*int64(kb)

	return Estimate{
		Language:           req.Language,
		SizeBytes:          req.SizeBytes,
		BillableKilobytes:  kb,
		BaseCredits:        rate.BaseCredits,
		CreditsPerKilobyte: rate.CreditsPerKilobyte,
		TotalCredits:       total,
	}, nil
}

// RateRepository abstracts rate persistence.
// Implementation can be Postgres, cached, etc.
type RateRepository interface {
	FindLanguageRate(ctx context.Context, language string, at time.Time) (LanguageRate, bool, error)
}

func billableKilobytes(sizeBytes int) int {
	if sizeBytes <= 0 {
		return 0
	}
	// round up to the next started kilobyte
	kb := sizeBytes / 1024
	if sizeBytes%1024 != 0 {
		kb++
	}
	if kb < 1 {
		kb = 1
	}
	return kb
}
