package feeconfig

import (
	"errors"
	"time"

	"escrowflow/settlement"
	"escrowflow/vault"
)

// MaxDisputeTimeout caps how long an authority may take to resolve a dispute.
const MaxDisputeTimeout = 365 * 24 * time.Hour

var (
	ErrAlreadyInitialized    = errors.New("feeconfig: already initialized")
	ErrNotInitialized        = errors.New("feeconfig: not initialized")
	ErrUnauthorized          = errors.New("feeconfig: caller is not the config authority")
	ErrInvalidFeeRate        = errors.New("feeconfig: fee rate must be <= 10000 basis points")
	ErrInvalidDisputeTimeout = errors.New("feeconfig: dispute timeout must be positive and at most one year")
	ErrInvalidAuthority      = errors.New("feeconfig: authority cannot be the null identity")
	ErrInvalidFeeCollector   = errors.New("feeconfig: fee collector must be a party identity")
)

// Config is the deployment-wide singleton read by every escrow operation.
type Config struct {
	Authority             string
	FeeCollector          string
	FeeBps                uint16
	DisputeTimeoutSeconds int64
	UpdatedAt             time.Time
}

// DisputeTimeout returns the configured timeout as a duration.
func (c Config) DisputeTimeout() time.Duration {
	return time.Duration(c.DisputeTimeoutSeconds) * time.Second
}

// InitParams carries the one-time initialization input. Authority is the caller.
type InitParams struct {
	Authority             string
	FeeCollector          string
	FeeBps                int
	DisputeTimeoutSeconds int64
}

// UpdateParams leaves nil fields unchanged.
type UpdateParams struct {
	Caller                   string
	NewAuthority             *string
	NewFeeCollector          *string
	NewFeeBps                *int
	NewDisputeTimeoutSeconds *int64
}

// New validates the initialization input and builds the config.
func New(p InitParams) (Config, error) {
	bps, err := validateFeeBps(p.FeeBps)
	if err != nil {
		return Config{}, err
	}
	if err := validateTimeout(p.DisputeTimeoutSeconds); err != nil {
		return Config{}, err
	}
	if p.Authority == "" {
		return Config{}, ErrInvalidAuthority
	}
	if !validCollector(p.FeeCollector) {
		return Config{}, ErrInvalidFeeCollector
	}
	return Config{
		Authority:             p.Authority,
		FeeCollector:          p.FeeCollector,
		FeeBps:                bps,
		DisputeTimeoutSeconds: p.DisputeTimeoutSeconds,
	}, nil
}

// Apply returns the config with the update applied. The receiver is not modified,
// so a rejected update leaves nothing half-written.
func (c Config) Apply(p UpdateParams) (Config, error) {
	if p.Caller == "" || p.Caller != c.Authority {
		return Config{}, ErrUnauthorized
	}

	next := c
	if p.NewFeeBps != nil {
		bps, err := validateFeeBps(*p.NewFeeBps)
		if err != nil {
			return Config{}, err
		}
		next.FeeBps = bps
	}
	if p.NewDisputeTimeoutSeconds != nil {
		if err := validateTimeout(*p.NewDisputeTimeoutSeconds); err != nil {
			return Config{}, err
		}
		next.DisputeTimeoutSeconds = *p.NewDisputeTimeoutSeconds
	}
	if p.NewFeeCollector != nil {
		if !validCollector(*p.NewFeeCollector) {
			return Config{}, ErrInvalidFeeCollector
		}
		next.FeeCollector = *p.NewFeeCollector
	}
	if p.NewAuthority != nil {
		if *p.NewAuthority == "" {
			return Config{}, ErrInvalidAuthority
		}
		next.Authority = *p.NewAuthority
	}
	return next, nil
}

// validCollector rejects the null identity and custody accounts; fees paid into
// custody would be swept back to a payer on close.
func validCollector(identity string) bool {
	return identity != "" && !vault.IsCustody(identity)
}

func validateFeeBps(bps int) (uint16, error) {
	if bps < 0 || bps > settlement.BpsDenominator {
		return 0, ErrInvalidFeeRate
	}
	return uint16(bps), nil
}

func validateTimeout(seconds int64) error {
	if seconds <= 0 || seconds > int64(MaxDisputeTimeout/time.Second) {
		return ErrInvalidDisputeTimeout
	}
	return nil
}
