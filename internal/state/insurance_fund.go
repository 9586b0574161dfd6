package state

import (
	"fmt"
	"strings"

	fpmath "PerpRisk/internal/math"
)

// DeficitPolicy decides whether the insurance fund or auto-deleveraging
// absorbs a liquidation deficit first.
type DeficitPolicy int

const (
	// DeficitInsuranceFirst draws insurance at liquidation time and escalates
	// only the uncovered remainder to ADL.
	DeficitInsuranceFirst DeficitPolicy = iota
	// DeficitADLFirst books the whole deficit for ADL; insurance covers what
	// deleveraging could not recover.
	DeficitADLFirst
)

func (p DeficitPolicy) String() string {
	switch p {
	case DeficitInsuranceFirst:
		return "insurance_first"
	case DeficitADLFirst:
		return "adl_first"
	default:
		return "unknown"
	}
}

// ParseDeficitPolicy accepts the String forms.
func ParseDeficitPolicy(s string) (DeficitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "insurance_first":
		return DeficitInsuranceFirst, nil
	case "adl_first":
		return DeficitADLFirst, nil
	default:
		return 0, fmt.Errorf("unknown deficit policy %q", s)
	}
}

// Coverage splits a deficit between the insurance fund and socialized loss.
type Coverage struct {
	Deficit       fpmath.Value
	FromInsurance fpmath.Value
	Socialized    fpmath.Value
}

// Exhausted reports whether part of the deficit was left uncovered.
func (c Coverage) Exhausted() bool {
	return c.Socialized.IsPositive()
}

// InsuranceFund applies the deficit policy. The balance itself lives in the
// ledger (system:insurance_fund account).
type InsuranceFund struct {
	policy DeficitPolicy
}

func NewInsuranceFund(policy DeficitPolicy) *InsuranceFund {
	return &InsuranceFund{policy: policy}
}

// Policy returns the configured deficit policy.
func (f *InsuranceFund) Policy() DeficitPolicy {
	return f.policy
}

// CanCoverDeficit checks if the insurance fund has enough balance to cover a deficit.
func (f *InsuranceFund) CanCoverDeficit(fundBalance, deficit fpmath.Value) bool {
	return fundBalance.Cmp(deficit) >= 0
}

// ComputeCoverage returns how much the insurance fund can cover.
// If the fund is insufficient, returns the partial amount and the remaining deficit.
func (f *InsuranceFund) ComputeCoverage(fundBalance, deficit fpmath.Value) (covered, remaining fpmath.Value) {
	if !deficit.IsPositive() {
		return fpmath.Zero, fpmath.Zero
	}
	available := fpmath.Max(fundBalance, fpmath.Zero)
	if available.Cmp(deficit) >= 0 {
		return deficit, fpmath.Zero
	}
	remaining, _ = fpmath.Sub(deficit, available)
	return available, remaining
}

// PlanLiquidationDeficit splits a deficit found at liquidation time
// according to the policy.
func (f *InsuranceFund) PlanLiquidationDeficit(fundBalance, deficit fpmath.Value) Coverage {
	c := Coverage{Deficit: deficit, FromInsurance: fpmath.Zero, Socialized: fpmath.Zero}
	if !deficit.IsPositive() {
		return c
	}
	if f.policy == DeficitADLFirst {
		c.Socialized = deficit
		return c
	}
	c.FromInsurance, c.Socialized = f.ComputeCoverage(fundBalance, deficit)
	return c
}
