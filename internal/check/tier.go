package check

import (
	"fmt"
	"time"
)

// CheckType is the package tier purchased for a check.
type CheckType string

const (
	CheckTypeBasic         CheckType = "BASIC"
	CheckTypeStandard      CheckType = "STANDARD"
	CheckTypeComprehensive CheckType = "COMPREHENSIVE"
)

func ParseCheckType(s string) (CheckType, error) {
	switch ct := CheckType(s); ct {
	case CheckTypeBasic, CheckTypeStandard, CheckTypeComprehensive:
		return ct, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCheckType, s)
	}
}

func (t CheckType) String() string { return string(t) }

func (t *CheckType) UnmarshalText(b []byte) error {
	parsed, err := ParseCheckType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ComponentKind identifies one sub-verification within a check.
type ComponentKind string

const (
	ComponentIdentity   ComponentKind = "identity"
	ComponentEmployment ComponentKind = "employment"
	ComponentEducation  ComponentKind = "education"
	ComponentCriminal   ComponentKind = "criminal"
)

var componentPriority = map[ComponentKind]int{
	ComponentIdentity:   100,
	ComponentCriminal:   80,
	ComponentEmployment: 60,
	ComponentEducation:  40,
}

func ParseComponentKind(s string) (ComponentKind, error) {
	k := ComponentKind(s)
	if _, ok := componentPriority[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownComponent, s)
	}
	return k, nil
}

func (k ComponentKind) String() string { return string(k) }

// Priority orders verification jobs; identity work is the most urgent.
func (k ComponentKind) Priority() int {
	return componentPriority[k]
}

func (k *ComponentKind) UnmarshalText(b []byte) error {
	parsed, err := ParseComponentKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Tier describes what a check type requires and how long a check stays valid.
type Tier struct {
	Components []ComponentKind
	Validity   time.Duration
}

// TierTable maps each check type to its tier.
type TierTable map[CheckType]Tier

func DefaultTiers() TierTable {
	const day = 24 * time.Hour
	return TierTable{
		CheckTypeBasic: {
			Components: []ComponentKind{ComponentIdentity},
			Validity:   30 * day,
		},
		CheckTypeStandard: {
			Components: []ComponentKind{ComponentIdentity, ComponentEmployment},
			Validity:   60 * day,
		},
		CheckTypeComprehensive: {
			Components: []ComponentKind{ComponentIdentity, ComponentEmployment, ComponentEducation, ComponentCriminal},
			Validity:   90 * day,
		},
	}
}

// Lookup returns the tier for t. A tier with no components or a non-positive
// validity is a configuration error.
func (tt TierTable) Lookup(t CheckType) (Tier, error) {
	tier, ok := tt[t]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownCheckType, t)
	}
	if len(tier.Components) == 0 {
		return Tier{}, fmt.Errorf("%w: %s", ErrNoComponents, t)
	}
	if tier.Validity <= 0 {
		return Tier{}, fmt.Errorf("%w: %s has no validity period", ErrInvalidTier, t)
	}
	seen := make(map[ComponentKind]bool, len(tier.Components))
	for _, k := range tier.Components {
		if _, err := ParseComponentKind(string(k)); err != nil {
			return Tier{}, fmt.Errorf("%w: %s: %w", ErrInvalidTier, t, err)
		}
		if seen[k] {
			return Tier{}, fmt.Errorf("%w: %s lists %s twice", ErrInvalidTier, t, k)
		}
		seen[k] = true
	}
	return tier, nil
}
