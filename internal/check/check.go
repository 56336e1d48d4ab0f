// Package check holds the Check aggregate and its state machine.
//
// Domain Purity: no I/O, no context.Context and no time.Now() calls. Time is
// always received as a parameter from the pipeline.
package check

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
)

// Check is the aggregate root of one background-verification request.
//
// Invariants:
//   - Components holds exactly the kinds required by Type
//   - ExpiresAt is computed at creation and never changes
//   - Version increases by one on every persisted write
type Check struct {
	ID              string                      `json:"id"`
	Type            CheckType                   `json:"check_type"`
	Status          Status                      `json:"status"`
	CandidateRef    string                      `json:"candidate_ref"`
	OrganizationRef string                      `json:"organization_ref"`
	Components      map[ComponentKind]Component `json:"components"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
	ExpiresAt       time.Time                   `json:"expires_at"`
	Version         int64                       `json:"version"`
}

// Component is one sub-verification. Status mirrors a subset of check statuses.
type Component struct {
	Kind         ComponentKind `json:"kind"`
	Status       Status        `json:"status"`
	Priority     int           `json:"priority"`
	DocumentRefs []string      `json:"document_refs,omitempty"`
	Result       *Result       `json:"result,omitempty"`
	Attempt      int           `json:"attempt"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Finalized reports whether a result has been attached. Finalized components
// never accept new documents or results.
func (c Component) Finalized() bool {
	return c.Result != nil
}

// Result is the outcome of verifying one component. Immutable once attached.
type Result struct {
	Verified   bool      `json:"verified"`
	Confidence float64   `json:"confidence_score"`
	Method     string    `json:"verification_method"`
	Issues     []string  `json:"issues"`
	ProducedAt time.Time `json:"produced_at"`
}

func (r Result) Validate() error {
	// NaN fails every comparison, so range checks alone let it through.
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidConfidence, r.Confidence)
	}
	return nil
}

// NewCheckParams carries everything needed to open a check.
type NewCheckParams struct {
	ID              string
	Type            CheckType
	CandidateRef    string
	OrganizationRef string
	// Requested, when non-empty, must match the tier's component set exactly.
	Requested []ComponentKind
	Now       time.Time
}

// NewCheck opens a check in INITIATED with every required component pending.
func NewCheck(p NewCheckParams, tiers TierTable) (*Check, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidCheck)
	}
	if strings.TrimSpace(p.CandidateRef) == "" {
		return nil, fmt.Errorf("%w: candidate ref is required", ErrInvalidCheck)
	}
	if strings.TrimSpace(p.OrganizationRef) == "" {
		return nil, fmt.Errorf("%w: organization ref is required", ErrInvalidCheck)
	}
	tier, err := tiers.Lookup(p.Type)
	if err != nil {
		return nil, err
	}
	if len(p.Requested) > 0 && !sameKinds(p.Requested, tier.Components) {
		return nil, fmt.Errorf("%w: %s requires %v, request listed %v",
			ErrComponentNotRequired, p.Type, tier.Components, p.Requested)
	}

	components := make(map[ComponentKind]Component, len(tier.Components))
	for _, kind := range tier.Components {
		components[kind] = Component{
			Kind:     kind,
			Status:   StatusDocumentsPending,
			Priority: kind.Priority(),
		}
	}
	return &Check{
		ID:              p.ID,
		Type:            p.Type,
		Status:          StatusInitiated,
		CandidateRef:    p.CandidateRef,
		OrganizationRef: p.OrganizationRef,
		Components:      components,
		CreatedAt:       p.Now,
		UpdatedAt:       p.Now,
		ExpiresAt:       p.Now.Add(tier.Validity),
		Version:         1,
	}, nil
}

func sameKinds(a, b []ComponentKind) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Clone returns a deep copy safe to mutate independently.
func (c *Check) Clone() *Check {
	if c == nil {
		return nil
	}
	out := *c
	out.Components = make(map[ComponentKind]Component, len(c.Components))
	for k, comp := range c.Components {
		out.Components[k] = comp.Clone()
	}
	return &out
}

// Clone returns a deep copy of the component.
func (c Component) Clone() Component {
	out := c
	out.DocumentRefs = slices.Clone(c.DocumentRefs)
	if c.Result != nil {
		r := *c.Result
		r.Issues = slices.Clone(c.Result.Issues)
		out.Result = &r
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Kinds returns the component kinds sorted by descending priority.
func (c *Check) Kinds() []ComponentKind {
	kinds := slices.Collect(maps.Keys(c.Components))
	slices.SortFunc(kinds, func(a, b ComponentKind) int {
		if a.Priority() != b.Priority() {
			return b.Priority() - a.Priority()
		}
		return strings.Compare(string(a), string(b))
	})
	return kinds
}

// Expired reports whether a non-terminal check has outlived its validity.
func (c *Check) Expired(now time.Time) bool {
	return !c.Status.IsTerminal() && !now.Before(c.ExpiresAt)
}

func (c *Check) component(kind ComponentKind) (Component, error) {
	comp, ok := c.Components[kind]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s on check %s", ErrComponentNotRequired, kind, c.ID)
	}
	return comp, nil
}

// AttachDocuments records an uploaded batch for kind. The first batch moves
// the check from DOCUMENTS_PENDING to DOCUMENTS_UPLOADED.
func (c *Check) AttachDocuments(kind ComponentKind, refs []string, now time.Time) error {
	comp, err := c.component(kind)
	if err != nil {
		return err
	}
	if comp.Finalized() {
		return fmt.Errorf("%w: %s on check %s", ErrResultFinalized, kind, c.ID)
	}
	switch {
	case c.Status == StatusDocumentsPending:
		if err := c.ApplyTransition(StatusDocumentsUploaded, now); err != nil {
			return err
		}
	case c.Status == StatusInitiated || c.Status.IsTerminal():
		return &InvalidTransitionError{CheckID: c.ID, From: c.Status, To: StatusDocumentsUploaded}
	}
	comp.Status = StatusDocumentsUploaded
	comp.DocumentRefs = slices.Clone(refs)
	c.Components[kind] = comp
	c.UpdatedAt = now
	return nil
}

// StartComponent marks kind as under verification. The first component to
// start moves the check to VERIFICATION_IN_PROGRESS. It reports whether
// anything changed.
func (c *Check) StartComponent(kind ComponentKind, now time.Time) (bool, error) {
	comp, err := c.component(kind)
	if err != nil {
		return false, err
	}
	if comp.Finalized() {
		return false, fmt.Errorf("%w: %s on check %s", ErrResultFinalized, kind, c.ID)
	}
	changed := false
	if c.Status == StatusDocumentsUploaded {
		if err := c.ApplyTransition(StatusVerificationInProgress, now); err != nil {
			return false, err
		}
		changed = true
	}
	if comp.Status != StatusVerificationInProgress {
		comp.Status = StatusVerificationInProgress
		if comp.StartedAt.IsZero() {
			comp.StartedAt = now
		}
		c.Components[kind] = comp
		c.UpdatedAt = now
		changed = true
	}
	return changed, nil
}

// AttachResult finalizes kind with r. attempt is the zero-based job attempt
// that produced the result.
func (c *Check) AttachResult(kind ComponentKind, r Result, attempt int, now time.Time) error {
	comp, err := c.component(kind)
	if err != nil {
		return err
	}
	if comp.Finalized() {
		return fmt.Errorf("%w: %s on check %s", ErrResultFinalized, kind, c.ID)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	r.Issues = slices.Clone(r.Issues)
	comp.Result = &r
	comp.Attempt = attempt
	if r.Verified {
		comp.Status = StatusCompleted
	} else {
		comp.Status = StatusRejected
	}
	completed := now
	comp.CompletedAt = &completed
	c.Components[kind] = comp
	c.UpdatedAt = now
	return nil
}
