package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ObjectKind tells whether a fact's object is an entity reference or a literal value.
type ObjectKind string

const (
	ObjectEntity  ObjectKind = "entity"  // Object is an entity id, resolved through aliases
	ObjectLiteral ObjectKind = "literal" // Object is an opaque value (e.g. "VP Sales", "2019")
)

// IsValid reports whether k is a known object kind.
func (k ObjectKind) IsValid() bool {
	return k == ObjectEntity || k == ObjectLiteral
}

// Well-known provenance channels for facts.
const (
	SourceUserStatement    = "user_statement"
	SourceSearchExtraction = "search_extraction"
	SourceInference        = "inference"
	SourceImport           = "import"
)

// PredicateFoundRelevant is the predicate used for provisional facts recorded
// when a query surfaces an entity through relationship traversal.
const PredicateFoundRelevant = "found_relevant"

// Fact is a bitemporal assertion about an entity.
//
// A fact is immutable except for ValidTo, which may be set exactly once
// (open -> closed), and Confidence, which only the decay and corroboration
// paths may change.
type Fact struct {
	ID         string     `json:"id"`                   // Unique identifier (uuid)
	Subject    string     `json:"subject"`              // Canonical entity id
	Predicate  string     `json:"predicate"`            // Relationship label (e.g. "WORKS_AT")
	Object     string     `json:"object"`               // Entity id or literal value
	ObjectKind ObjectKind `json:"object_kind"`          // How Object is interpreted
	Confidence float64    `json:"confidence"`           // Confidence in [0,1]
	ValidFrom  time.Time  `json:"valid_from"`           // Start of validity (immutable)
	ValidTo    *time.Time `json:"valid_to,omitempty"`   // End of validity; nil while still true
	Source     string     `json:"source"`               // Provenance channel
	EpisodeID  string     `json:"episode_id,omitempty"` // Episode that discovered the fact
}

// IsOpen reports whether the fact has not been closed.
func (f *Fact) IsOpen() bool {
	return f.ValidTo == nil
}

// IsCurrentAt reports whether the fact holds at t:
// ValidFrom <= t AND (ValidTo is nil OR ValidTo > t).
func (f *Fact) IsCurrentAt(t time.Time) bool {
	if t.Before(f.ValidFrom) {
		return false
	}
	return f.ValidTo == nil || f.ValidTo.After(t)
}

// ObjectEntityID returns the object as an entity id, or "" for literal objects.
func (f *Fact) ObjectEntityID() string {
	if f.ObjectKind == ObjectEntity {
		return f.Object
	}
	return ""
}

// Involves reports whether entityID participates in the fact as subject or entity object.
func (f *Fact) Involves(entityID string) bool {
	return f.Subject == entityID || f.ObjectEntityID() == entityID
}

// Other returns the entity on the opposite side of the fact from entityID.
// It returns "" when the other side is a literal.
func (f *Fact) Other(entityID string) string {
	if f.Subject == entityID {
		return f.ObjectEntityID()
	}
	return f.Subject
}

// Triple returns the (subject, predicate, object) of the fact.
func (f *Fact) Triple() Triple {
	return Triple{Subject: f.Subject, Predicate: f.Predicate, Object: f.Object}
}

// String renders the fact as a single line, e.g. "alice WORKS_AT acme".
func (f *Fact) String() string {
	return fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, f.Object)
}

// Triple is the content of a fact without provenance or validity.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// Normalized lower-cases and trims the predicate and object.
func (t Triple) Normalized() Triple {
	return Triple{
		Subject:   t.Subject,
		Predicate: strings.ToLower(strings.TrimSpace(t.Predicate)),
		Object:    strings.ToLower(strings.Join(strings.Fields(t.Object), " ")),
	}
}

// ValidateConfidence checks that c is a finite number in [0,1].
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return errors.New("confidence must be a finite number")
	}
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", c)
	}
	return nil
}

// Validate checks the fields required for a new fact.
func (f *Fact) Validate() error {
	if strings.TrimSpace(f.Subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(f.Predicate) == "" {
		return errors.New("predicate is required")
	}
	if strings.TrimSpace(f.Object) == "" {
		return errors.New("object is required")
	}
	if !f.ObjectKind.IsValid() {
		return fmt.Errorf("invalid object kind %q", f.ObjectKind)
	}
	if err := ValidateConfidence(f.Confidence); err != nil {
		return err
	}
	if f.ValidFrom.IsZero() {
		return errors.New("valid_from is required")
	}
	if f.ValidTo != nil && !f.ValidTo.After(f.ValidFrom) {
		return errors.New("valid_to must be after valid_from")
	}
	return nil
}
