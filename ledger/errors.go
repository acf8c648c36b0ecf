/*
errors.go - Centralized error types for the reconciliation core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure crosses the core boundary as a returned error; nothing
  panics and nothing is retried internally. The caller (HTTP layer, CLI)
  decides whether to ask the operator to fix data and try again.

ERROR CATEGORIES:
  1. Missing sources  - PMS/SSCM files absent. Fatal to the operation.
  2. Schema           - expected field (or any variant) not found. Fatal.
  3. Empty join       - reconciliation matched nothing. User-correctable,
                        carries sample keys from both sides.
  4. Validation       - bad operator input (marks). Rejected before mutation.
  5. Persistence      - writing a ledger file failed.
  6. Not found        - unit code unknown to results and SSCM; no results
                        for an export filter.

USAGE:
  if errors.Is(err, ledger.ErrEmptyJoin) {
      var je *ledger.EmptyJoinError
      errors.As(err, &je)
      // show je.PMSKeys / je.SSCMKeys to the operator
  }

SEE ALSO:
  - fields.go: produces MissingFieldError
  - store/loader.go: produces MissingSourcesError
  - store/persister.go: produces PersistError
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingSources is returned when PMS and/or SSCM exist in neither format.
	ErrMissingSources = errors.New("missing required source files")

	// ErrMissingField is returned when a required column and all of its
	// variants are absent.
	ErrMissingField = errors.New("missing required field")

	// ErrEmptyJoin is returned when PMS open tasks and SSCM share no key.
	ErrEmptyJoin = errors.New("no matching records between PMS and SSCM")

	// ErrValidation is returned for operator input that fails validation.
	ErrValidation = errors.New("invalid input")

	// ErrPersist is returned when the results ledger cannot be written.
	ErrPersist = errors.New("failed to save results ledger")

	// ErrUnitNotFound is returned when a unit code is neither in the results
	// ledger nor in SSCM.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrNoResults is returned when a project filter matches no results rows.
	ErrNoResults = errors.New("no results for project")

	// ErrDuplicateUnit is returned when appending a unit code that is
	// already in the ledger.
	ErrDuplicateUnit = errors.New("duplicate unit code")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingSource names one absent source and the paths that were probed.
type MissingSource struct {
	Name  string
	Paths []string
}

// MissingSourcesError lists exactly the sources that could not be found.
type MissingSourcesError struct {
	Missing []MissingSource
}

func (e *MissingSourcesError) Error() string {
	var b strings.Builder
	b.WriteString("missing required files:")
	for _, m := range e.Missing {
		fmt.Fprintf(&b, "\n  %s: %s", m.Name, strings.Join(m.Paths, " or "))
	}
	return b.String()
}

func (e *MissingSourcesError) Unwrap() error {
	return ErrMissingSources
}

// MissingFieldError names the canonical fields that could not be resolved
// in a source table.
type MissingFieldError struct {
	Source string
	Fields []Field
}

func (e *MissingFieldError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s (tried %s)", f.Name, strings.Join(f.Candidates, ", "))
	}
	return fmt.Sprintf("%s data missing required field: %s", e.Source, strings.Join(parts, "; "))
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// EmptyJoinError carries diagnostic samples when reconciliation finds no
// matching (project, task) pair.
type EmptyJoinError struct {
	PMSKeys  []string // sample of normalized PMS project keys
	SSCMKeys []string // sample of normalized SSCM project keys
	Common   []string // project keys present on both sides
	Reason   string   // set when the join never ran (e.g. no open tasks)
}

func (e *EmptyJoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no matching records: %s", e.Reason)
	}
	common := "none"
	if len(e.Common) > 0 {
		common = strings.Join(e.Common, ", ")
	}
	return fmt.Sprintf("no matching records: PMS open-task projects %v..., SSCM project codes %v..., common: %s",
		e.PMSKeys, e.SSCMKeys, common)
}

func (e *EmptyJoinError) Unwrap() error {
	return ErrEmptyJoin
}

// ValidationError describes rejected operator input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// PersistError reports which on-disk format failed. Partial is true when
// the other format had already been replaced, so the two files disagree.
type PersistError struct {
	Format  string
	Path    string
	Partial bool
	Err     error
}

func (e *PersistError) Error() string {
	msg := fmt.Sprintf("save %s ledger %s: %v", e.Format, e.Path, e.Err)
	if e.Partial {
		msg += " (other format already written)"
	}
	return msg
}

func (e *PersistError) Unwrap() []error {
	return []error{ErrPersist, e.Err}
}

// UnitNotFoundError names the unit code that could not be located.
type UnitNotFoundError struct {
	UnitCode string
}

func (e *UnitNotFoundError) Error() string {
	return fmt.Sprintf("no record found for unit code %s", e.UnitCode)
}

func (e *UnitNotFoundError) Unwrap() error {
	return ErrUnitNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid operator input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateUnit)
}

// IsNotFound returns true if the error indicates a missing unit or project.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrNoResults)
}

// IsDataError returns true if the source data itself needs fixing.
func IsDataError(err error) bool {
	return errors.Is(err, ErrMissingSources) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrEmptyJoin)
}
