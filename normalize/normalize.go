/*
normalize.go - Canonical comparison keys for free-text identifiers

PURPOSE:
  PMS and SSCM spell the same project and site differently: full-width
  brackets, stray punctuation, "临时_" / "new-" prefixes, case, double
  spaces. Key() maps every spelling of one identifier to the same string so
  the two sources can be joined by plain equality.

PIPELINE (order matters):
  1. Width fold    ＡＢ（１） -> AB(1)
  2. Trim + lower
  3. Strip ONE leading temporary/new prefix (first match in Prefixes)
  4. Drop every rune that is not a letter, digit, space, Han ideograph,
     '/', '(' or ')'
  5. Collapse whitespace runs, trim

INVARIANTS:
  - Pure and deterministic
  - Idempotent: Key(Key(s)) == Key(s)
  - Key("") == ""

  Step 4 removes '_' and '-', so a prefix can never survive into the
  output; that is what makes the function idempotent.

SEE ALSO:
  - reconcile/join.go: builds join keys with Key()
  - ledger/results.go: project search uses Key() on both sides
*/
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Prefixes are stripped (once) from the start of an identifier. Operators
// mark provisional projects with them in one system but not the other.
var Prefixes = []string{
	"临时_", "临时-", "新建_", "新建-",
	"temp_", "temp-", "new_", "new-",
}

// Key returns the canonical comparison key for raw.
func Key(raw string) string {
	if raw == "" {
		return ""
	}

	s := width.Fold.String(raw)
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range Prefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case keep(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether a and b normalize to the same key.
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}

func keep(r rune) bool {
	switch r {
	case '/', '(', ')':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Han, r)
}
