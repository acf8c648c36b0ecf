/*
Package store reads the source ledgers and writes the results ledger.

PURPOSE:
  Every ledger exists on disk as a pair of files sharing one base name:
  a columnar ".parquet" file (fast to load) and a row-oriented ".xlsx"
  workbook (what operators open and what upstream systems export).

  Loader   - reads PMS, SSCM and results, preferring parquet
  Persister - writes the results ledger to both formats

FILE LIFECYCLE:
  PMS / SSCM:  exported as xlsx by the upstream systems. On first load the
               workbook is converted and the parquet twin is written next
               to it; later loads read only the parquet file.
  results:     owned by this program. Created empty on first load, then
               rewritten in both formats after every mutation.

  A stale parquet twin is NOT detected: when a new workbook export replaces
  the old one, delete the parquet file (or let the watcher do it).

SEE ALSO:
  - store/parquet, store/xlsx: the codecs
  - cache/cache.go: calls Loader.Load on refresh and Persister.Save on update
*/
package store

import (
	"os"
	"path/filepath"
)

// Format names as used in errors and logs.
const (
	FormatColumnar = "parquet"
	FormatRow      = "xlsx"
)

// Pair is the two on-disk representations of one ledger.
type Pair struct {
	Columnar string
	Row      string
}

// PairOf derives both paths from a base path without suffix.
func PairOf(base string) Pair {
	return Pair{Columnar: base + ".parquet", Row: base + ".xlsx"}
}

// Both returns the two paths, columnar first.
func (p Pair) Both() []string {
	return []string{p.Columnar, p.Row}
}

// HasColumnar reports whether the parquet file exists.
func (p Pair) HasColumnar() bool { return exists(p.Columnar) }

// HasRow reports whether the workbook exists.
func (p Pair) HasRow() bool { return exists(p.Row) }

// Exists reports whether either representation exists.
func (p Pair) Exists() bool { return p.HasColumnar() || p.HasRow() }

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Paths locates the three ledgers.
type Paths struct {
	PMS     Pair
	SSCM    Pair
	Results Pair
}

// NewPaths resolves the three base names inside dir.
func NewPaths(dir, pms, sscm, results string) Paths {
	return Paths{
		PMS:     PairOf(filepath.Join(dir, pms)),
		SSCM:    PairOf(filepath.Join(dir, sscm)),
		Results: PairOf(filepath.Join(dir, results)),
	}
}

// Files lists every path, for the watcher.
func (p Paths) Files() []string {
	var out []string
	for _, pair := range []Pair{p.PMS, p.SSCM, p.Results} {
		out = append(out, pair.Both()...)
	}
	return out
}
