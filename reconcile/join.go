package reconcile

import (
	"sort"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/normalize"
)

// =============================================================================
// JOIN KEYS
// =============================================================================

// joinKey is the normalized (project, task/site) pair both sources agree on.
type joinKey struct {
	project string
	task    string
}

// keyed holds the normalized keys of every row of one side.
type keyed struct {
	project []string
	task    []string
}

func keysOf(t ledger.Table, projectCol, taskCol string) keyed {
	k := keyed{
		project: make([]string, t.Len()),
		task:    make([]string, t.Len()),
	}
	for i := 0; i < t.Len(); i++ {
		k.project[i] = normalize.Key(t.Value(i, projectCol).Text())
		k.task[i] = normalize.Key(t.Value(i, taskCol).Text())
	}
	return k
}

func (k keyed) key(i int) (joinKey, bool) {
	jk := joinKey{project: k.project[i], task: k.task[i]}
	// A blank project or task cannot identify anything.
	return jk, jk.project != "" && jk.task != ""
}

// distinctProjects returns the distinct non-empty project keys in first-seen
// order.
func (k keyed) distinctProjects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range k.project {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// pair is one matched (SSCM row, PMS row).
type pair struct {
	sscm int
	pms  int
}

// match is the inner join of pms and sscm on joinKey. Pairs come out in SSCM
// row order, then PMS row order within one SSCM row.
func match(pms, sscm keyed) []pair {
	idx := make(map[joinKey][]int, len(pms.project))
	for i := range pms.project {
		if k, ok := pms.key(i); ok {
			idx[k] = append(idx[k], i)
		}
	}

	var pairs []pair
	for j := range sscm.project {
		k, ok := sscm.key(j)
		if !ok {
			continue
		}
		for _, i := range idx[k] {
			pairs = append(pairs, pair{sscm: j, pms: i})
		}
	}
	return pairs
}

const sampleKeys = 5

// emptyJoin builds the diagnostic error for a join with no matches.
func emptyJoin(pms, sscm keyed) *ledger.EmptyJoinError {
	pk := pms.distinctProjects()
	sk := sscm.distinctProjects()

	inSSCM := make(map[string]bool, len(sk))
	for _, k := range sk {
		inSSCM[k] = true
	}
	var common []string
	for _, k := range pk {
		if inSSCM[k] {
			common = append(common, k)
		}
	}
	sort.Strings(common)

	return &ledger.EmptyJoinError{
		PMSKeys:  head(pk, sampleKeys),
		SSCMKeys: head(sk, sampleKeys),
		Common:   common,
	}
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
