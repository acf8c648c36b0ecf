package ledger

// ColCompletionYear is added to PMS tables by the loader: the year of the
// parsed completion date, Null for open tasks.
const ColCompletionYear = "completion_year"

// Sources is one consistent load of everything the engine reads.
type Sources struct {
	PMS     Table   // open PMS tasks only
	History Table   // every PMS row, with ColCompletionYear
	SSCM    Table   // requisition lines
	Results Results // reconciled ledger

	// DuplicateUnits counts results rows dropped at load for repeating an
	// earlier unit code. The next save leaves them out of the files.
	DuplicateUnits int
}
