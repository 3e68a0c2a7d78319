package oplog

import (
	"sort"

	"github.com/RunLaszloRun/orbit-db/internal/entry"
)

// SortEntries orders entries by the oplog's deterministic total order:
// clock.Time ascending, then clock.ID lexicographic ascending, then CID
// lexicographic ascending (spec §3, §4.4). Two replicas holding the same
// entry set always produce the same sequence.
func SortEntries(entries []*entry.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch entry.Compare(a.Clock, b.Clock) {
		case entry.RelationBefore:
			return true
		case entry.RelationAfter:
			return false
		default:
			// RelationIdentical (same Time and ID) still needs a CID
			// tiebreak: two different entries from the same writer at the
			// same logical step only arise from a buggy or hostile peer,
			// but the order must stay deterministic regardless.
			return a.CID < b.CID
		}
	})
}
