package dataset

import "sort"

// ActivityRow is one cell of a MarkerActivityTable: a cell label and its
// ground-truth marker activity. The csv tags fix the serialized column names
// used inside persisted records.
type ActivityRow struct {
	Label    int32 `csv:"labels"`
	Activity uint8 `csv:"activity"`
}

// MarkerActivityTable holds one row per cell label within one example,
// sorted by label. An empty table is valid and means "no known cells".
type MarkerActivityTable struct {
	Rows []ActivityRow
}

// Lookup returns the activity for label.
func (t MarkerActivityTable) Lookup(label int32) (uint8, bool) {
	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].Label >= label })
	if i < len(t.Rows) && t.Rows[i].Label == label {
		return t.Rows[i].Activity, true
	}
	return 0, false
}

// Subset returns the rows whose labels appear in keep, preserving order.
func (t MarkerActivityTable) Subset(keep []int32) MarkerActivityTable {
	keepSet := make(map[int32]struct{}, len(keep))
	for _, l := range keep {
		keepSet[l] = struct{}{}
	}
	var rows []ActivityRow
	for _, row := range t.Rows {
		if _, ok := keepSet[row.Label]; ok {
			rows = append(rows, row)
		}
	}
	return MarkerActivityTable{Rows: rows}
}

// Labels returns the labels of all rows in ascending order.
func (t MarkerActivityTable) Labels() []int32 {
	out := make([]int32, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row.Label
	}
	return out
}
