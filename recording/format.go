package recording

import (
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout = "02 Jan 06"
	timeLayout = "15:04:05"
	separator  = "\t"
)

// FormatRow renders one output line (without the trailing newline):
//
//	index  date  time  1  monitor  0  0  Ct  0  0  <wells...>
//
// Wells are emitted column-major, walking every row of column 0 before
// column 1. Distances are truncated to integers.
func FormatRow(index int, ts time.Time, monitor int, cells [][]float64) string {
	fields := []string{
		strconv.Itoa(index),
		ts.Format(dateLayout),
		ts.Format(timeLayout),
		"1",
		strconv.Itoa(monitor),
		"0",
		"0",
		"Ct",
		"0",
		"0",
	}

	cols := 0
	if len(cells) > 0 {
		cols = len(cells[0])
	}
	for c := 0; c < cols; c++ {
		for r := range cells {
			fields = append(fields, strconv.Itoa(int(cells[r][c])))
		}
	}
	return strings.Join(fields, separator)
}
