// internal/realtime/filter.go
package realtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/markb/sbrealtime/internal/protocol"
)

// PostgresChangeFilter selects which row changes reach a callback. Schema
// must match exactly; Table and Filter are only checked when set, and a
// Table of "*" matches any table.
type PostgresChangeFilter struct {
	Schema string
	Table  string
	Filter string // PostgREST style, e.g. "user_id=eq.123"
}

// Matches reports whether a change notification passes the filter.
func (f PostgresChangeFilter) Matches(data protocol.PostgresChangeData) bool {
	if f.Schema != data.Schema {
		return false
	}
	if f.Table != "" && f.Table != "*" && f.Table != data.Table {
		return false
	}
	if f.Filter != "" && !MatchRowFilter(f.Filter, data.Record, data.OldRecord) {
		return false
	}
	return true
}

// MatchRowFilter evaluates a PostgREST-style filter against row data.
// Format: "column=operator.value". The new row is used when present, the old
// row otherwise (deletes carry only the old row).
func MatchRowFilter(filter string, newRow, oldRow map[string]any) bool {
	parts := strings.SplitN(filter, "=", 2)
	if len(parts) != 2 {
		return false
	}

	column := parts[0]
	opValue := parts[1]

	dotIdx := strings.Index(opValue, ".")
	if dotIdx == -1 {
		return false
	}

	operator := opValue[:dotIdx]
	value := opValue[dotIdx+1:]

	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	if len(row) == 0 {
		return false
	}

	rowValue, exists := row[column]
	if !exists {
		return false
	}

	return evaluateOperator(operator, rowValue, value)
}

// evaluateOperator evaluates a single operator comparison
func evaluateOperator(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case "eq":
		return compareEqual(rowValue, filterValue)
	case "neq":
		return !compareEqual(rowValue, filterValue)
	case "gt", "gte", "lt", "lte":
		cmp, ok := compareNumeric(rowValue, filterValue)
		if !ok {
			return false
		}
		switch operator {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "in":
		return compareIn(rowValue, filterValue)
	default:
		return false
	}
}

// compareEqual checks if row value equals filter value
func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		if err != nil {
			return false
		}
		return v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		if err != nil {
			return false
		}
		return v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		if err != nil {
			return false
		}
		return v == iv
	case bool:
		return fmt.Sprintf("%v", v) == filterValue
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric compares row value to filter value numerically and returns
// -1, 0 or 1. ok is false when either side is not a number.
func compareNumeric(rowValue any, filterValue string) (cmp int, ok bool) {
	var rowNum float64

	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		var err error
		rowNum, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0, false
	}

	switch {
	case rowNum < filterNum:
		return -1, true
	case rowNum > filterNum:
		return 1, true
	}
	return 0, true
}

// compareIn checks if row value is in the filter value list
// filterValue format: "(val1,val2,val3)"
func compareIn(rowValue any, filterValue string) bool {
	filterValue = strings.TrimSuffix(strings.TrimPrefix(filterValue, "("), ")")
	for _, v := range strings.Split(filterValue, ",") {
		if compareEqual(rowValue, strings.Trim(strings.TrimSpace(v), `"`)) {
			return true
		}
	}
	return false
}
