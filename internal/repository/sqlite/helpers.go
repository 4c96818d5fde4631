package sqlite

import "encoding/json"

// validJSON reports whether value can be stored in a JSON column
func validJSON(value []byte) bool {
	return len(value) > 0 && json.Valid(value)
}
