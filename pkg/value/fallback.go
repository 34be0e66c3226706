package value

import "fmt"

// toFallbackString handles the scalar kinds Stringify's switch doesn't
// special-case (maps, slices, other numeric widths) by deferring to fmt,
// matching the index's "stringified propValue" requirement without needing
// a bespoke encoder for every possible payload shape.
func toFallbackString(v any) string {
	return fmt.Sprintf("%v", v)
}
