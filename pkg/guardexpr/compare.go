package guardexpr

// CompareValues exposes the expression grammar's comparison operators
// (=== !== > < >= <= contains in) for callers outside a compiled Expr —
// namely MatchingRule evaluation (spec §3: "instanceValue operator
// eventValue"), which reuses the same fixed operator vocabulary without
// going through the lexer/parser.
func CompareValues(left any, op string, right any) bool {
	return compare(left, op, right)
}
