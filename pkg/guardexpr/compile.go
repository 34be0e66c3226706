package guardexpr

import "fmt"

// Expr is a compiled guard expression, safe for concurrent evaluation by
// multiple goroutines since evaluation never mutates the AST.
type Expr struct {
	root Node
	src  string
}

// Compile parses src once into an AST. Callers (the transition/guard
// loader) are expected to compile each distinct expression exactly once
// and reuse the Expr across every evaluation, per spec §9.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("guardexpr: %q: %w", src, err)
	}
	root, err := parse(toks)
	if err != nil {
		return nil, fmt.Errorf("guardexpr: %q: %w", src, err)
	}
	return &Expr{root: root, src: src}, nil
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Eval interprets the compiled expression against event and context,
// returning a boolean per the truthy coercion rules in eval.go.
func (e *Expr) Eval(event any, context any) (bool, error) {
	v, err := e.root.eval(&Env{Event: event, Context: context})
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}
