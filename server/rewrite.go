package server

// Rewriter transforms SQL before it reaches the backend executor. The
// catalog emulation layer plugs in here to answer pg_catalog lookups that
// drivers issue during introspection; the protocol core only consumes it.
type Rewriter interface {
	Rewrite(sql string) (string, error)
}

// identityRewriter passes SQL through unchanged. It is the default when no
// catalog layer is configured.
type identityRewriter struct{}

func (identityRewriter) Rewrite(sql string) (string, error) {
	return sql, nil
}

// RewriterFunc adapts a plain function to the Rewriter interface.
type RewriterFunc func(sql string) (string, error)

func (f RewriterFunc) Rewrite(sql string) (string, error) {
	return f(sql)
}
