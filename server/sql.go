package server

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// txAction classifies a statement's effect on the transaction status byte.
type txAction int

const (
	txNone txAction = iota
	txBegin
	txEnd // COMMIT or ROLLBACK
)

// splitStatements breaks a semicolon-delimited batch into individual
// statements. The scanner-based splitter understands string literals,
// dollar quoting and comments; if it rejects the input the whole string
// is handed to the backend as a single statement so the backend produces
// the authoritative error.
func splitStatements(query string) []string {
	stmts, err := pg_query.SplitWithScanner(query, true)
	if err != nil {
		return []string{query}
	}
	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// stripLeadingComments removes block and line comments from the front of a
// statement so verb detection sees the first keyword. Tools like Fivetran
// prefix every statement with a block comment.
func stripLeadingComments(query string) string {
	s := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return s
			}
			s = strings.TrimSpace(s[end+2:])
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return ""
			}
			s = strings.TrimSpace(s[nl+1:])
		default:
			return s
		}
	}
}

// classifyStatement reports the command verb used in CommandComplete tags,
// whether the statement yields a result set, and its transaction effect.
// It parses the statement; on parse failure it falls back to first-keyword
// detection so unknown dialects still get a plausible tag.
func classifyStatement(query string) (verb string, returnsRows bool, tx txAction) {
	result, err := pg_query.Parse(query)
	if err != nil || len(result.Stmts) == 0 {
		return classifyByPrefix(query)
	}

	switch node := result.Stmts[0].Stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return "SELECT", true, txNone
	case *pg_query.Node_InsertStmt:
		return "INSERT", len(node.InsertStmt.ReturningList) > 0, txNone
	case *pg_query.Node_UpdateStmt:
		return "UPDATE", len(node.UpdateStmt.ReturningList) > 0, txNone
	case *pg_query.Node_DeleteStmt:
		return "DELETE", len(node.DeleteStmt.ReturningList) > 0, txNone
	case *pg_query.Node_TransactionStmt:
		switch node.TransactionStmt.Kind {
		case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
			return "BEGIN", false, txBegin
		case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
			return "COMMIT", false, txEnd
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
			return "ROLLBACK", false, txEnd
		default:
			return "BEGIN", false, txNone
		}
	case *pg_query.Node_VariableSetStmt:
		return "SET", false, txNone
	case *pg_query.Node_VariableShowStmt:
		return "SHOW", true, txNone
	case *pg_query.Node_ExplainStmt:
		return "EXPLAIN", true, txNone
	case *pg_query.Node_CreateStmt:
		return "CREATE TABLE", false, txNone
	case *pg_query.Node_IndexStmt:
		return "CREATE INDEX", false, txNone
	case *pg_query.Node_ViewStmt:
		return "CREATE VIEW", false, txNone
	case *pg_query.Node_CreateSchemaStmt:
		return "CREATE SCHEMA", false, txNone
	case *pg_query.Node_DropStmt:
		return "DROP TABLE", false, txNone
	case *pg_query.Node_AlterTableStmt:
		return "ALTER TABLE", false, txNone
	case *pg_query.Node_TruncateStmt:
		return "TRUNCATE TABLE", false, txNone
	case *pg_query.Node_CopyStmt:
		return "COPY", false, txNone
	default:
		return classifyByPrefix(query)
	}
}

// classifyByPrefix is the fallback classifier for statements the parser
// cannot handle (backend-specific dialect extensions).
func classifyByPrefix(query string) (string, bool, txAction) {
	upper := strings.ToUpper(stripLeadingComments(query))

	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "VALUES"),
		strings.HasPrefix(upper, "WITH"), strings.HasPrefix(upper, "TABLE"):
		return "SELECT", true, txNone
	case strings.HasPrefix(upper, "SHOW"):
		return "SHOW", true, txNone
	case strings.HasPrefix(upper, "EXPLAIN"):
		return "EXPLAIN", true, txNone
	case strings.HasPrefix(upper, "INSERT"):
		return "INSERT", false, txNone
	case strings.HasPrefix(upper, "UPDATE"):
		return "UPDATE", false, txNone
	case strings.HasPrefix(upper, "DELETE"):
		return "DELETE", false, txNone
	case strings.HasPrefix(upper, "BEGIN"), strings.HasPrefix(upper, "START TRANSACTION"):
		return "BEGIN", false, txBegin
	case strings.HasPrefix(upper, "COMMIT"), strings.HasPrefix(upper, "END"):
		return "COMMIT", false, txEnd
	case strings.HasPrefix(upper, "ROLLBACK"), strings.HasPrefix(upper, "ABORT"):
		return "ROLLBACK", false, txEnd
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return "CREATE TABLE", false, txNone
	case strings.HasPrefix(upper, "CREATE INDEX"):
		return "CREATE INDEX", false, txNone
	case strings.HasPrefix(upper, "CREATE VIEW"):
		return "CREATE VIEW", false, txNone
	case strings.HasPrefix(upper, "CREATE"):
		return "CREATE", false, txNone
	case strings.HasPrefix(upper, "DROP"):
		return "DROP TABLE", false, txNone
	case strings.HasPrefix(upper, "ALTER"):
		return "ALTER TABLE", false, txNone
	case strings.HasPrefix(upper, "TRUNCATE"):
		return "TRUNCATE TABLE", false, txNone
	case strings.HasPrefix(upper, "SET"):
		return "SET", false, txNone
	case strings.HasPrefix(upper, "COPY"):
		return "COPY", false, txNone
	default:
		return "SELECT", true, txNone
	}
}

// describeProbe builds the zero-row variant of a statement used to probe
// its result shape. Only a parsed SELECT without an existing LIMIT clause
// can be truncated safely; everything else runs as written.
func describeProbe(query string) string {
	result, err := pg_query.Parse(query)
	if err != nil || len(result.Stmts) == 0 {
		return query
	}
	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || sel.SelectStmt.LimitCount != nil {
		return query
	}
	return strings.TrimRight(strings.TrimSpace(query), "; \t\n") + " LIMIT 0"
}

// statementReturnsRows reports whether a statement produces a result set.
func statementReturnsRows(query string) bool {
	if strings.TrimSpace(query) == "" {
		return false
	}
	_, returnsRows, _ := classifyStatement(query)
	return returnsRows
}

// buildCommandTag renders the CommandComplete tag for a finished command.
// Postgres includes a row count for the DML verbs and a literal zero OID
// after INSERT.
func buildCommandTag(verb string, rowCount int64) string {
	switch verb {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rowCount)
	case "SELECT", "UPDATE", "DELETE", "COPY":
		return fmt.Sprintf("%s %d", verb, rowCount)
	default:
		return verb
	}
}
