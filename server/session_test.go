package server

import "testing"

func TestStoreStatementDestroysBoundPortals(t *testing.T) {
	sess := newSession()

	first := &preparedStatement{name: "s1", sql: "SELECT 1"}
	sess.storeStatement(first)
	sess.storePortal(&portal{name: "p1", stmt: first})
	sess.storePortal(&portal{name: "p2", stmt: first})

	other := &preparedStatement{name: "s2", sql: "SELECT 2"}
	sess.storeStatement(other)
	sess.storePortal(&portal{name: "p3", stmt: other})

	// Re-Parse under the same name replaces the statement and destroys
	// only the portals bound to the replaced one.
	replacement := &preparedStatement{name: "s1", sql: "SELECT 10"}
	sess.storeStatement(replacement)

	if sess.stmts["s1"] != replacement {
		t.Fatalf("statement not replaced")
	}
	if _, ok := sess.portals["p1"]; ok {
		t.Fatalf("portal p1 should be destroyed by re-Parse")
	}
	if _, ok := sess.portals["p2"]; ok {
		t.Fatalf("portal p2 should be destroyed by re-Parse")
	}
	if _, ok := sess.portals["p3"]; !ok {
		t.Fatalf("portal p3 bound to another statement should survive")
	}
}

func TestStorePortalOverwrites(t *testing.T) {
	sess := newSession()
	stmt := &preparedStatement{name: "s", sql: "SELECT 1"}
	sess.storeStatement(stmt)

	old := &portal{name: "p", stmt: stmt, rowCount: 5}
	sess.storePortal(old)
	replacement := &portal{name: "p", stmt: stmt}
	sess.storePortal(replacement)

	if sess.portals["p"] != replacement {
		t.Fatalf("portal not replaced")
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	sess := newSession()
	if sess.txStatus != txIdle {
		t.Fatalf("new session should be idle, got %c", sess.txStatus)
	}

	sess.applyTxAction(txBegin)
	if sess.txStatus != txInTx {
		t.Fatalf("BEGIN should enter transaction, got %c", sess.txStatus)
	}

	// BEGIN inside a transaction is a no-op for the status byte.
	sess.applyTxAction(txBegin)
	if sess.txStatus != txInTx {
		t.Fatalf("nested BEGIN should stay in transaction, got %c", sess.txStatus)
	}

	sess.fail()
	if sess.txStatus != txFailed {
		t.Fatalf("error in transaction should abort it, got %c", sess.txStatus)
	}

	sess.applyTxAction(txEnd)
	if sess.txStatus != txIdle {
		t.Fatalf("ROLLBACK should return to idle, got %c", sess.txStatus)
	}

	// An error outside a transaction leaves the session idle.
	sess.fail()
	if sess.txStatus != txIdle {
		t.Fatalf("error outside transaction should stay idle, got %c", sess.txStatus)
	}
}

func TestEndTransactionClearsPortalsKeepsStatements(t *testing.T) {
	sess := newSession()
	stmt := &preparedStatement{name: "s", sql: "SELECT 1"}
	sess.storeStatement(stmt)
	sess.storePortal(&portal{name: "p", stmt: stmt})
	sess.applyTxAction(txBegin)

	sess.applyTxAction(txEnd)

	if len(sess.portals) != 0 {
		t.Fatalf("portals should be destroyed at transaction end")
	}
	if _, ok := sess.stmts["s"]; !ok {
		t.Fatalf("prepared statements should survive transaction end")
	}
	if sess.txStatus != txIdle {
		t.Fatalf("status should be idle after transaction end, got %c", sess.txStatus)
	}
}

func TestPortalReadAhead(t *testing.T) {
	rows := &sliceRows{
		cols: []Column{{Name: "n", Type: TypeInteger}},
		rows: [][]any{{int64(1)}, {int64(2)}},
	}
	p := &portal{cursor: rows}

	more, err := p.peek(1)
	if err != nil || !more {
		t.Fatalf("peek: %v, %v", more, err)
	}

	// The peeked row comes back from next, not a fresh fetch.
	row, ok, err := p.next(1)
	if err != nil || !ok {
		t.Fatalf("next after peek: %v, %v", ok, err)
	}
	if row[0] != int64(1) {
		t.Fatalf("peeked row lost: %v", row)
	}

	row, ok, err = p.next(1)
	if err != nil || !ok || row[0] != int64(2) {
		t.Fatalf("second row: %v, %v, %v", row, ok, err)
	}

	if more, err := p.peek(1); err != nil || more {
		t.Fatalf("peek past end should report exhaustion, got %v, %v", more, err)
	}
	if _, ok, _ := p.next(1); ok {
		t.Fatalf("next past end should report exhaustion")
	}
}

func TestSessionReset(t *testing.T) {
	sess := newSession()
	stmt := &preparedStatement{name: "s", sql: "SELECT 1"}
	sess.storeStatement(stmt)
	sess.storePortal(&portal{name: "p", stmt: stmt})
	sess.txStatus = txInTx

	sess.reset()

	if len(sess.stmts) != 0 || len(sess.portals) != 0 {
		t.Fatalf("reset should clear all session state")
	}
	if sess.txStatus != txIdle {
		t.Fatalf("reset should return to idle, got %c", sess.txStatus)
	}
}
