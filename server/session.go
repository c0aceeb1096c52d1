package server

import "context"

// Transaction status bytes reported in ReadyForQuery.
const (
	txIdle   byte = 'I'
	txInTx   byte = 'T'
	txFailed byte = 'E'
)

// preparedStatement is the session-side record created by Parse. The
// empty SQL string is a legal no-op statement with zero parameters and no
// result set.
type preparedStatement struct {
	name      string
	sql       string // original text from Parse
	rewritten string // after the catalog rewriter, what the backend runs
	paramOIDs []int32
	numParams int // placeholders found in the text
	desc      *StatementDescription
	verb      string
	rows      bool
	tx        txAction
}

// isEmpty reports whether this is the no-op statement.
func (s *preparedStatement) isEmpty() bool {
	return s.sql == ""
}

// resolvedParamOIDs returns one OID per declared parameter. Parameters the
// client left unspecified (missing or OID zero) default to text, which the
// backend can parse from any literal.
func (s *preparedStatement) resolvedParamOIDs() []int32 {
	n := s.numParams
	if len(s.paramOIDs) > n {
		n = len(s.paramOIDs)
	}
	oids := make([]int32, n)
	for i := range oids {
		if i < len(s.paramOIDs) && s.paramOIDs[i] != 0 {
			oids[i] = s.paramOIDs[i]
		} else {
			oids[i] = OidText
		}
	}
	return oids
}

// portal is a bound instance of a prepared statement with concrete
// parameter values and a cursor position. The statement reference is
// non-owning; overwriting the statement destroys portals bound to it.
type portal struct {
	name          string
	stmt          *preparedStatement
	args          []any
	resultFormats []int16
	fields        []fieldDesc // result shape, computed eagerly at Bind

	cursor    Rows               // open backend cursor, nil until first Execute
	cancel    context.CancelFunc // cancels the cursor's context, set with cursor
	pending   []any              // one row read ahead to detect exhaustion at a limit
	hasPended bool
	rowCount  int64 // cumulative rows sent across Executes
	exhausted bool
}

// close releases the portal's backend cursor if one is open.
func (p *portal) close() {
	if p.cursor != nil {
		_ = p.cursor.Close()
		p.cursor = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.pending = nil
	p.hasPended = false
}

// next returns the next row from the portal's cursor, consuming the
// read-ahead buffer first. ok is false when the cursor is exhausted.
func (p *portal) next(width int) (row []any, ok bool, err error) {
	if p.hasPended {
		row = p.pending
		p.pending = nil
		p.hasPended = false
		return row, true, nil
	}
	return p.fetch(width)
}

// peek reports whether at least one more row remains, buffering it so the
// next call to next returns it. This lets Execute distinguish "limit hit
// with rows remaining" (PortalSuspended) from exact exhaustion at the
// boundary (CommandComplete) without dropping or duplicating a row.
func (p *portal) peek(width int) (bool, error) {
	if p.hasPended {
		return true, nil
	}
	row, ok, err := p.fetch(width)
	if err != nil || !ok {
		return false, err
	}
	p.pending = row
	p.hasPended = true
	return true, nil
}

func (p *portal) fetch(width int) ([]any, bool, error) {
	if p.cursor == nil {
		return nil, false, nil
	}
	if !p.cursor.Next() {
		return nil, false, p.cursor.Err()
	}
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := p.cursor.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// session is the per-connection mutable protocol state. It is owned by
// exactly one connection goroutine and never shared.
type session struct {
	authenticated bool
	txStatus      byte
	stmts         map[string]*preparedStatement
	portals       map[string]*portal
}

func newSession() *session {
	return &session{
		txStatus: txIdle,
		stmts:    make(map[string]*preparedStatement),
		portals:  make(map[string]*portal),
	}
}

// storeStatement registers stmt under its name, overwriting any previous
// statement with the same name. Portals bound to the overwritten statement
// are destroyed so a later Execute fails with a clean not-found error
// instead of running against a dropped statement.
func (s *session) storeStatement(stmt *preparedStatement) {
	if old, ok := s.stmts[stmt.name]; ok {
		for name, p := range s.portals {
			if p.stmt == old {
				p.close()
				delete(s.portals, name)
			}
		}
	}
	s.stmts[stmt.name] = stmt
}

// storePortal registers p under its name, overwriting (and closing) any
// previous portal with the same name.
func (s *session) storePortal(p *portal) {
	if old, ok := s.portals[p.name]; ok {
		old.close()
	}
	s.portals[p.name] = p
}

func (s *session) closeStatement(name string) {
	delete(s.stmts, name)
}

func (s *session) closePortal(name string) {
	if p, ok := s.portals[name]; ok {
		p.close()
		delete(s.portals, name)
	}
}

// endTransaction resets the transaction status and destroys
// transaction-scoped portals. Prepared statements persist for the session.
func (s *session) endTransaction() {
	s.txStatus = txIdle
	for name, p := range s.portals {
		p.close()
		delete(s.portals, name)
	}
}

// fail marks the transaction as aborted when one is open. An error outside
// an explicit transaction leaves the session idle, matching Postgres.
func (s *session) fail() {
	if s.txStatus == txInTx {
		s.txStatus = txFailed
	}
}

// applyTxAction advances the transaction status for a completed statement.
func (s *session) applyTxAction(tx txAction) {
	switch tx {
	case txBegin:
		if s.txStatus == txIdle {
			s.txStatus = txInTx
		}
	case txEnd:
		s.endTransaction()
	}
}

// reset releases all session resources on connection teardown.
func (s *session) reset() {
	for name, p := range s.portals {
		p.close()
		delete(s.portals, name)
	}
	for name := range s.stmts {
		delete(s.stmts, name)
	}
	s.txStatus = txIdle
}
