package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// errCancelConn signals a cancel-request connection: the client opens a
// second connection carrying only the cancel payload and expects it to be
// closed without a response.
var errCancelConn = errors.New("cancel request connection")

// clientConn handles one accepted socket. All protocol state lives here
// and in the owned session; nothing is shared with other connections.
type clientConn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	username string
	database string
	pid      int32
	secret   int32

	// exec serves this connection's queries. Executors that provide
	// per-client sessions get one acquired after authentication; otherwise
	// this is the server's shared executor.
	exec Executor

	sess *session

	// discardUntilSync is set after a recoverable error in the extended
	// pipeline; messages are consumed and dropped until the next Sync.
	discardUntilSync bool
}

func (c *clientConn) serve() error {
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.sess = newSession()
	defer c.sess.reset()

	if err := c.handleStartup(); err != nil {
		if errors.Is(err, errCancelConn) {
			return nil
		}
		return fmt.Errorf("startup failed: %w", err)
	}

	c.exec = c.server.executor
	if sp, ok := c.exec.(SessionProvider); ok {
		sessExec, err := sp.AcquireSession(context.Background())
		if err != nil {
			c.sendFatal(codeCannotConnectNow, "backend unavailable")
			return fmt.Errorf("backend session: %w", err)
		}
		c.exec = sessExec
		defer func() { _ = sessExec.Close() }()
	}

	c.sendInitialParams()
	if err := writeReadyForQuery(c.writer, txIdle); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	return c.messageLoop()
}

// handleStartup walks the connection through SSL negotiation, protocol
// version validation and cleartext password authentication. Any failure
// here is connection-fatal.
func (c *clientConn) handleStartup() error {
	tlsUpgraded := false

	for {
		startup, err := readStartupMessage(c.reader)
		if err != nil {
			return err
		}

		if startup.SSLRequest {
			if c.server.tlsConfig == nil {
				// No TLS configured: decline and let the client decide
				// whether to continue in plaintext.
				if _, err := c.conn.Write([]byte("N")); err != nil {
					return err
				}
				continue
			}
			if _, err := c.conn.Write([]byte("S")); err != nil {
				return err
			}
			tlsConn := tls.Server(c.conn, c.server.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("TLS handshake failed: %w", err)
			}
			c.conn = tlsConn
			c.reader = bufio.NewReader(tlsConn)
			c.writer = bufio.NewWriter(tlsConn)
			tlsUpgraded = true
			slog.Debug("TLS connection established.", "remote_addr", c.conn.RemoteAddr())
			continue
		}

		if startup.CancelRequest {
			c.server.handleCancelRequest(startup.CancelPid, startup.CancelKey)
			return errCancelConn
		}

		if c.server.tlsConfig != nil && c.server.cfg.RequireTLS && !tlsUpgraded {
			c.sendFatal(codeInvalidAuthorization, "SSL/TLS connection required")
			return fmt.Errorf("client did not request SSL")
		}

		// Only wire protocol 3.0 is accepted; the check precedes any
		// authentication exchange.
		if startup.Version != protocolVersion30 {
			c.sendFatal(codeProtocolViolation, fmt.Sprintf(
				"unsupported frontend protocol %d.%d: server supports 3.0",
				startup.Version>>16, startup.Version&0xffff))
			return fmt.Errorf("unsupported protocol version %d", startup.Version)
		}

		c.username = startup.Params["user"]
		c.database = startup.Params["database"]

		if c.username == "" {
			c.sendFatal(codeInvalidAuthorization, "no user specified")
			return fmt.Errorf("no user specified")
		}

		break
	}

	if err := writeAuthCleartextPassword(c.writer); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return err
	}
	if msgType != msgPassword {
		c.sendFatal(codeInvalidAuthorization, "expected password message")
		return fmt.Errorf("expected password message, got %c", msgType)
	}

	password := string(bytes.TrimRight(body, "\x00"))
	if err := c.server.auth.Authenticate(c.username, password); err != nil {
		authFailuresCounter.Inc()
		c.server.rateLimiter.RecordFailedAuth(c.conn.RemoteAddr())
		c.sendFatal(codeInvalidPassword, "password authentication failed")
		return fmt.Errorf("authentication failed for user %q", c.username)
	}

	c.server.rateLimiter.RecordSuccessfulAuth(c.conn.RemoteAddr())

	if err := writeAuthOK(c.writer); err != nil {
		return err
	}
	c.sess.authenticated = true

	slog.Info("User authenticated.", "user", c.username, "database", c.database, "remote_addr", c.conn.RemoteAddr())
	return nil
}

// sendInitialParams emits the fixed ParameterStatus table followed by
// BackendKeyData. The table is ordered and identical for every connection
// of a server process.
func (c *clientConn) sendInitialParams() {
	for _, p := range c.server.parameterStatus {
		_ = writeParameterStatus(c.writer, p.key, p.value)
	}
	_ = writeBackendKeyData(c.writer, c.pid, c.secret)
}

func (c *clientConn) messageLoop() error {
	for {
		if t := c.server.cfg.IdleTimeout; t > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(t))
		}

		msgType, body, err := readMessage(c.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		// After a recoverable error the pipeline is consumed and dropped
		// until the client resynchronizes.
		if c.discardUntilSync && msgType != msgSync && msgType != msgTerminate {
			continue
		}

		switch msgType {
		case msgQuery:
			if err := c.handleQuery(body); err != nil {
				return err
			}

		case msgParse:
			if err := c.pipeline(c.handleParse(body)); err != nil {
				return err
			}

		case msgBind:
			if err := c.pipeline(c.handleBind(body)); err != nil {
				return err
			}

		case msgDescribe:
			if err := c.pipeline(c.handleDescribe(body)); err != nil {
				return err
			}

		case msgExecute:
			if err := c.pipeline(c.handleExecute(body)); err != nil {
				return err
			}

		case msgClose:
			if err := c.pipeline(c.handleClose(body)); err != nil {
				return err
			}

		case msgSync:
			c.discardUntilSync = false
			if err := writeReadyForQuery(c.writer, c.sess.txStatus); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}

		case msgFlush:
			if err := c.writer.Flush(); err != nil {
				return err
			}

		case msgTerminate:
			return nil

		default:
			slog.Warn("Unknown message type.", "type", string(msgType), "user", c.username)
		}
	}
}

// pipeline converts a handler failure into an ErrorResponse and moves the
// extended pipeline into discard-until-Sync. A returned error is a write
// failure and tears the connection down.
func (c *clientConn) pipeline(err error) error {
	if err == nil {
		return nil
	}

	queryErrorsCounter.Inc()
	we := asWireError(err)
	c.sess.fail()

	if werr := writeErrorResponse(c.writer, we.severity, we.code, we.message); werr != nil {
		return werr
	}
	if werr := c.writer.Flush(); werr != nil {
		return werr
	}
	c.discardUntilSync = true
	return nil
}

// sendFatal writes a FATAL ErrorResponse and flushes. Used only on
// connection-fatal paths where the socket closes right after.
func (c *clientConn) sendFatal(code, message string) {
	_ = writeErrorResponse(c.writer, "FATAL", code, message)
	_ = c.writer.Flush()
}

// sendError writes a recoverable ErrorResponse and flushes.
func (c *clientConn) sendError(err error) {
	we := asWireError(err)
	_ = writeErrorResponse(c.writer, we.severity, we.code, we.message)
	_ = c.writer.Flush()
}

// --- Simple query path ---

func (c *clientConn) handleQuery(body []byte) error {
	query := strings.TrimSpace(string(bytes.TrimRight(body, "\x00")))

	if query == "" {
		_ = writeEmptyQueryResponse(c.writer)
		_ = writeReadyForQuery(c.writer, c.sess.txStatus)
		return c.writer.Flush()
	}

	slog.Debug("Simple query.", "user", c.username, "query", query)
	start := time.Now()

	for _, stmt := range splitStatements(query) {
		if err := c.runSimpleStatement(stmt); err != nil {
			queryErrorsCounter.Inc()
			c.sess.fail()
			c.sendError(err)
			break
		}
	}

	queryDurationHistogram.Observe(time.Since(start).Seconds())

	if err := writeReadyForQuery(c.writer, c.sess.txStatus); err != nil {
		return err
	}
	return c.writer.Flush()
}

// queryContext returns a cancellable context registered under this
// connection's backend key, so a cancel request on a second connection
// can interrupt the work.
func (c *clientConn) queryContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	key := BackendKey{Pid: c.pid, SecretKey: c.secret}
	c.server.registerQuery(key, cancel)
	return ctx, func() {
		c.server.unregisterQuery(key)
		cancel()
	}
}

// runSimpleStatement executes one statement of a simple-query batch and
// streams its complete response. Errors abort the rest of the batch.
func (c *clientConn) runSimpleStatement(stmt string) error {
	ctx, done := c.queryContext()
	defer done()

	sql, err := c.server.rewriter.Rewrite(stmt)
	if err != nil {
		return err
	}

	verb, returnsRows, tx := classifyStatement(sql)

	// Redundant transaction control succeeds with a warning, as Postgres
	// does, so scripted BEGIN/COMMIT pairs never fail on state drift.
	switch tx {
	case txBegin:
		if c.sess.txStatus != txIdle {
			_ = writeNoticeResponse(c.writer, "WARNING", codeActiveTransaction, "there is already a transaction in progress")
		}
	case txEnd:
		if c.sess.txStatus == txIdle {
			_ = writeNoticeResponse(c.writer, "WARNING", codeNoActiveTransaction, "there is no transaction in progress")
		}
	}

	if !returnsRows {
		n, err := c.exec.Exec(ctx, sql, nil)
		if err != nil {
			return err
		}
		c.sess.applyTxAction(tx)
		return writeCommandComplete(c.writer, buildCommandTag(verb, n))
	}

	rows, err := c.exec.Query(ctx, sql, nil)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols := rows.Columns()
	fields := fieldsForColumns(cols, nil)
	if err := writeRowDescription(c.writer, fields); err != nil {
		return err
	}

	var count int64
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if err := writeDataRow(c.writer, encodeRow(values, fields)); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		// Rows already streamed are not retracted; the protocol has no
		// rollback of sent bytes. The error follows the partial result.
		return err
	}

	return writeCommandComplete(c.writer, buildCommandTag(verb, count))
}

// --- Extended query path ---

func (c *clientConn) handleParse(body []byte) error {
	reader := bytes.NewReader(body)

	name, err := readCString(reader)
	if err != nil {
		return protoErrorf(codeProtocolViolation, "invalid Parse message")
	}

	query, err := readCString(reader)
	if err != nil {
		// The query string is absent or unterminated: the one statement
		// text that is never legal.
		return errNullQuery()
	}

	var numParamTypes int16
	if err := binary.Read(reader, binary.BigEndian, &numParamTypes); err != nil || numParamTypes < 0 {
		return protoErrorf(codeProtocolViolation, "invalid Parse message")
	}
	paramOIDs := make([]int32, numParamTypes)
	for i := range paramOIDs {
		if err := binary.Read(reader, binary.BigEndian, &paramOIDs[i]); err != nil {
			return protoErrorf(codeProtocolViolation, "invalid Parse message")
		}
	}

	// Every declared OID must resolve before the statement registers;
	// this failure never defers to Bind.
	for _, oid := range paramOIDs {
		if oid == 0 {
			continue
		}
		if _, err := TypeForOid(oid); err != nil {
			return errNoOidMapping(oid)
		}
	}

	stmt := &preparedStatement{
		name:      name,
		sql:       query,
		paramOIDs: paramOIDs,
	}

	if !stmt.isEmpty() {
		rewritten, err := c.server.rewriter.Rewrite(query)
		if err != nil {
			return err
		}
		stmt.rewritten = rewritten
		stmt.numParams = countParameters(query)
		stmt.verb, stmt.rows, stmt.tx = classifyStatement(rewritten)

		if stmt.rows {
			desc, err := c.exec.Describe(context.Background(), rewritten, stmt.resolvedParamOIDs())
			if err != nil {
				return err
			}
			stmt.desc = desc
		} else {
			stmt.desc = &StatementDescription{}
		}
	} else {
		stmt.desc = &StatementDescription{}
	}

	c.sess.storeStatement(stmt)
	slog.Debug("Parsed statement.", "user", c.username, "name", name, "query", query)
	return writeParseComplete(c.writer)
}

func (c *clientConn) handleBind(body []byte) error {
	reader := bytes.NewReader(body)

	portalName, err := readCString(reader)
	if err != nil {
		return protoErrorf(codeProtocolViolation, "invalid Bind message")
	}
	stmtName, err := readCString(reader)
	if err != nil {
		return protoErrorf(codeProtocolViolation, "invalid Bind message")
	}

	stmt, ok := c.sess.stmts[stmtName]
	if !ok {
		// The portal is never created, even when the Parse that should
		// have registered the statement failed or was skipped.
		return errStatementNotFound(stmtName)
	}

	var numParamFormats int16
	if err := binary.Read(reader, binary.BigEndian, &numParamFormats); err != nil || numParamFormats < 0 {
		return protoErrorf(codeProtocolViolation, "invalid Bind message")
	}
	paramFormats := make([]int16, numParamFormats)
	for i := range paramFormats {
		if err := binary.Read(reader, binary.BigEndian, &paramFormats[i]); err != nil {
			return protoErrorf(codeProtocolViolation, "invalid Bind message")
		}
	}

	var numValues int16
	if err := binary.Read(reader, binary.BigEndian, &numValues); err != nil || numValues < 0 {
		return protoErrorf(codeProtocolViolation, "invalid Bind message")
	}
	values := make([][]byte, numValues)
	for i := range values {
		var length int32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return protoErrorf(codeProtocolViolation, "invalid Bind message")
		}
		if length == -1 {
			values[i] = nil // SQL NULL
			continue
		}
		if length < 0 || int(length) > reader.Len() {
			return protoErrorf(codeProtocolViolation, "invalid Bind message")
		}
		values[i] = make([]byte, length)
		if _, err := io.ReadFull(reader, values[i]); err != nil {
			return protoErrorf(codeProtocolViolation, "invalid Bind message")
		}
	}

	var numResultFormats int16
	if err := binary.Read(reader, binary.BigEndian, &numResultFormats); err != nil || numResultFormats < 0 {
		return protoErrorf(codeProtocolViolation, "invalid Bind message")
	}
	resultFormats := make([]int16, numResultFormats)
	for i := range resultFormats {
		if err := binary.Read(reader, binary.BigEndian, &resultFormats[i]); err != nil {
			return protoErrorf(codeProtocolViolation, "invalid Bind message")
		}
	}

	// Resolve parameter values against the statement's declared types.
	oids := stmt.resolvedParamOIDs()
	args := make([]any, len(values))
	for i, v := range values {
		oid := OidText
		if i < len(oids) {
			oid = oids[i]
		}
		arg, err := decodeParameter(v, oid, formatFor(paramFormats, i))
		if err != nil {
			return protoErrorf(codeProtocolViolation, "%s", err.Error())
		}
		args[i] = arg
	}

	// The result shape is computed eagerly so Describe on the portal
	// returns the same field list as Describe on the statement.
	var fields []fieldDesc
	if stmt.desc != nil && len(stmt.desc.Columns) > 0 {
		fields = fieldsForColumns(stmt.desc.Columns, resultFormats)
	}

	c.sess.storePortal(&portal{
		name:          portalName,
		stmt:          stmt,
		args:          args,
		resultFormats: resultFormats,
		fields:        fields,
	})

	return writeBindComplete(c.writer)
}

func (c *clientConn) handleDescribe(body []byte) error {
	if len(body) < 2 {
		return protoErrorf(codeProtocolViolation, "invalid Describe message")
	}
	kind := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))

	switch kind {
	case 'S':
		stmt, ok := c.sess.stmts[name]
		if !ok {
			return errStatementNotFound(name)
		}
		if err := writeParameterDescription(c.writer, stmt.resolvedParamOIDs()); err != nil {
			return err
		}
		if stmt.desc == nil || len(stmt.desc.Columns) == 0 {
			return writeNoData(c.writer)
		}
		// Result formats are not known until Bind; text is reported.
		return writeRowDescription(c.writer, fieldsForColumns(stmt.desc.Columns, nil))

	case 'P':
		p, ok := c.sess.portals[name]
		if !ok {
			return errPortalNotFound(name)
		}
		if len(p.fields) == 0 {
			return writeNoData(c.writer)
		}
		return writeRowDescription(c.writer, p.fields)

	default:
		return protoErrorf(codeProtocolViolation, "invalid Describe type %c", kind)
	}
}

func (c *clientConn) handleExecute(body []byte) error {
	reader := bytes.NewReader(body)

	portalName, err := readCString(reader)
	if err != nil {
		return protoErrorf(codeProtocolViolation, "invalid Execute message")
	}
	var maxRows int32
	if err := binary.Read(reader, binary.BigEndian, &maxRows); err != nil {
		return protoErrorf(codeProtocolViolation, "invalid Execute message")
	}

	p, ok := c.sess.portals[portalName]
	if !ok {
		return errPortalNotFound(portalName)
	}

	if p.stmt.isEmpty() {
		return writeEmptyQueryResponse(c.writer)
	}

	start := time.Now()
	defer func() {
		queryDurationHistogram.Observe(time.Since(start).Seconds())
	}()

	slog.Debug("Execute portal.", "user", c.username, "portal", portalName, "max_rows", maxRows, "query", p.stmt.sql)

	// Statements with no result set run once through Exec.
	if len(p.fields) == 0 {
		if p.exhausted {
			return writeCommandComplete(c.writer, buildCommandTag(p.stmt.verb, p.rowCount))
		}
		ctx, done := c.queryContext()
		defer done()
		n, err := c.exec.Exec(ctx, p.stmt.rewritten, p.args)
		if err != nil {
			return err
		}
		c.sess.applyTxAction(p.stmt.tx)
		p.exhausted = true
		p.rowCount = n
		return writeCommandComplete(c.writer, buildCommandTag(p.stmt.verb, n))
	}

	// Executing a portal that already ran to completion returns the final
	// tag again with no further rows.
	if p.exhausted {
		return writeCommandComplete(c.writer, buildCommandTag(p.stmt.verb, p.rowCount))
	}

	// The cursor's context must outlive this Execute: a suspended portal
	// resumes from the same backend cursor, and database/sql closes the
	// rows when their context is cancelled. The portal owns the cancel.
	if p.cursor == nil {
		ctx, cancel := context.WithCancel(context.Background())
		rows, err := c.exec.Query(ctx, p.stmt.rewritten, p.args)
		if err != nil {
			cancel()
			return err
		}
		p.cursor = rows
		p.cancel = cancel
	}

	// Cancel requests arriving during this Execute tear down the cursor.
	if p.cancel != nil {
		key := BackendKey{Pid: c.pid, SecretKey: c.secret}
		c.server.registerQuery(key, p.cancel)
		defer c.server.unregisterQuery(key)
	}

	width := len(p.fields)
	var sent int32
	for {
		row, ok, err := p.next(width)
		if err != nil {
			p.close()
			return err
		}
		if !ok {
			p.exhausted = true
			p.close()
			return writeCommandComplete(c.writer, buildCommandTag(p.stmt.verb, p.rowCount))
		}

		if err := writeDataRow(c.writer, encodeRow(row, p.fields)); err != nil {
			return err
		}
		p.rowCount++
		sent++

		if maxRows > 0 && sent >= maxRows {
			// The cursor may be exactly exhausted at the limit; peek one
			// row ahead so resumption neither re-runs the statement nor
			// drops a row at the boundary.
			more, err := p.peek(width)
			if err != nil {
				p.close()
				return err
			}
			if !more {
				p.exhausted = true
				p.close()
				return writeCommandComplete(c.writer, buildCommandTag(p.stmt.verb, p.rowCount))
			}
			return writePortalSuspended(c.writer)
		}
	}
}

func (c *clientConn) handleClose(body []byte) error {
	if len(body) < 2 {
		return protoErrorf(codeProtocolViolation, "invalid Close message")
	}
	kind := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))

	switch kind {
	case 'S':
		c.sess.closeStatement(name)
	case 'P':
		c.sess.closePortal(name)
	default:
		return protoErrorf(codeProtocolViolation, "invalid Close type %c", kind)
	}

	return writeCloseComplete(c.writer)
}

// --- Encoding helpers ---

// fieldsForColumns builds the RowDescription field list for a column set,
// resolving the negotiated per-column wire formats.
func fieldsForColumns(cols []Column, resultFormats []int16) []fieldDesc {
	fields := make([]fieldDesc, len(cols))
	for i, col := range cols {
		info := InfoForType(col.Type)
		fields[i] = fieldDesc{
			name:     col.Name,
			typeOID:  info.OID,
			typeSize: info.Size,
			typeMod:  -1,
			format:   formatFor(resultFormats, i),
		}
	}
	return fields
}

// formatFor resolves the wire format for position i under the protocol's
// format-code rules: no codes means all text, a single code applies to
// every position, otherwise codes are per-position.
func formatFor(formats []int16, i int) int16 {
	switch {
	case len(formats) == 0:
		return 0
	case len(formats) == 1:
		return formats[0]
	case i < len(formats):
		return formats[i]
	default:
		return 0
	}
}

// encodeRow renders one row of values per the fields' type OIDs and
// negotiated formats.
func encodeRow(values []any, fields []fieldDesc) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		var oid int32 = OidText
		var format int16
		if i < len(fields) {
			oid = fields[i].typeOID
			format = fields[i].format
		}
		out[i] = encodeValue(v, oid, format)
	}
	return out
}
