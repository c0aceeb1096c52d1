package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

// sliceRows is an in-memory Rows implementation for tests. A non-nil err
// surfaces from Err after the canned rows are consumed, like a backend
// failing mid-stream.
type sliceRows struct {
	cols []Column
	rows [][]any
	idx  int
	err  error
}

func (r *sliceRows) Columns() []Column { return r.cols }

func (r *sliceRows) Next() bool {
	if r.idx < len(r.rows) {
		r.idx++
		return true
	}
	return false
}

func (r *sliceRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i := range dest {
		ptr, ok := dest[i].(*any)
		if !ok {
			return fmt.Errorf("unexpected scan destination %T", dest[i])
		}
		*ptr = row[i]
	}
	return nil
}

func (r *sliceRows) Err() error   { return r.err }
func (r *sliceRows) Close() error { return nil }

// memResult is one canned query result.
type memResult struct {
	cols     []Column
	rows     [][]any
	affected int64
	echoArgs bool  // result is a single row holding the bound arguments
	rowsErr  error // reported by the cursor after the rows run out
}

// memExecutor serves canned results keyed by exact statement text.
// Statements it does not know fail, like querying a missing table.
type memExecutor struct {
	results map[string]memResult
}

func (e *memExecutor) lookup(sql string) (memResult, error) {
	if r, ok := e.results[sql]; ok {
		return r, nil
	}
	return memResult{}, fmt.Errorf("relation does not exist: %s", sql)
}

func (e *memExecutor) Describe(ctx context.Context, sql string, paramOIDs []int32) (*StatementDescription, error) {
	r, err := e.lookup(sql)
	if err != nil {
		return nil, err
	}
	return &StatementDescription{Columns: r.cols}, nil
}

func (e *memExecutor) Query(ctx context.Context, sql string, args []any) (Rows, error) {
	r, err := e.lookup(sql)
	if err != nil {
		return nil, err
	}
	rows := r.rows
	if r.echoArgs {
		rows = [][]any{append([]any{}, args...)}
	}
	return &sliceRows{cols: r.cols, rows: rows, err: r.rowsErr}, nil
}

func (e *memExecutor) Exec(ctx context.Context, sql string, args []any) (int64, error) {
	r, err := e.lookup(sql)
	if err != nil {
		return 0, err
	}
	return r.affected, nil
}

func (e *memExecutor) Close() error { return nil }

const (
	valuesQuery  = "SELECT * FROM (VALUES ('a', 1), ('b', 2), ('c', 3)) t (letter, num)"
	lettersQuery = "SELECT letter FROM letters"
	echoQuery    = "SELECT ?, ?"
	flakyQuery   = "SELECT letter FROM flaky"
)

func newMemExecutor() *memExecutor {
	textCols := []Column{
		{Name: "letter", Type: TypeVarchar},
		{Name: "num", Type: TypeInteger},
	}
	return &memExecutor{results: map[string]memResult{
		"SELECT 1": {
			cols: []Column{{Name: "?column?", Type: TypeInteger}},
			rows: [][]any{{int64(1)}},
		},
		valuesQuery: {
			cols: textCols,
			rows: [][]any{{"a", int64(1)}, {"b", int64(2)}, {"c", int64(3)}},
		},
		lettersQuery: {
			cols: []Column{{Name: "letter", Type: TypeVarchar}},
			rows: [][]any{{"a"}, {"b"}},
		},
		flakyQuery: {
			cols:    []Column{{Name: "letter", Type: TypeVarchar}},
			rows:    [][]any{{"a"}},
			rowsErr: fmt.Errorf("backend connection lost"),
		},
		echoQuery: {
			cols: []Column{
				{Name: "c1", Type: TypeVarchar},
				{Name: "c2", Type: TypeInteger},
			},
			echoArgs: true,
		},
		"BEGIN":                    {},
		"COMMIT":                   {},
		"ROLLBACK":                 {},
		"INSERT INTO t VALUES (1)": {affected: 1},
	}}
}

// startTestServer runs a server on a loopback listener and returns its
// address. The listener and server shut down with the test.
func startTestServer(t *testing.T, opts ...Option) string {
	t.Helper()

	opts = append([]Option{WithExecutor(newMemExecutor())}, opts...)
	srv, err := New(Config{
		Users:       map[string]string{"postgres": "postgres"},
		IdleTimeout: 5 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return ln.Addr().String()
}

// testClient speaks the raw wire protocol against a test server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

type message struct {
	typ  byte
	body []byte
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendStartup(version int32, params map[string]string) {
	c.t.Helper()
	if _, err := c.conn.Write(buildStartupPayload(version, params)); err != nil {
		c.t.Fatalf("send startup: %v", err)
	}
}

func (c *testClient) send(typ byte, body []byte) {
	c.t.Helper()
	if err := writeMessage(c.conn, typ, body); err != nil {
		c.t.Fatalf("send %c: %v", typ, err)
	}
}

func (c *testClient) recv() message {
	c.t.Helper()
	typ, body, err := readMessage(c.r)
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return message{typ: typ, body: body}
}

func (c *testClient) expect(typ byte) message {
	c.t.Helper()
	msg := c.recv()
	if msg.typ != typ {
		c.t.Fatalf("expected message %c, got %c (body %q)", typ, msg.typ, msg.body)
	}
	return msg
}

// authenticate walks the cleartext password exchange and consumes the
// post-auth burst up to ReadyForQuery. It returns the ParameterStatus
// pairs in the order they arrived.
func (c *testClient) authenticate(user, password string) []statusParam {
	c.t.Helper()

	c.sendStartup(protocolVersion30, map[string]string{"user": user, "database": "app"})

	auth := c.expect(msgAuth)
	if authType := int32(binary.BigEndian.Uint32(auth.body)); authType != authCleartextPwd {
		c.t.Fatalf("expected cleartext password request, got auth type %d", authType)
	}
	c.send(msgPassword, append([]byte(password), 0))

	auth = c.expect(msgAuth)
	if authType := int32(binary.BigEndian.Uint32(auth.body)); authType != authOK {
		c.t.Fatalf("expected AuthenticationOk, got auth type %d", authType)
	}

	var params []statusParam
	for {
		msg := c.recv()
		switch msg.typ {
		case msgParamStatus:
			r := bytes.NewReader(msg.body)
			key, _ := readCString(r)
			value, _ := readCString(r)
			params = append(params, statusParam{key: key, value: value})
		case msgBackendKeyData:
			if len(msg.body) != 8 {
				c.t.Fatalf("BackendKeyData body length %d", len(msg.body))
			}
		case msgReadyForQuery:
			if msg.body[0] != txIdle {
				c.t.Fatalf("initial status should be idle, got %c", msg.body[0])
			}
			return params
		default:
			c.t.Fatalf("unexpected message %c during startup", msg.typ)
		}
	}
}

func (c *testClient) connect() {
	c.t.Helper()
	c.authenticate("postgres", "postgres")
}

// readyStatus reads messages until ReadyForQuery and returns everything
// seen, including the final Z.
func (c *testClient) untilReady() []message {
	c.t.Helper()
	var msgs []message
	for {
		msg := c.recv()
		msgs = append(msgs, msg)
		if msg.typ == msgReadyForQuery {
			return msgs
		}
	}
}

func (c *testClient) query(sql string) []message {
	c.t.Helper()
	c.send(msgQuery, append([]byte(sql), 0))
	return c.untilReady()
}

// Extended-query message builders.

func parseBody(name, query string, paramOIDs []int32) []byte {
	var b bytes.Buffer
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(query)
	b.WriteByte(0)
	_ = binary.Write(&b, binary.BigEndian, int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		_ = binary.Write(&b, binary.BigEndian, oid)
	}
	return b.Bytes()
}

func bindBody(portal, stmt string, args [][]byte) []byte {
	var b bytes.Buffer
	b.WriteString(portal)
	b.WriteByte(0)
	b.WriteString(stmt)
	b.WriteByte(0)
	_ = binary.Write(&b, binary.BigEndian, int16(0)) // all text params
	_ = binary.Write(&b, binary.BigEndian, int16(len(args)))
	for _, a := range args {
		if a == nil {
			_ = binary.Write(&b, binary.BigEndian, int32(-1))
			continue
		}
		_ = binary.Write(&b, binary.BigEndian, int32(len(a)))
		b.Write(a)
	}
	_ = binary.Write(&b, binary.BigEndian, int16(0)) // all text results
	return b.Bytes()
}

func describeBody(kind byte, name string) []byte {
	b := []byte{kind}
	b = append(b, name...)
	return append(b, 0)
}

func executeBody(portal string, maxRows int32) []byte {
	var b bytes.Buffer
	b.WriteString(portal)
	b.WriteByte(0)
	_ = binary.Write(&b, binary.BigEndian, maxRows)
	return b.Bytes()
}

func errorField(t *testing.T, body []byte, tag byte) string {
	t.Helper()
	r := bytes.NewReader(body)
	for {
		ft, err := r.ReadByte()
		if err != nil || ft == 0 {
			t.Fatalf("field %c not found in error response", tag)
		}
		val, err := readCString(r)
		if err != nil {
			t.Fatalf("malformed error response: %v", err)
		}
		if ft == tag {
			return val
		}
	}
}

func commandTag(body []byte) string {
	return string(bytes.TrimRight(body, "\x00"))
}

// --- Startup and authentication ---

func TestStartupHandshake(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)

	params := c.authenticate("postgres", "postgres")

	want := defaultParameterStatus()
	if len(params) != len(want) {
		t.Fatalf("parameter status count mismatch: got %d, want %d", len(params), len(want))
	}
	for i := range want {
		if params[i] != want[i] {
			t.Fatalf("parameter %d mismatch: got %+v, want %+v", i, params[i], want[i])
		}
	}
}

func TestStartupParameterOrderIsStable(t *testing.T) {
	addr := startTestServer(t)

	first := dialTestClient(t, addr).authenticate("postgres", "postgres")
	second := dialTestClient(t, addr).authenticate("postgres", "postgres")

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("parameter order differs across connections at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestStartupWrongPassword(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)

	c.sendStartup(protocolVersion30, map[string]string{"user": "postgres"})
	c.expect(msgAuth)
	c.send(msgPassword, append([]byte("wrong"), 0))

	msg := c.expect(msgErrorResponse)
	if sev := errorField(t, msg.body, 'S'); sev != "FATAL" {
		t.Fatalf("severity mismatch: %q", sev)
	}
	if code := errorField(t, msg.body, 'C'); code != codeInvalidPassword {
		t.Fatalf("code mismatch: %q", code)
	}

	if _, err := c.r.ReadByte(); err != io.EOF {
		t.Fatalf("connection should close after failed auth, got %v", err)
	}
}

func TestStartupUnsupportedProtocolVersion(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)

	c.sendStartup(131072, map[string]string{"user": "postgres"}) // 2.0

	msg := c.expect(msgErrorResponse)
	if code := errorField(t, msg.body, 'C'); code != codeProtocolViolation {
		t.Fatalf("code mismatch: %q", code)
	}
}

func TestSSLRequestDeclinedWithoutTLS(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)

	var frame bytes.Buffer
	_ = binary.Write(&frame, binary.BigEndian, int32(8))
	_ = binary.Write(&frame, binary.BigEndian, int32(sslRequestCode))
	if _, err := c.conn.Write(frame.Bytes()); err != nil {
		t.Fatalf("send SSLRequest: %v", err)
	}

	resp := make([]byte, 1)
	if _, err := io.ReadFull(c.r, resp); err != nil {
		t.Fatalf("read SSL response: %v", err)
	}
	if resp[0] != 'N' {
		t.Fatalf("expected SSL declined 'N', got %c", resp[0])
	}

	// Plaintext startup continues on the same connection.
	c.authenticate("postgres", "postgres")
}

// --- Simple query protocol ---

func TestSimpleQuery(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	msgs := c.query("SELECT 1")

	if msgs[0].typ != msgRowDescription {
		t.Fatalf("expected RowDescription first, got %c", msgs[0].typ)
	}
	if msgs[1].typ != msgDataRow {
		t.Fatalf("expected DataRow, got %c", msgs[1].typ)
	}
	if msgs[2].typ != msgCommandComplete || commandTag(msgs[2].body) != "SELECT 1" {
		t.Fatalf("expected CommandComplete SELECT 1, got %c %q", msgs[2].typ, msgs[2].body)
	}
	if last := msgs[len(msgs)-1]; last.body[0] != txIdle {
		t.Fatalf("expected idle status, got %c", last.body[0])
	}
}

func TestSimpleQueryEmpty(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	msgs := c.query("")
	if msgs[0].typ != msgEmptyQuery {
		t.Fatalf("expected EmptyQueryResponse, got %c", msgs[0].typ)
	}
	if msgs[1].typ != msgReadyForQuery {
		t.Fatalf("expected ReadyForQuery, got %c", msgs[1].typ)
	}
}

func TestSimpleQueryError(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	msgs := c.query("SELECT nope FROM missing")

	if msgs[0].typ != msgErrorResponse {
		t.Fatalf("expected ErrorResponse, got %c", msgs[0].typ)
	}
	// Outside a transaction an error leaves the session idle.
	if last := msgs[len(msgs)-1]; last.body[0] != txIdle {
		t.Fatalf("expected idle status after error, got %c", last.body[0])
	}
}

func TestSimpleQueryTransactionStatus(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	msgs := c.query("BEGIN")
	if commandTag(msgs[0].body) != "BEGIN" {
		t.Fatalf("expected BEGIN tag, got %q", msgs[0].body)
	}
	if msgs[1].body[0] != txInTx {
		t.Fatalf("expected in-transaction status, got %c", msgs[1].body[0])
	}

	// An error inside the transaction aborts it.
	msgs = c.query("SELECT nope FROM missing")
	if last := msgs[len(msgs)-1]; last.body[0] != txFailed {
		t.Fatalf("expected failed-transaction status, got %c", last.body[0])
	}

	msgs = c.query("ROLLBACK")
	if last := msgs[len(msgs)-1]; last.body[0] != txIdle {
		t.Fatalf("expected idle status after rollback, got %c", last.body[0])
	}
}

func TestSimpleQueryRedundantTransactionControl(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	// COMMIT with no open transaction warns but still succeeds.
	msgs := c.query("COMMIT")
	if msgs[0].typ != msgNoticeResponse {
		t.Fatalf("expected NoticeResponse, got %c", msgs[0].typ)
	}
	if code := errorField(t, msgs[0].body, 'C'); code != codeNoActiveTransaction {
		t.Fatalf("notice code mismatch: %q", code)
	}
	if msgs[1].typ != msgCommandComplete || commandTag(msgs[1].body) != "COMMIT" {
		t.Fatalf("expected COMMIT tag, got %c %q", msgs[1].typ, msgs[1].body)
	}
	if last := msgs[len(msgs)-1]; last.body[0] != txIdle {
		t.Fatalf("expected idle status, got %c", last.body[0])
	}

	// BEGIN inside an open transaction warns and keeps the transaction.
	c.query("BEGIN")
	msgs = c.query("BEGIN")
	if msgs[0].typ != msgNoticeResponse {
		t.Fatalf("expected NoticeResponse, got %c", msgs[0].typ)
	}
	if code := errorField(t, msgs[0].body, 'C'); code != codeActiveTransaction {
		t.Fatalf("notice code mismatch: %q", code)
	}
	if last := msgs[len(msgs)-1]; last.body[0] != txInTx {
		t.Fatalf("expected in-transaction status, got %c", last.body[0])
	}
}

func TestSimpleQueryMidStreamError(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.query("BEGIN")

	// Rows already streamed are not retracted; the error follows the
	// partial result and no CommandComplete is sent.
	msgs := c.query(flakyQuery)
	var seen []byte
	for _, m := range msgs {
		seen = append(seen, m.typ)
	}
	want := []byte{msgRowDescription, msgDataRow, msgErrorResponse, msgReadyForQuery}
	if !bytes.Equal(seen, want) {
		t.Fatalf("message sequence mismatch: %q, want %q", seen, want)
	}
	if errMsg := errorField(t, msgs[2].body, 'M'); errMsg != "backend connection lost" {
		t.Fatalf("error message mismatch: %q", errMsg)
	}
	if msgs[3].body[0] != txFailed {
		t.Fatalf("expected failed-transaction status, got %c", msgs[3].body[0])
	}

	msgs = c.query("ROLLBACK")
	if last := msgs[len(msgs)-1]; last.body[0] != txIdle {
		t.Fatalf("expected idle status after rollback, got %c", last.body[0])
	}
}

func TestMalformedCountsRejected(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	// Negative parameter-type count in Parse.
	var pb bytes.Buffer
	pb.WriteString("s1")
	pb.WriteByte(0)
	pb.WriteString("SELECT 1")
	pb.WriteByte(0)
	_ = binary.Write(&pb, binary.BigEndian, int16(-2))
	c.send(msgParse, pb.Bytes())
	c.send(msgSync, nil)

	msg := c.expect(msgErrorResponse)
	if code := errorField(t, msg.body, 'C'); code != codeProtocolViolation {
		t.Fatalf("error code mismatch: %q", code)
	}
	c.expect(msgReadyForQuery)

	// Negative format count in Bind against a live statement.
	c.send(msgParse, parseBody("s2", "SELECT 1", nil))
	var bb bytes.Buffer
	bb.WriteString("p1")
	bb.WriteByte(0)
	bb.WriteString("s2")
	bb.WriteByte(0)
	_ = binary.Write(&bb, binary.BigEndian, int16(-1))
	c.send(msgBind, bb.Bytes())
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	msg = c.expect(msgErrorResponse)
	if code := errorField(t, msg.body, 'C'); code != codeProtocolViolation {
		t.Fatalf("error code mismatch: %q", code)
	}
	c.expect(msgReadyForQuery)

	// The connection survives both.
	c.query("SELECT 1")
}

func TestSimpleQueryMultiStatement(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	msgs := c.query("SELECT 1; INSERT INTO t VALUES (1)")

	var tags []string
	for _, m := range msgs {
		if m.typ == msgCommandComplete {
			tags = append(tags, commandTag(m.body))
		}
	}
	if len(tags) != 2 || tags[0] != "SELECT 1" || tags[1] != "INSERT 0 1" {
		t.Fatalf("command tags mismatch: %v", tags)
	}
	if n := len(msgs); msgs[n-1].typ != msgReadyForQuery {
		t.Fatalf("batch should end with a single ReadyForQuery")
	}
}

// --- Extended query protocol ---

func TestExtendedQueryRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("", valuesQuery, nil))
	c.send(msgBind, bindBody("", "", nil))
	c.send(msgDescribe, describeBody('P', ""))
	c.send(msgExecute, executeBody("", 0))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	c.expect(msgBindComplete)

	desc := c.expect(msgRowDescription)
	r := bytes.NewReader(desc.body)
	var fieldCount int16
	_ = binary.Read(r, binary.BigEndian, &fieldCount)
	if fieldCount != 2 {
		t.Fatalf("field count mismatch: %d", fieldCount)
	}
	name, _ := readCString(r)
	var tableOID int32
	var attrNum int16
	var typeOID int32
	_ = binary.Read(r, binary.BigEndian, &tableOID)
	_ = binary.Read(r, binary.BigEndian, &attrNum)
	_ = binary.Read(r, binary.BigEndian, &typeOID)
	if name != "letter" || typeOID != OidVarchar {
		t.Fatalf("first field mismatch: %q oid %d", name, typeOID)
	}

	for i := 0; i < 3; i++ {
		c.expect(msgDataRow)
	}
	done := c.expect(msgCommandComplete)
	if commandTag(done.body) != "SELECT 3" {
		t.Fatalf("command tag mismatch: %q", done.body)
	}
	ready := c.expect(msgReadyForQuery)
	if ready.body[0] != txIdle {
		t.Fatalf("expected idle status, got %c", ready.body[0])
	}
}

func TestExtendedQueryWithParameters(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", echoQuery, []int32{OidVarchar, OidInt4}))
	c.send(msgBind, bindBody("", "s1", [][]byte{[]byte("hello"), []byte("42")}))
	c.send(msgExecute, executeBody("", 0))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	c.expect(msgBindComplete)

	row := c.expect(msgDataRow)
	r := bytes.NewReader(row.body)
	var colCount int16
	_ = binary.Read(r, binary.BigEndian, &colCount)
	if colCount != 2 {
		t.Fatalf("column count mismatch: %d", colCount)
	}
	var length int32
	_ = binary.Read(r, binary.BigEndian, &length)
	first := make([]byte, length)
	_, _ = io.ReadFull(r, first)
	if string(first) != "hello" {
		t.Fatalf("first column mismatch: %q", first)
	}
	_ = binary.Read(r, binary.BigEndian, &length)
	second := make([]byte, length)
	_, _ = io.ReadFull(r, second)
	if string(second) != "42" {
		t.Fatalf("second column mismatch: %q", second)
	}

	done := c.expect(msgCommandComplete)
	if commandTag(done.body) != "SELECT 1" {
		t.Fatalf("command tag mismatch: %q", done.body)
	}
	c.expect(msgReadyForQuery)
}

func TestDescribeStatementMatchesDescribePortal(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", valuesQuery, nil))
	c.send(msgDescribe, describeBody('S', "s1"))
	c.send(msgBind, bindBody("p1", "s1", nil))
	c.send(msgDescribe, describeBody('P', "p1"))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	paramDesc := c.expect(msgParameterDescription)
	var paramCount int16
	_ = binary.Read(bytes.NewReader(paramDesc.body), binary.BigEndian, &paramCount)
	if paramCount != 0 {
		t.Fatalf("parameter count mismatch: %d", paramCount)
	}
	stmtDesc := c.expect(msgRowDescription)
	c.expect(msgBindComplete)
	portalDesc := c.expect(msgRowDescription)
	c.expect(msgReadyForQuery)

	if !bytes.Equal(stmtDesc.body, portalDesc.body) {
		t.Fatalf("Describe(statement) and Describe(portal) disagree:\n%q\n%q", stmtDesc.body, portalDesc.body)
	}
}

func TestExecuteRowLimitSuspendsAndResumes(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", lettersQuery, nil))
	c.send(msgBind, bindBody("p1", "s1", nil))
	c.send(msgSync, nil)
	c.expect(msgParseComplete)
	c.expect(msgBindComplete)
	c.expect(msgReadyForQuery)

	// First slice: one row, more remain.
	c.send(msgExecute, executeBody("p1", 1))
	c.send(msgSync, nil)
	c.expect(msgDataRow)
	c.expect(msgPortalSuspended)
	c.expect(msgReadyForQuery)

	// Second slice drains the portal exactly at the limit: the final tag
	// counts all rows sent across both Executes.
	c.send(msgExecute, executeBody("p1", 1))
	c.send(msgSync, nil)
	c.expect(msgDataRow)
	done := c.expect(msgCommandComplete)
	if commandTag(done.body) != "SELECT 2" {
		t.Fatalf("cumulative tag mismatch: %q", done.body)
	}
	c.expect(msgReadyForQuery)
}

func TestParseUnknownParameterOid(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", "SELECT ?", []int32{999}))
	c.send(msgSync, nil)

	msg := c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "No oid mapping from '999' to pg_type" {
		t.Fatalf("message mismatch: %q", got)
	}
	if code := errorField(t, msg.body, 'C'); code != codeUndefinedObject {
		t.Fatalf("code mismatch: %q", code)
	}
	c.expect(msgReadyForQuery)

	// The failed Parse never registered the statement.
	c.send(msgDescribe, describeBody('S', "s1"))
	c.send(msgSync, nil)
	msg = c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "prepared statement s1 not found" {
		t.Fatalf("message mismatch: %q", got)
	}
	c.expect(msgReadyForQuery)
}

func TestParseMissingQueryText(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	// A Parse frame that ends after the statement name carries no query
	// string at all.
	c.send(msgParse, []byte("s1\x00"))
	c.send(msgSync, nil)

	msg := c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "query can't be null" {
		t.Fatalf("message mismatch: %q", got)
	}
	if code := errorField(t, msg.body, 'C'); code != codeSyntaxErrorOrAccess {
		t.Fatalf("code mismatch: %q", code)
	}
	c.expect(msgReadyForQuery)
}

func TestEmptyStatementExtended(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("", "", nil))
	c.send(msgDescribe, describeBody('S', ""))
	c.send(msgBind, bindBody("", "", nil))
	c.send(msgExecute, executeBody("", 0))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	paramDesc := c.expect(msgParameterDescription)
	var paramCount int16
	_ = binary.Read(bytes.NewReader(paramDesc.body), binary.BigEndian, &paramCount)
	if paramCount != 0 {
		t.Fatalf("empty statement should have no parameters, got %d", paramCount)
	}
	c.expect(msgNoData)
	c.expect(msgBindComplete)
	c.expect(msgEmptyQuery)
	c.expect(msgReadyForQuery)
}

func TestReParseDestroysBoundPortals(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", "SELECT 1", nil))
	c.send(msgBind, bindBody("p1", "s1", nil))
	c.send(msgSync, nil)
	c.expect(msgParseComplete)
	c.expect(msgBindComplete)
	c.expect(msgReadyForQuery)

	// Overwriting s1 invalidates p1.
	c.send(msgParse, parseBody("s1", lettersQuery, nil))
	c.send(msgExecute, executeBody("p1", 0))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	msg := c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "portal p1 not found" {
		t.Fatalf("message mismatch: %q", got)
	}
	if code := errorField(t, msg.body, 'C'); code != codeUndefinedCursor {
		t.Fatalf("code mismatch: %q", code)
	}
	c.expect(msgReadyForQuery)
}

func TestBindUnknownStatement(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgBind, bindBody("", "missing", nil))
	c.send(msgSync, nil)

	msg := c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "prepared statement missing not found" {
		t.Fatalf("message mismatch: %q", got)
	}
	c.expect(msgReadyForQuery)
}

func TestErrorDiscardsUntilSync(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	// The failing Parse poisons the pipeline; the following Bind and
	// Execute produce no responses at all.
	c.send(msgParse, parseBody("s1", "SELECT ?", []int32{999}))
	c.send(msgBind, bindBody("p1", "s1", nil))
	c.send(msgExecute, executeBody("p1", 0))
	c.send(msgSync, nil)

	c.expect(msgErrorResponse)
	ready := c.expect(msgReadyForQuery)
	if ready.body[0] != txIdle {
		t.Fatalf("expected idle status, got %c", ready.body[0])
	}

	// The pipeline works again after Sync.
	c.send(msgParse, parseBody("s2", "SELECT 1", nil))
	c.send(msgSync, nil)
	c.expect(msgParseComplete)
	c.expect(msgReadyForQuery)
}

func TestCloseStatementAndPortal(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgParse, parseBody("s1", "SELECT 1", nil))
	c.send(msgBind, bindBody("p1", "s1", nil))
	c.send(msgClose, describeBody('P', "p1"))
	c.send(msgClose, describeBody('S', "s1"))
	c.send(msgBind, bindBody("p2", "s1", nil))
	c.send(msgSync, nil)

	c.expect(msgParseComplete)
	c.expect(msgBindComplete)
	c.expect(msgCloseComplete)
	c.expect(msgCloseComplete)

	msg := c.expect(msgErrorResponse)
	if got := errorField(t, msg.body, 'M'); got != "prepared statement s1 not found" {
		t.Fatalf("message mismatch: %q", got)
	}
	c.expect(msgReadyForQuery)
}

func TestTerminateClosesConnection(t *testing.T) {
	addr := startTestServer(t)
	c := dialTestClient(t, addr)
	c.connect()

	c.send(msgTerminate, nil)

	if _, err := c.r.ReadByte(); err != io.EOF {
		t.Fatalf("connection should close after Terminate, got %v", err)
	}
}
