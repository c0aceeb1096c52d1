package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PostgreSQL message type tags
const (
	// Frontend (client) messages
	msgQuery     = 'Q'
	msgTerminate = 'X'
	msgPassword  = 'p'
	msgParse     = 'P'
	msgBind      = 'B'
	msgDescribe  = 'D'
	msgExecute   = 'E'
	msgSync      = 'S'
	msgClose     = 'C'
	msgFlush     = 'H'

	// Backend (server) messages
	msgAuth                 = 'R'
	msgParamStatus          = 'S'
	msgBackendKeyData       = 'K'
	msgReadyForQuery        = 'Z'
	msgRowDescription       = 'T'
	msgDataRow              = 'D'
	msgCommandComplete      = 'C'
	msgErrorResponse        = 'E'
	msgNoticeResponse       = 'N'
	msgEmptyQuery           = 'I'
	msgParseComplete        = '1'
	msgBindComplete         = '2'
	msgCloseComplete        = '3'
	msgNoData               = 'n'
	msgParameterDescription = 't'
	msgPortalSuspended      = 's'
)

// Special startup protocol codes (sent in place of a protocol version)
const (
	protocolVersion30 = 196608   // 3.0, the only supported major version
	sslRequestCode    = 80877103 // SSLRequest
	cancelRequestCode = 80877102 // CancelRequest
)

// Authentication types
const (
	authOK           = 0
	authCleartextPwd = 3
)

// maxFrameLength caps the declared length of a single protocol frame.
// A frame larger than this fails the connection rather than allocating.
const maxFrameLength = 64 << 20

// startupResult carries the decoded startup message. Exactly one of the
// request flags is set, or Params holds the startup parameter pairs.
type startupResult struct {
	SSLRequest    bool
	CancelRequest bool
	CancelPid     int32
	CancelKey     int32
	Version       int32
	Params        map[string]string
}

// readStartupMessage reads the initial startup frame from the client.
// The startup frame has no leading type tag; its 4-byte length includes itself.
func readStartupMessage(r io.Reader) (*startupResult, error) {
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read startup message length: %w", err)
	}
	if length < 8 || length > maxFrameLength {
		return nil, fmt.Errorf("invalid startup message length %d", length)
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read startup message body: %w", err)
	}

	version := int32(binary.BigEndian.Uint32(body[:4]))

	switch version {
	case sslRequestCode:
		return &startupResult{SSLRequest: true, Version: version}, nil
	case cancelRequestCode:
		res := &startupResult{CancelRequest: true, Version: version}
		if len(body) >= 12 {
			res.CancelPid = int32(binary.BigEndian.Uint32(body[4:8]))
			res.CancelKey = int32(binary.BigEndian.Uint32(body[8:12]))
		}
		return res, nil
	}

	// Parameter pairs: alternating null-terminated key/value strings,
	// terminated by a single nul byte.
	params := make(map[string]string)
	data := body[4:]
	for len(data) > 1 {
		keyEnd := bytes.IndexByte(data, 0)
		if keyEnd < 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := bytes.IndexByte(data, 0)
		if valEnd < 0 {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		if key != "" {
			params[key] = value
		}
	}

	return &startupResult{Version: version, Params: params}, nil
}

// readMessage reads a single tagged frame from the client.
// It blocks until the full frame is available.
func readMessage(r io.Reader) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return 0, nil, err
	}
	msgType := typeBuf[0]

	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length < 4 || length > maxFrameLength {
		return 0, nil, fmt.Errorf("invalid message length %d for message %c", length, msgType)
	}

	body := make([]byte, length-4)
	if length > 4 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("failed to read message body: %w", err)
		}
	}

	return msgType, body, nil
}

// writeMessage writes one tagged frame. The 4-byte length includes itself.
func writeMessage(w io.Writer, msgType byte, data []byte) error {
	if _, err := w.Write([]byte{msgType}); err != nil {
		return err
	}
	length := int32(len(data) + 4)
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// readCString reads a null-terminated string from reader.
func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}

func writeAuthOK(w io.Writer) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authOK)
	return writeMessage(w, msgAuth, data)
}

func writeAuthCleartextPassword(w io.Writer) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authCleartextPwd)
	return writeMessage(w, msgAuth, data)
}

func writeParameterStatus(w io.Writer, name, value string) error {
	data := []byte(name)
	data = append(data, 0)
	data = append(data, []byte(value)...)
	data = append(data, 0)
	return writeMessage(w, msgParamStatus, data)
}

func writeBackendKeyData(w io.Writer, pid, secretKey int32) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[:4], uint32(pid))
	binary.BigEndian.PutUint32(data[4:], uint32(secretKey))
	return writeMessage(w, msgBackendKeyData, data)
}

func writeReadyForQuery(w io.Writer, txStatus byte) error {
	return writeMessage(w, msgReadyForQuery, []byte{txStatus})
}

// appendDiagnosticFields appends the S/C/M field triple shared by
// ErrorResponse and NoticeResponse.
func appendDiagnosticFields(data []byte, severity, code, message string) []byte {
	data = append(data, 'S')
	data = append(data, []byte(severity)...)
	data = append(data, 0)

	data = append(data, 'C')
	data = append(data, []byte(code)...)
	data = append(data, 0)

	data = append(data, 'M')
	data = append(data, []byte(message)...)
	data = append(data, 0)

	data = append(data, 0)
	return data
}

func writeErrorResponse(w io.Writer, severity, code, message string) error {
	return writeMessage(w, msgErrorResponse, appendDiagnosticFields(nil, severity, code, message))
}

func writeNoticeResponse(w io.Writer, severity, code, message string) error {
	return writeMessage(w, msgNoticeResponse, appendDiagnosticFields(nil, severity, code, message))
}

func writeCommandComplete(w io.Writer, tag string) error {
	data := []byte(tag)
	data = append(data, 0)
	return writeMessage(w, msgCommandComplete, data)
}

func writeEmptyQueryResponse(w io.Writer) error {
	return writeMessage(w, msgEmptyQuery, nil)
}

func writeParseComplete(w io.Writer) error {
	return writeMessage(w, msgParseComplete, nil)
}

func writeBindComplete(w io.Writer) error {
	return writeMessage(w, msgBindComplete, nil)
}

func writeCloseComplete(w io.Writer) error {
	return writeMessage(w, msgCloseComplete, nil)
}

func writeNoData(w io.Writer) error {
	return writeMessage(w, msgNoData, nil)
}

func writePortalSuspended(w io.Writer) error {
	return writeMessage(w, msgPortalSuspended, nil)
}

func writeParameterDescription(w io.Writer, paramOIDs []int32) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		_ = binary.Write(&buf, binary.BigEndian, oid)
	}
	return writeMessage(w, msgParameterDescription, buf.Bytes())
}

// fieldDesc describes one result column in a RowDescription message.
type fieldDesc struct {
	name     string
	tableOID int32
	attrNum  int16
	typeOID  int32
	typeSize int16
	typeMod  int32
	format   int16
}

func writeRowDescription(w io.Writer, fields []fieldDesc) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int16(len(fields)))
	for _, f := range fields {
		buf.WriteString(f.name)
		buf.WriteByte(0)
		_ = binary.Write(&buf, binary.BigEndian, f.tableOID)
		_ = binary.Write(&buf, binary.BigEndian, f.attrNum)
		_ = binary.Write(&buf, binary.BigEndian, f.typeOID)
		_ = binary.Write(&buf, binary.BigEndian, f.typeSize)
		_ = binary.Write(&buf, binary.BigEndian, f.typeMod)
		_ = binary.Write(&buf, binary.BigEndian, f.format)
	}
	return writeMessage(w, msgRowDescription, buf.Bytes())
}

// writeDataRow sends one DataRow. A nil value encodes as SQL NULL (-1 length).
func writeDataRow(w io.Writer, values [][]byte) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int16(len(values)))
	for _, v := range values {
		if v == nil {
			_ = binary.Write(&buf, binary.BigEndian, int32(-1))
			continue
		}
		_ = binary.Write(&buf, binary.BigEndian, int32(len(v)))
		buf.Write(v)
	}
	return writeMessage(w, msgDataRow, buf.Bytes())
}
