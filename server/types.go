package server

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PostgreSQL type OIDs
const (
	OidBool        int32 = 16
	OidBytea       int32 = 17
	OidInt8        int32 = 20 // bigint
	OidInt2        int32 = 21 // smallint
	OidInt4        int32 = 23 // integer
	OidText        int32 = 25
	OidOid         int32 = 26
	OidJSON        int32 = 114
	OidFloat4      int32 = 700 // real
	OidFloat8      int32 = 701 // double precision
	OidVarchar     int32 = 1043
	OidDate        int32 = 1082
	OidTime        int32 = 1083
	OidTimestamp   int32 = 1114
	OidTimestamptz int32 = 1184
	OidInterval    int32 = 1186
	OidNumeric     int32 = 1700
	OidUUID        int32 = 2950
	OidJSONB       int32 = 3802
)

// DataType is a backend semantic type. The set is closed: every type the
// backend can produce has an entry here and a canonical OID.
type DataType int

const (
	TypeBool DataType = iota
	TypeSmallInt
	TypeInteger
	TypeBigInt
	TypeReal
	TypeDouble
	TypeNumeric
	TypeVarchar
	TypeText
	TypeBytea
	TypeDate
	TypeTime
	TypeTimestamp
	TypeTimestampTZ
	TypeInterval
	TypeUUID
	TypeJSON
)

// typeNames holds the canonical backend name for each DataType.
var typeNames = map[DataType]string{
	TypeBool:        "BOOLEAN",
	TypeSmallInt:    "SMALLINT",
	TypeInteger:     "INTEGER",
	TypeBigInt:      "BIGINT",
	TypeReal:        "REAL",
	TypeDouble:      "DOUBLE",
	TypeNumeric:     "NUMERIC",
	TypeVarchar:     "VARCHAR",
	TypeText:        "TEXT",
	TypeBytea:       "BYTEA",
	TypeDate:        "DATE",
	TypeTime:        "TIME",
	TypeTimestamp:   "TIMESTAMP",
	TypeTimestampTZ: "TIMESTAMPTZ",
	TypeInterval:    "INTERVAL",
	TypeUUID:        "UUID",
	TypeJSON:        "JSON",
}

func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// TypeInfo contains the wire-level attributes of a PostgreSQL type.
type TypeInfo struct {
	OID  int32
	Size int16 // -1 for variable length
}

// typeInfos is the closed OID table, one entry per DataType.
var typeInfos = map[DataType]TypeInfo{
	TypeBool:        {OID: OidBool, Size: 1},
	TypeSmallInt:    {OID: OidInt2, Size: 2},
	TypeInteger:     {OID: OidInt4, Size: 4},
	TypeBigInt:      {OID: OidInt8, Size: 8},
	TypeReal:        {OID: OidFloat4, Size: 4},
	TypeDouble:      {OID: OidFloat8, Size: 8},
	TypeNumeric:     {OID: OidNumeric, Size: -1},
	TypeVarchar:     {OID: OidVarchar, Size: -1},
	TypeText:        {OID: OidText, Size: -1},
	TypeBytea:       {OID: OidBytea, Size: -1},
	TypeDate:        {OID: OidDate, Size: 4},
	TypeTime:        {OID: OidTime, Size: 8},
	TypeTimestamp:   {OID: OidTimestamp, Size: 8},
	TypeTimestampTZ: {OID: OidTimestamptz, Size: 8},
	TypeInterval:    {OID: OidInterval, Size: 16},
	TypeUUID:        {OID: OidUUID, Size: 16},
	TypeJSON:        {OID: OidJSON, Size: -1},
}

// oidTypes is the reverse lookup, built once at init. Aliases that share a
// canonical DataType (e.g. text and varchar) are added explicitly.
var oidTypes = func() map[int32]DataType {
	m := make(map[int32]DataType, len(typeInfos))
	for t, info := range typeInfos {
		m[info.OID] = t
	}
	m[OidText] = TypeText
	m[OidVarchar] = TypeVarchar
	m[OidJSONB] = TypeJSON
	return m
}()

// TypeForOid maps a PostgreSQL type OID to the backend semantic type.
// Unknown OIDs are a defined failure, never a silent coercion.
func TypeForOid(oid int32) (DataType, error) {
	t, ok := oidTypes[oid]
	if !ok {
		return 0, fmt.Errorf("No oid mapping from '%d' to pg_type", oid)
	}
	return t, nil
}

// OidForType maps a backend semantic type to its canonical OID.
// The mapping is total: every DataType has an entry in typeInfos.
func OidForType(t DataType) int32 {
	if info, ok := typeInfos[t]; ok {
		return info.OID
	}
	return OidText
}

// InfoForType returns the wire-level type info for a semantic type.
func InfoForType(t DataType) TypeInfo {
	if info, ok := typeInfos[t]; ok {
		return info
	}
	return TypeInfo{OID: OidText, Size: -1}
}

// TypeForName maps a backend column type name to a DataType. Names the
// registry does not know default to text, mirroring how unknown result
// columns are rendered.
func TypeForName(name string) DataType {
	upper := strings.ToUpper(name)
	switch {
	case upper == "BOOLEAN" || upper == "BOOL":
		return TypeBool
	case upper == "SMALLINT" || upper == "INT2" || upper == "TINYINT":
		return TypeSmallInt
	case upper == "INTEGER" || upper == "INT4" || upper == "INT":
		return TypeInteger
	case upper == "BIGINT" || upper == "INT8":
		return TypeBigInt
	case upper == "REAL" || upper == "FLOAT4" || upper == "FLOAT":
		return TypeReal
	case upper == "DOUBLE" || upper == "FLOAT8" || upper == "DOUBLE PRECISION":
		return TypeDouble
	case strings.HasPrefix(upper, "DECIMAL") || strings.HasPrefix(upper, "NUMERIC"):
		return TypeNumeric
	case upper == "VARCHAR" || strings.HasPrefix(upper, "VARCHAR(") || strings.HasPrefix(upper, "CHARACTER VARYING"):
		return TypeVarchar
	case upper == "TEXT" || upper == "STRING":
		return TypeText
	case upper == "BLOB" || upper == "BYTEA":
		return TypeBytea
	case upper == "DATE":
		return TypeDate
	case upper == "TIME":
		return TypeTime
	case upper == "TIMESTAMP":
		return TypeTimestamp
	case upper == "TIMESTAMP WITH TIME ZONE" || upper == "TIMESTAMPTZ":
		return TypeTimestampTZ
	case upper == "INTERVAL":
		return TypeInterval
	case upper == "UUID":
		return TypeUUID
	case upper == "JSON" || upper == "JSONB":
		return TypeJSON
	default:
		return TypeText
	}
}

// formatValue converts a value to its PostgreSQL text representation.
// This is the canonical stringification used by both query paths.
func formatValue(v any) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case *string:
		if val == nil {
			return ""
		}
		return *val
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", val)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		if val {
			return "t"
		}
		return "f"
	case time.Time:
		return val.Format("2006-01-02 15:04:05.999999-07")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// decodeParameter converts one bound parameter value into a Go value
// according to its declared type OID and wire format (0=text, 1=binary).
// A nil input is SQL NULL.
func decodeParameter(value []byte, oid int32, format int16) (any, error) {
	if value == nil {
		return nil, nil
	}
	if format == 1 {
		return decodeBinaryParameter(value, oid)
	}
	return decodeTextParameter(string(value), oid)
}

func decodeTextParameter(s string, oid int32) (any, error) {
	switch oid {
	case OidInt2, OidInt4, OidInt8:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer parameter %q: %w", s, err)
		}
		return n, nil
	case OidFloat4, OidFloat8, OidNumeric:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric parameter %q: %w", s, err)
		}
		return f, nil
	case OidBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "t", "true", "1", "on", "yes":
			return true, nil
		case "f", "false", "0", "off", "no":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean parameter %q", s)
	default:
		// Text, varchar, dates and everything else pass through as text;
		// the backend parses them in its own dialect.
		return s, nil
	}
}

func decodeBinaryParameter(value []byte, oid int32) (any, error) {
	switch oid {
	case OidInt2:
		if len(value) != 2 {
			return nil, fmt.Errorf("invalid binary int2 length %d", len(value))
		}
		return int64(int16(binary.BigEndian.Uint16(value))), nil
	case OidInt4:
		if len(value) != 4 {
			return nil, fmt.Errorf("invalid binary int4 length %d", len(value))
		}
		return int64(int32(binary.BigEndian.Uint32(value))), nil
	case OidInt8:
		if len(value) != 8 {
			return nil, fmt.Errorf("invalid binary int8 length %d", len(value))
		}
		return int64(binary.BigEndian.Uint64(value)), nil
	case OidFloat4:
		if len(value) != 4 {
			return nil, fmt.Errorf("invalid binary float4 length %d", len(value))
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(value))), nil
	case OidFloat8:
		if len(value) != 8 {
			return nil, fmt.Errorf("invalid binary float8 length %d", len(value))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(value)), nil
	case OidBool:
		if len(value) != 1 {
			return nil, fmt.Errorf("invalid binary bool length %d", len(value))
		}
		return value[0] != 0, nil
	case OidBytea:
		return value, nil
	default:
		// No binary codec registered for this type: treat the bytes as text.
		return string(value), nil
	}
}

// encodeValue renders a result value for the wire in the requested format.
// Binary encoding is used only for types with a registered binary codec;
// everything else falls back to the canonical text form.
func encodeValue(v any, oid int32, format int16) []byte {
	if v == nil {
		return nil
	}
	if format == 1 {
		if encoded := encodeBinary(v, oid); encoded != nil {
			return encoded
		}
	}
	return []byte(formatValue(v))
}

// encodeBinary encodes a value in PostgreSQL binary format.
// Returns nil when the type has no binary codec or the value doesn't fit.
func encodeBinary(v any, oid int32) []byte {
	if v == nil {
		return nil
	}

	switch oid {
	case OidBool:
		return encodeBinaryBool(v)
	case OidInt2:
		return encodeBinaryInt2(v)
	case OidInt4:
		return encodeBinaryInt4(v)
	case OidInt8:
		return encodeBinaryInt8(v)
	case OidFloat4:
		return encodeBinaryFloat4(v)
	case OidFloat8:
		return encodeBinaryFloat8(v)
	case OidDate:
		return encodeBinaryDate(v)
	case OidTimestamp, OidTimestamptz:
		return encodeBinaryTimestamp(v)
	case OidBytea:
		return encodeBinaryBytea(v)
	default:
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float32:
		return int64(val), true
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}

func encodeBinaryBool(v any) []byte {
	b, ok := v.(bool)
	if !ok {
		if n, isInt := asInt64(v); isInt {
			b = n != 0
		} else {
			return nil
		}
	}
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func encodeBinaryInt2(v any) []byte {
	n, ok := asInt64(v)
	if !ok {
		return nil
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(int16(n)))
	return buf
}

func encodeBinaryInt4(v any) []byte {
	n, ok := asInt64(v)
	if !ok {
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(n)))
	return buf
}

func encodeBinaryInt8(v any) []byte {
	n, ok := asInt64(v)
	if !ok {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func encodeBinaryFloat4(v any) []byte {
	var f float32
	switch val := v.(type) {
	case float32:
		f = val
	case float64:
		f = float32(val)
	default:
		n, ok := asInt64(v)
		if !ok {
			return nil
		}
		f = float32(n)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

func encodeBinaryFloat8(v any) []byte {
	var f float64
	switch val := v.(type) {
	case float32:
		f = float64(val)
	case float64:
		f = val
	default:
		n, ok := asInt64(v)
		if !ok {
			return nil
		}
		f = float64(n)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf
}

// PostgreSQL epoch is 2000-01-01, Unix epoch is 1970-01-01.
const pgEpochDays = 10957
const pgEpochMicros = pgEpochDays * 24 * 60 * 60 * 1000000

func encodeBinaryDate(v any) []byte {
	var days int32
	switch val := v.(type) {
	case time.Time:
		days = int32(val.Unix()/86400 - pgEpochDays)
	case string:
		t, err := time.Parse("2006-01-02", val)
		if err != nil {
			return nil
		}
		days = int32(t.Unix()/86400 - pgEpochDays)
	default:
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(days))
	return buf
}

func encodeBinaryTimestamp(v any) []byte {
	var micros int64
	switch val := v.(type) {
	case time.Time:
		micros = val.UnixMicro() - pgEpochMicros
	case string:
		t, err := time.Parse("2006-01-02 15:04:05", val)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05Z", val)
			if err != nil {
				return nil
			}
		}
		micros = t.UnixMicro() - pgEpochMicros
	default:
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(micros))
	return buf
}

func encodeBinaryBytea(v any) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	default:
		return nil
	}
}
