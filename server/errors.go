package server

import "fmt"

// SQLSTATE codes used by the protocol core.
const (
	codeProtocolViolation    = "08P01"
	codeInvalidAuthorization = "28000"
	codeInvalidPassword      = "28P01"
	codeSyntaxErrorOrAccess  = "42000"
	codeUndefinedPstatement  = "26000"
	codeUndefinedCursor      = "34000"
	codeUndefinedObject      = "42704"
	codeActiveTransaction    = "25001"
	codeNoActiveTransaction  = "25P01"
	codeCannotConnectNow     = "57P03"
)

// wireError is an error that frames directly into an ErrorResponse message.
// In the extended pipeline it puts the connection into discard-until-Sync.
type wireError struct {
	severity string
	code     string
	message  string
}

func (e *wireError) Error() string {
	return e.message
}

func protoErrorf(code, format string, args ...any) *wireError {
	return &wireError{
		severity: "ERROR",
		code:     code,
		message:  fmt.Sprintf(format, args...),
	}
}

// Literal messages below are part of the observable contract; clients and
// their drivers match on the exact wording.

func errNullQuery() *wireError {
	return protoErrorf(codeSyntaxErrorOrAccess, "query can't be null")
}

func errNoOidMapping(oid int32) *wireError {
	return protoErrorf(codeUndefinedObject, "No oid mapping from '%d' to pg_type", oid)
}

func errStatementNotFound(name string) *wireError {
	return protoErrorf(codeUndefinedPstatement, "prepared statement %s not found", name)
}

func errPortalNotFound(name string) *wireError {
	return protoErrorf(codeUndefinedCursor, "portal %s not found", name)
}

// asWireError normalizes any failure into a wireError. Backend execution
// errors pass their message text through unchanged.
func asWireError(err error) *wireError {
	if we, ok := err.(*wireError); ok {
		return we
	}
	return protoErrorf(codeSyntaxErrorOrAccess, "%s", err.Error())
}
