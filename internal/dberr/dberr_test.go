package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WithoutCauseOmitsColonArrow(t *testing.T) {
	e := New(CodeInvalidEntry, "bad signature", nil)
	assert.Equal(t, "InvalidEntry: bad signature", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestNew_WithCauseIncludesIt(t *testing.T) {
	cause := errors.New("boom")
	e := New(CodeFetchFailed, "could not fetch", cause)
	assert.Equal(t, "FetchFailed: could not fetch: boom", e.Error())
	assert.Equal(t, cause, e.Unwrap())
}

func TestWithDetail_AccumulatesAndOverwrites(t *testing.T) {
	e := New(CodeUnknown, "x", nil).WithDetail("a", 1).WithDetail("b", 2).WithDetail("a", 3)
	assert.Equal(t, 3, e.Details["a"])
	assert.Equal(t, 2, e.Details["b"])
}

func TestCode_StringMatchesConstructorCode(t *testing.T) {
	cases := []struct {
		err  *DBError
		code Code
		str  string
	}{
		{InvalidAddress("orbitdb/foo"), CodeInvalidAddress, "InvalidAddress"},
		{UnknownDatabase("orbitdb/foo"), CodeUnknownDatabase, "UnknownDatabase"},
		{TypeMismatch("eventlog", "keyvalue"), CodeTypeMismatch, "TypeMismatch"},
		{InvalidType("bogus"), CodeInvalidType, "InvalidType"},
		{AlreadyExists("orbitdb/foo"), CodeAlreadyExists, "AlreadyExists"},
		{NotAuthorized("peer1"), CodeNotAuthorized, "NotAuthorized"},
		{InvalidEntry("bad hash", nil), CodeInvalidEntry, "InvalidEntry"},
		{MalformedEntry("missing clock"), CodeMalformedEntry, "MalformedEntry"},
		{FetchFailed("cid123", nil), CodeFetchFailed, "FetchFailed"},
		{TransportTransient(nil), CodeTransportTransient, "TransportTransient"},
		{NotImplemented("counter store"), CodeNotImplemented, "NotImplemented"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.Code)
		assert.Equal(t, tc.str, tc.code.String())
	}
}

func TestCode_StringDefaultsToUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Code(999).String())
	assert.Equal(t, "Unknown", CodeUnknown.String())
}

func TestInvalidAddress_CarriesAddressDetail(t *testing.T) {
	e := InvalidAddress("orbitdb/bad")
	assert.Equal(t, "orbitdb/bad", e.Details["address"])
}

func TestTypeMismatch_CarriesWantAndGotDetails(t *testing.T) {
	e := TypeMismatch("eventlog", "keyvalue")
	assert.Equal(t, "eventlog", e.Details["want"])
	assert.Equal(t, "keyvalue", e.Details["got"])
}

func TestFetchFailed_CarriesCIDDetailAndCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := FetchFailed("cid123", cause)
	assert.Equal(t, "cid123", e.Details["cid"])
	assert.Equal(t, cause, e.Cause)
}

func TestIs_MatchesOnlyExactCode(t *testing.T) {
	err := AlreadyExists("orbitdb/foo")
	assert.True(t, Is(err, CodeAlreadyExists))
	assert.False(t, Is(err, CodeNotAuthorized))
	assert.False(t, Is(errors.New("plain"), CodeAlreadyExists))
}

func TestGetCode_ReturnsUnknownForNonDBError(t *testing.T) {
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
	assert.Equal(t, CodeNotAuthorized, GetCode(NotAuthorized("peer1")))
}

func TestUnwrap_EnablesErrorsAs(t *testing.T) {
	err := InvalidEntry("bad hash", errors.New("inner"))
	var target *DBError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, CodeInvalidEntry, target.Code)
}
