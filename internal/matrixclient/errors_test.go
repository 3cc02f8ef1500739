package matrixclient

import (
	"fmt"
	"testing"

	"maunium.net/go/mautrix"
)

func respErr(errcode string) error {
	return mautrix.HTTPError{
		RespError: &mautrix.RespError{ErrCode: errcode, Err: "nope"},
	}
}

func TestErrorPredicates_MapKnownErrcodes(t *testing.T) {
	if !IsNotFound(respErr("M_NOT_FOUND")) {
		t.Fatal("expected M_NOT_FOUND to satisfy IsNotFound")
	}
	if !IsForbidden(respErr("M_FORBIDDEN")) {
		t.Fatal("expected M_FORBIDDEN to satisfy IsForbidden")
	}
	if !IsUserInUse(respErr("M_USER_IN_USE")) {
		t.Fatal("expected M_USER_IN_USE to satisfy IsUserInUse")
	}
}

func TestErrorPredicates_UnknownErrcodeMatchesNone(t *testing.T) {
	err := respErr("M_UNKNOWN")
	if IsNotFound(err) || IsForbidden(err) || IsUserInUse(err) {
		t.Fatal("unknown errcode should not match any typed predicate")
	}
}

func TestErrorPredicates_SurviveWrapping(t *testing.T) {
	err := fmt.Errorf("load bridge config: %w", respErr("M_NOT_FOUND"))
	if !IsNotFound(err) {
		t.Fatal("predicate should see through fmt.Errorf wrapping")
	}
}

func TestIsAPIError_DistinguishesTransportFailures(t *testing.T) {
	if !isAPIError(respErr("M_FORBIDDEN")) {
		t.Fatal("an errcode response is an API error")
	}
	if isAPIError(mautrix.HTTPError{WrappedError: fmt.Errorf("connection refused")}) {
		t.Fatal("a transport failure must stay retryable")
	}
	if isAPIError(fmt.Errorf("plain error")) {
		t.Fatal("a non-HTTP error must stay retryable")
	}
}
