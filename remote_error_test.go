package gridshell

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRemoteErrorCodedTriple(t *testing.T) {
	re := ParseRemoteError([]any{json.Number("1"), json.Number("2104"), "Market data farm connection is OK"})

	assert.Equal(t, RemoteErrorCoded, re.Kind)
	assert.Equal(t, int64(1), re.ID)
	assert.Equal(t, int64(2104), re.Code)
	assert.Equal(t, "Market data farm connection is OK", re.Message)
	assert.Equal(t, "peer error 2104 (id 1): Market data farm connection is OK", re.Error())
}

func TestParseRemoteErrorCodedRequiresIntegralLeaders(t *testing.T) {
	// A fractional leading field is not an (id, code, message) triple.
	re := ParseRemoteError([]any{json.Number("1.5"), json.Number("2104"), "oops"})
	assert.Equal(t, RemoteErrorMessage, re.Kind)
}

func TestParseRemoteErrorException(t *testing.T) {
	raw := map[string]any{
		"message": "java.lang.NullPointerException",
		"stack":   "at com.peer.OrderRouter.route",
	}
	re := ParseRemoteError([]any{raw})

	assert.Equal(t, RemoteErrorException, re.Kind)
	assert.Equal(t, "java.lang.NullPointerException", re.Message)
	assert.Equal(t, "peer exception: java.lang.NullPointerException", re.Error())
	// The raw arguments survive untouched.
	assert.Equal(t, []any{raw}, re.Raw)
}

func TestParseRemoteErrorObjectWithoutMessageKey(t *testing.T) {
	re := ParseRemoteError([]any{map[string]any{"detail": "boom"}})

	assert.Equal(t, RemoteErrorMessage, re.Kind)
	assert.JSONEq(t, `{"detail":"boom"}`, re.Message)
}

func TestParseRemoteErrorPlainMessage(t *testing.T) {
	re := ParseRemoteError([]any{"could not connect to order router"})

	assert.Equal(t, RemoteErrorMessage, re.Kind)
	assert.Equal(t, "peer error: could not connect to order router", re.Error())
}

func TestParseRemoteErrorEmptyArgs(t *testing.T) {
	re := ParseRemoteError(nil)

	assert.Equal(t, RemoteErrorMessage, re.Kind)
	assert.Equal(t, "", re.Message)
}
