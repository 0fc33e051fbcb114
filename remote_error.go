package gridshell

import (
	"encoding/json"
	"fmt"
)

// RemoteErrorKind discriminates the three shapes the peer's error reports
// arrive in. The shapes are deliberately not normalized; the variant preserves
// exactly what arrived.
type RemoteErrorKind int

const (
	// RemoteErrorMessage is a plain string report.
	RemoteErrorMessage RemoteErrorKind = iota
	// RemoteErrorException is an exception-like object report.
	RemoteErrorException
	// RemoteErrorCoded is a structured (id, code, message) triple.
	RemoteErrorCoded
)

// String returns the kind name.
func (k RemoteErrorKind) String() string {
	switch k {
	case RemoteErrorException:
		return "exception"
	case RemoteErrorCoded:
		return "coded"
	default:
		return "message"
	}
}

// RemoteError is a peer-reported error. Remote errors are informational
// events; they do not by themselves close the transport.
type RemoteError struct {
	Kind    RemoteErrorKind
	ID      int64
	Code    int64
	Message string
	// Raw preserves the decoded arguments exactly as they arrived.
	Raw []any
}

func (e *RemoteError) Error() string {
	switch e.Kind {
	case RemoteErrorCoded:
		return fmt.Sprintf("peer error %d (id %d): %s", e.Code, e.ID, e.Message)
	case RemoteErrorException:
		return fmt.Sprintf("peer exception: %s", e.Message)
	default:
		return fmt.Sprintf("peer error: %s", e.Message)
	}
}

// ParseRemoteError classifies a decoded error record's arguments by shape:
// two leading numeric fields followed by a message form a Coded triple, an
// object carrying a message key is an Exception, anything else is a plain
// Message.
func ParseRemoteError(args []any) *RemoteError {
	re := &RemoteError{Raw: args}

	if len(args) >= 3 {
		id, idOK := toInt64(args[0])
		code, codeOK := toInt64(args[1])
		if idOK && codeOK {
			re.Kind = RemoteErrorCoded
			re.ID = id
			re.Code = code
			re.Message = stringify(args[2])
			return re
		}
	}

	if len(args) >= 1 {
		if obj, ok := args[0].(map[string]any); ok {
			if msg, ok := obj["message"]; ok {
				re.Kind = RemoteErrorException
				re.Message = stringify(msg)
				return re
			}
		}
		re.Kind = RemoteErrorMessage
		re.Message = stringify(args[0])
	}
	return re
}

func toInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), n == float64(int64(n))
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func stringify(value any) string {
	switch s := value.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	}
}
