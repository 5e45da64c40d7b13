package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle stage of one exchange.
type State int

const (
	// StateSent means the request is being written to the child.
	StateSent State = iota
	// StateBuffering means the request was written and the exchange waits
	// for its response.
	StateBuffering
	// StateComplete means a response was delivered.
	StateComplete
	// StateFailed means the exchange ended with an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateBuffering:
		return "buffering"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StateComplete || s == StateFailed }

type result struct {
	resp json.RawMessage
	err  error
}

// exchange pairs one request with one child response. All fields except
// done are guarded by the Bridge mutex.
type exchange struct {
	// key is the correlation key of the id on the wire; empty for requests
	// that carry no object id (batches, scalars).
	key string
	// callerID is the id the caller sent, restored on the response when the
	// bridge substituted its own id.
	callerID    json.RawMessage
	substituted bool
	state       State
	started     time.Time
	att         *attachment
	done        chan result
}

// request is a payload prepared for the wire.
type request struct {
	line         []byte
	fields       map[string]json.RawMessage
	id           json.RawMessage
	key          string
	notification bool
}

// prepare compacts payload and extracts its id. Objects without an id
// member are notifications.
func prepare(payload json.RawMessage) (*request, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrSerialization)
	}
	r := &request{}
	compact := buf.Bytes()
	if compact[0] == '{' {
		if err := json.Unmarshal(compact, &r.fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		id, ok := r.fields["id"]
		if !ok {
			r.notification = true
		} else {
			r.id = id
			r.key = correlationKey(id)
		}
	}
	r.line = append(compact, '\n')
	return r, nil
}

// correlationKey canonicalizes a JSON-RPC id. Only strings and numbers are
// usable; anything else yields "".
func correlationKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return "s:" + s
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var f float64
		if json.Unmarshal(raw, &f) == nil {
			return "n:" + strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return ""
}
