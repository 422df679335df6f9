package ir

import (
	"encoding/json"
	"fmt"
)

// Operation names the mutation a transform describes.
type Operation string

const (
	OpSetValue     Operation = "set-value"
	OpNodeInserted Operation = "node-inserted"
	OpNodeRemoved  Operation = "node-removed"
)

// ValidOperations lists the operations a wire transform may carry.
var ValidOperations = map[Operation]bool{
	OpSetValue:     true,
	OpNodeInserted: true,
	OpNodeRemoved:  true,
}

// TransformState is the commit state of a transform.
type TransformState string

const (
	StateNone    TransformState = "none"
	StatePending TransformState = "pending"
	StateSuccess TransformState = "success"
	StateFailed  TransformState = "failed"
)

// TransformRecord is the wire form of a transform. It is the payload
// committed to a remote store and the only externally interchanged
// structure the engine defines.
type TransformRecord struct {
	Operation      Operation
	AppContext     string
	TreeName       string
	NodeIdentifier string
	Value          Value
	Args           Object
	GUID           string
}

type transformRecordJSON struct {
	Operation      Operation       `json:"operation"`
	AppContext     *string         `json:"appContext"`
	TreeName       *string         `json:"treeName"`
	NodeIdentifier *string         `json:"nodeIdentifier"`
	Value          json.RawMessage `json:"value"`
	Args           Object          `json:"args"`
	GUID           string          `json:"guid"`
}

// MarshalJSON emits {operation, appContext, treeName, nodeIdentifier,
// value, args, guid}. Empty string fields encode as null.
func (r TransformRecord) MarshalJSON() ([]byte, error) {
	val, err := MarshalValue(r.Value)
	if err != nil {
		return nil, fmt.Errorf("transform %s value: %w", r.GUID, err)
	}
	args := r.Args
	if args == nil {
		args = Object{}
	}
	return json.Marshal(transformRecordJSON{
		Operation:      r.Operation,
		AppContext:     nullable(r.AppContext),
		TreeName:       nullable(r.TreeName),
		NodeIdentifier: nullable(r.NodeIdentifier),
		Value:          val,
		Args:           args,
		GUID:           r.GUID,
	})
}

// UnmarshalJSON implements json.Unmarshaler for TransformRecord.
func (r *TransformRecord) UnmarshalJSON(data []byte) error {
	var raw transformRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !ValidOperations[raw.Operation] {
		return fmt.Errorf("unknown transform operation %q", raw.Operation)
	}

	var val Value = Null{}
	if len(raw.Value) > 0 {
		v, err := UnmarshalValue(raw.Value)
		if err != nil {
			return fmt.Errorf("transform value: %w", err)
		}
		val = v
	}

	*r = TransformRecord{
		Operation:      raw.Operation,
		AppContext:     deref(raw.AppContext),
		TreeName:       deref(raw.TreeName),
		NodeIdentifier: deref(raw.NodeIdentifier),
		Value:          val,
		Args:           raw.Args,
		GUID:           raw.GUID,
	}
	return nil
}

// ArgInt reads an integer argument, reporting whether it was present.
func (r TransformRecord) ArgInt(key string) (int, bool) {
	v, ok := r.Args[key].(Int)
	return int(v), ok
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
