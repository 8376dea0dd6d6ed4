// Package protocol implements the bencode wire format spoken by nREPL
// servers: length-prefixed byte strings, i...e integers, l...e lists and
// d...e dictionaries. The codec is encoding-agnostic; byte strings
// round-trip exactly and text interpretation is left to the caller.
package protocol

import "github.com/pkg/errors"

// Operations this client sends to the server.
const (
	OpEval     = "eval"
	OpDescribe = "describe"
)

// Dict is a mapping with unique string keys that preserves insertion
// order, matching the order entries appear on the wire. Values are
// []byte, int64, []any or nested *Dict.
type Dict struct {
	keys []string
	vals map[string]any
}

// NewDict creates an empty dictionary.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]any)}
}

// Set adds an entry, replacing the value if the key already exists
// without disturbing its position. Returns d for chaining.
func (d *Dict) Set(key string, v any) *Dict {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
	return d
}

// Get returns the value for key and whether it is present.
func (d *Dict) Get(key string) (any, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// NewEvalRequest builds the request message for evaluating code.
// Key order is op then code; the server accepts either but the encoding
// must be stable so identical requests produce identical frames.
func NewEvalRequest(code string) *Dict {
	return NewDict().Set("op", OpEval).Set("code", code)
}

// NewDescribeRequest builds the request asking the server for its
// supported operations and versions.
func NewDescribeRequest() *Dict {
	return NewDict().Set("op", OpDescribe)
}

// Response is the projection of one decoded server message onto the
// fields the session folds over. A server may send any subset per
// message and split output across several messages.
type Response struct {
	Value  string
	Out    string
	Err    string
	Status []string

	// Raw is the full decoded message, for operations that carry data
	// beyond the eval fields (describe, for one).
	Raw *Dict
}

// ParseResponse projects a decoded wire value into a Response. Anything
// other than a dictionary at the top level violates the protocol.
func ParseResponse(v any) (*Response, error) {
	dict, ok := v.(*Dict)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedFrame, "expected response dictionary, got %T", v)
	}
	resp := &Response{
		Value: stringField(dict, "value"),
		Out:   stringField(dict, "out"),
		Err:   stringField(dict, "err"),
		Raw:   dict,
	}
	if sv, ok := dict.Get("status"); ok {
		list, ok := sv.([]any)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedFrame, "status must be a list, got %T", sv)
		}
		for _, item := range list {
			if s, ok := asString(item); ok {
				resp.Status = append(resp.Status, s)
			}
		}
	}
	return resp, nil
}

// Done reports whether the message carries the terminating status token.
func (r *Response) Done() bool {
	for _, s := range r.Status {
		if s == "done" {
			return true
		}
	}
	return false
}

func stringField(d *Dict, key string) string {
	v, ok := d.Get(key)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return s
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case []byte:
		return string(s), true
	case string:
		return s, true
	}
	return "", false
}
