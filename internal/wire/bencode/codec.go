// Package bencode wraps the bencoded dict/list encoding used by the peer
// RPC surface and the monitor.messages subscription protocol. No example
// in the reference corpus exercises bencode directly; this package wraps
// github.com/zeebo/bencode, a standalone, dependency-free implementation
// of the same wire format BitTorrent and the overlay's peer bus use.
package bencode

import (
	"bytes"

	"github.com/zeebo/bencode"
)

// Marshal encodes v (a map[string]any, []any, string, []byte, or integer,
// or any combination thereof) as a bencoded dict/list. Map keys are
// sorted lexicographically by the underlying encoder, matching the wire
// contract's "ascii-sorted" requirement for dict keys.
func Marshal(v any) ([]byte, error) {
	return bencode.EncodeBytes(v)
}

// Unmarshal decodes a bencoded value into v, following the same
// conventions as encoding/json.Unmarshal.
func Unmarshal(data []byte, v any) error {
	return bencode.DecodeBytes(data, v)
}

// Dict is the generic decoded shape for a bencoded dict whose exact field
// set is not known in advance (e.g. a monitor.messages registration that
// carries either p or P).
type Dict map[string]any

// DecodeDict decodes a single bencoded dict value from data.
func DecodeDict(data []byte) (Dict, error) {
	var d Dict
	dec := bencode.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return d, nil
}

// String reads a dict field as a string, returning ok=false if absent or
// of the wrong type. Byte-string fields decode to Go string; callers
// needing raw bytes should use Bytes.
func (d Dict) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

func (d Dict) Bytes(key string) ([]byte, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

func (d Dict) Int(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

func (d Dict) List(key string) ([]any, bool) {
	v, ok := d[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// Bool reads a dict field as a 0/1 integer, the convention the wire
// contract uses for boolean flags (e.g. monitor.messages' "d" field).
func (d Dict) Bool(key string) (bool, bool) {
	n, ok := d.Int(key)
	if !ok {
		return false, false
	}
	return n != 0, true
}
