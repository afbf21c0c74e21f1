// Package encoding centralizes serialization of captured change events.
// All msgpack traffic in the engine goes through Marshal/Unmarshal so that
// decoded values keep the type affinity they had at capture time.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings come back as Go strings rather than
// []byte. SQLite compares TEXT and BLOB as different types, so without this
// the identity-key lookup during replay would miss rows whose key columns are
// TEXT: the bound parameter would carry BLOB affinity and never match.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
