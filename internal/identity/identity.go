// Package identity provides canonical serialization and hashing for every
// identity-bearing structure in gluegate (run identity, cover identity,
// witness cores). Identical canonical input bytes always yield identical
// digests: no timestamps, no random salts, no map-iteration order leaks.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DigestPrefix versions the digest scheme. Bump only with a policy change,
// since digests are compared as opaque strings.
const DigestPrefix = "dg1:"

// Value is the canonical value model. Only these kinds may appear in
// identity material:
//   - string
//   - int64 (and int, widened)
//   - bool
//   - []Value (order-significant list)
//   - map[string]Value (encoded with sorted keys)
//
// Floating point is rejected outright; its encoding is implementation
// dependent and it has no business inside identity material.
type Value interface{}

// ErrUnsupportedValue wraps the offending value kind.
type ErrUnsupportedValue struct {
	Kind string
}

func (e *ErrUnsupportedValue) Error() string {
	return fmt.Sprintf("identity: unsupported value kind %q in identity material", e.Kind)
}

// CanonicalBytes encodes v into the byte-stable canonical form.
//
// Encoding:
//
//	string     s:<len>:<bytes>
//	int64      i:<decimal>;
//	bool       b:0; or b:1;
//	list       l:<n>[<elem>...];
//	map        m:<n>[<key-as-string><value>...];  keys sorted bytewise
//
// Length prefixes make the encoding prefix-free, so concatenated fields
// cannot collide by resegmentation.
func CanonicalBytes(v Value) ([]byte, error) {
	var sb strings.Builder
	if err := encode(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func encode(sb *strings.Builder, v Value) error {
	switch t := v.(type) {
	case string:
		encodeString(sb, t)
	case int:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(int64(t), 10))
		sb.WriteString(";")
	case int64:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(t, 10))
		sb.WriteString(";")
	case bool:
		if t {
			sb.WriteString("b:1;")
		} else {
			sb.WriteString("b:0;")
		}
	case []Value:
		sb.WriteString("l:")
		sb.WriteString(strconv.Itoa(len(t)))
		sb.WriteString("[")
		for _, elem := range t {
			if err := encode(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteString("]")
	case map[string]Value:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("m:")
		sb.WriteString(strconv.Itoa(len(t)))
		sb.WriteString("[")
		for _, k := range keys {
			encodeString(sb, k)
			if err := encode(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteString("]")
	case float32, float64:
		return &ErrUnsupportedValue{Kind: "float"}
	case nil:
		return &ErrUnsupportedValue{Kind: "nil"}
	default:
		return &ErrUnsupportedValue{Kind: fmt.Sprintf("%T", v)}
	}
	return nil
}

func encodeString(sb *strings.Builder, s string) {
	sb.WriteString("s:")
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteString(":")
	sb.WriteString(s)
}

// Digest canonicalizes v and hashes it.
func Digest(v Value) (string, error) {
	raw, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(raw), nil
}

// DigestBytes hashes already-canonical bytes. Callers that manage their own
// canonical form (opaque adapter payloads) use this directly.
func DigestBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// IsDigest reports whether s looks like a digest produced by this package.
func IsDigest(s string) bool {
	if !strings.HasPrefix(s, DigestPrefix) {
		return false
	}
	hexPart := s[len(DigestPrefix):]
	if len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
