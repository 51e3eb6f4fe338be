// Package canonicalize provides the canonical JSON serialization used for
// every content hash in the gateway: object keys sorted lexicographically,
// compact separators, and all non-ASCII characters escaped as \uXXXX so the
// byte form is stable across hosts and locales.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"
)

// JSON returns the canonical JSON representation of v.
//
// Key features:
//  1. Map keys are sorted lexicographically by UTF-8 bytes.
//  2. No insignificant whitespace ("," and ":" separators only).
//  3. Strings are ASCII-escaped: every rune above U+007E becomes \uXXXX
//     (surrogate pairs above the BMP); HTML characters are NOT escaped.
//  4. Numbers are preserved exactly when passed as json.Number.
func JSON(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON (standard), then decode to interface{}
	// with UseNumber, then recursively marshal. This respects json tags but
	// overrides formatting, ordering and escaping.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation of v.
func Hash(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// String returns the canonical form as a string.
func String(v interface{}) (string, error) {
	data, err := JSON(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeEscapedString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeEscapedString(buf, k)
			buf.WriteByte(':')
			if err := marshalRecursive(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteByte(byte(r))
		case r > 0xffff:
			// Outside the BMP: encode as a UTF-16 surrogate pair.
			r1, r2 := utf16.EncodeRune(r)
			writeHexEscape(buf, r1)
			writeHexEscape(buf, r2)
		default:
			if r == utf8.RuneError {
				// Invalid UTF-8 input bytes collapse to the replacement
				// character, matching encoding/json.
				writeHexEscape(buf, utf8.RuneError)
				continue
			}
			writeHexEscape(buf, r)
		}
	}
	buf.WriteByte('"')
}

func writeHexEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
