// Package canonical produces the deterministic byte form shared by record
// hashing, encryption and signing.
//
// The encoding is JSON with object keys sorted at every depth, no
// insignificant whitespace and no HTML escaping. Integers of any magnitude are
// emitted exactly; numbers with a fraction or exponent are emitted in the
// shortest float64 form that round-trips. The same logical payload always
// yields the same bytes regardless of the Go type that carried it.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
)

// ErrMalformedPayload is returned when a payload cannot be canonicalized or
// canonical bytes cannot be decoded back into a value.
var ErrMalformedPayload = errors.New("malformed payload")

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical bytes into v. Numbers decoded into an
// interface become json.Number, so they re-marshal without loss.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after value", ErrMalformedPayload)
	}
	return nil
}

func encode(buf *bytes.Buffer, v any) error {
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
		n, err := normalizeNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		return encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
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
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported value of type %T", ErrMalformedPayload, v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// Encoder appends a trailing newline.
	buf.Write(bytes.TrimSuffix(sb.Bytes(), []byte{'\n'}))
	return nil
}

// normalizeNumber emits integer literals exactly, at any magnitude, and
// rewrites fractions and exponents in the shortest float64 form, so 1.50 and
// 1.5 hash identically.
func normalizeNumber(n json.Number) (string, error) {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		i, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return "", fmt.Errorf("%w: number %q", ErrMalformedPayload, lit)
		}
		return i.String(), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("%w: number %q: %v", ErrMalformedPayload, n, err)
	}
	out, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("%w: number %q: %v", ErrMalformedPayload, n, err)
	}
	return string(out), nil
}
