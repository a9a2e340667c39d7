// Package snapshot turns device readings into stable content hashes.
//
// A snapshot is serialized canonically (object keys sorted at every depth,
// array order kept, one fixed text form per primitive) and the UTF-8 bytes
// are hashed with Keccak-256, the digest the audit contract stores as bytes32.
package snapshot

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/goccy/go-json"
)

// Snapshot is one unit of source data
type Snapshot map[string]interface{}

var contentHashRegex = regexp.MustCompile("^0x[a-fA-F0-9]{64}$")

// DecodeSnapshot reads a JSON object keeping numbers as json.Number so integers never pass through float64
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("snapshot must be a JSON object")
	}
	return s, nil
}

// Canonicalize : deterministic text form of value
func Canonicalize(value interface{}) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ComputeContentHash : keccak256 of the canonical form, 0x-prefixed lowercase hex
func ComputeContentHash(s Snapshot) (string, error) {
	canonical, err := Canonicalize(map[string]interface{}(s))
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash([]byte(canonical)).Hex(), nil
}

// ParseContentHash : decode the textual content hash into the bytes32 the contract expects
func ParseContentHash(s string) ([32]byte, error) {
	var out [32]byte
	if !contentHashRegex.MatchString(s) {
		return out, fmt.Errorf("content hash %q is not 0x followed by 64 hex characters", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// NormalizeContentHash : validate and lowercase a caller-supplied content hash
func NormalizeContentHash(s string) (string, error) {
	if _, err := ParseContentHash(s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case string:
		return writeString(buf, v)
	case json.Number:
		return writeNumber(buf, v.String())
	case float64:
		return writeFloat(buf, v)
	case float32:
		return writeFloat(buf, float64(v))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		return writeObject(buf, v)
	case Snapshot:
		return writeObject(buf, v)
	default:
		return writeReflect(buf, value)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeReflect handles typed slices and string-keyed maps such as []string or map[string]float64
func writeReflect(buf *bytes.Buffer, value interface{}) error {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		items := make([]interface{}, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return writeCanonical(buf, items)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return writeObject(buf, m)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return writeCanonical(buf, rv.Elem().Interface())
	}
	return fmt.Errorf("unsupported snapshot value of type %T", value)
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.MarshalNoEscape(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v has no canonical form", f)
	}
	if f == 0 {
		buf.WriteString("0")
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		// integral values print without exponent or fraction, like JSON.stringify
		buf.WriteString(new(big.Float).SetFloat64(f).Text('f', 0))
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// writeNumber keeps integer literals exact and sends everything else through the float form
func writeNumber(buf *bytes.Buffer, lit string) error {
	if i, ok := new(big.Int).SetString(lit, 10); ok {
		buf.WriteString(i.String())
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("invalid number literal %q", lit)
	}
	return writeFloat(buf, f)
}
