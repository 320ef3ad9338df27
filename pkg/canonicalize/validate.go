package canonicalize

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// maxSafeInteger is 2^53, the largest magnitude an IEEE-754 double holds exactly.
const maxSafeInteger = 1 << 53

const maxDepth = 512

var (
	marshalerType     = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	numberType        = reflect.TypeOf(json.Number(""))
)

// validate walks v and rejects anything encoding/json would silently coerce
// (invalid UTF-8, integers beyond float64 precision) or cannot encode at all.
// Types with their own MarshalJSON are trusted.
func validate(v any) error {
	return walk(reflect.ValueOf(v), "$", 0)
}

func walk(v reflect.Value, path string, depth int) error {
	if !v.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return &UnsupportedTypeError{Path: path, Reason: "nesting too deep or cyclic"}
	}
	if v.Type().Implements(marshalerType) {
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return checkInteger(strconv.FormatInt(v.Int(), 10), path)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return checkInteger(strconv.FormatUint(v.Uint(), 10), path)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &UnsupportedTypeError{Path: path, Reason: "NaN or Inf"}
		}
		return nil
	case reflect.String:
		if v.Type() == numberType {
			return checkNumber(v.String(), path)
		}
		if !utf8.ValidString(v.String()) {
			return &UnsupportedTypeError{Path: path, Reason: "invalid UTF-8"}
		}
		return nil
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path, depth+1)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte encodes as base64
			return nil
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		return walkMap(v, path, depth)
	case reflect.Struct:
		return walkStruct(v, path, depth)
	default:
		return &UnsupportedTypeError{Path: path, Reason: "type " + v.Type().String()}
	}
}

func walkMap(v reflect.Value, path string, depth int) error {
	kt := v.Type().Key()
	switch {
	case kt.Kind() == reflect.String:
	case kt.Implements(textMarshalerType):
	case kt.Kind() >= reflect.Int && kt.Kind() <= reflect.Uintptr:
	default:
		return &UnsupportedTypeError{Path: path, Reason: "map key type " + kt.String()}
	}
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		name := fmt.Sprint(k)
		if k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
			return &UnsupportedTypeError{Path: path, Reason: "invalid UTF-8 in key"}
		}
		if err := walk(iter.Value(), path+"."+name, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func walkStruct(v reflect.Value, path string, depth int) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		if opts == "string" {
			// ",string" quotes scalars, precision limits no longer apply
			continue
		}
		if err := walk(v.Field(i), path+"."+name, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// checkNumber accepts any finite JSON number. Integer literals must survive
// the trip through float64 unchanged.
func checkNumber(s, path string) error {
	if s == "" {
		return &UnsupportedTypeError{Path: path, Reason: "empty number"}
	}
	if !strings.ContainsAny(s, ".eE") {
		return checkInteger(s, path)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return &UnsupportedTypeError{Path: path, Reason: "invalid number " + strconv.Quote(s)}
	}
	return nil
}

// checkInteger accepts integers up to 2^53 in magnitude, and larger ones only
// when they are already the canonical spelling of a double (e.g. 1e20 written
// out in full). Anything else would be silently rounded.
func checkInteger(s, path string) error {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return &UnsupportedTypeError{Path: path, Reason: "invalid number " + strconv.Quote(s)}
	}
	if n.CmpAbs(big.NewInt(maxSafeInteger)) <= 0 {
		return nil
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	if canon, err := jcs.NumberToJSON(f); err == nil && canon == s {
		return nil
	}
	return &UnsupportedTypeError{Path: path, Reason: "integer " + s + " exceeds float64 precision"}
}
