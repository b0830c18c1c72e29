package util

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	gstr "github.com/savsgio/gotils/strconv"
)

// Hash will take one or more values and return a xxhash calculated value for the input
func Hash(vals ...interface{}) string {
	h := xxhash.New()
	for _, v := range vals {
		h.Write(gstr.S2B(fmt.Sprintf("%+v", v)))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashValue returns a structural hash of a decoded JSON-like value. Two values hash the same
// when they are deeply equal regardless of map ordering or numeric representation.
func HashValue(v any) uint64 {
	h := xxhash.New()
	writeCanonical(h, v)
	return h.Sum64()
}

type stringWriter interface {
	WriteString(s string) (int, error)
}

func writeCanonical(w stringWriter, v any) {
	switch t := v.(type) {
	case nil:
		w.WriteString("n")
	case bool:
		if t {
			w.WriteString("t")
		} else {
			w.WriteString("f")
		}
	case string:
		w.WriteString("s")
		w.WriteString(strconv.Quote(t))
	case time.Time:
		w.WriteString("s")
		w.WriteString(strconv.Quote(t.UTC().Format(time.RFC3339Nano)))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.WriteString("{")
		for _, k := range keys {
			w.WriteString(strconv.Quote(k))
			w.WriteString(":")
			writeCanonical(w, t[k])
			w.WriteString(",")
		}
		w.WriteString("}")
	case []any:
		w.WriteString("[")
		for _, item := range t {
			writeCanonical(w, item)
			w.WriteString(",")
		}
		w.WriteString("]")
	case []string:
		w.WriteString("[")
		for _, item := range t {
			writeCanonical(w, item)
			w.WriteString(",")
		}
		w.WriteString("]")
	default:
		if f, ok := toNumber(v); ok {
			w.WriteString("d")
			w.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			return
		}
		// anything else goes through json so named map and slice types still compare structurally
		buf, err := json.Marshal(v)
		if err != nil {
			w.WriteString(fmt.Sprintf("?%+v", v))
			return
		}
		var decoded any
		if err := json.Unmarshal(buf, &decoded); err != nil {
			w.WriteString("?" + string(buf))
			return
		}
		writeCanonical(w, decoded)
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
