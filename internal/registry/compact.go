package registry

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Compact projection helpers. Module formatters pick the stable essential
// keys of a provider response and emit a terse CSV-style projection; when a
// module has no per-tool formatter, CompactJSON provides a generic
// flattening so the LLM never sees raw deeply-nested JSON by default.

// CompactRows projects an array of objects to header + rows. arrayPath is a
// gjson path to the array ("" for a top-level array); fields are gjson
// paths relative to each element.
func CompactRows(raw, arrayPath string, fields ...string) string {
	arr := gjson.Parse(raw)
	if arrayPath != "" {
		arr = gjson.Get(raw, arrayPath)
	}
	if !arr.IsArray() {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.Join(fields, ","))
	arr.ForEach(func(_, item gjson.Result) bool {
		b.WriteByte('\n')
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(csvEscape(item.Get(f).String()))
		}
		return true
	})
	return b.String()
}

// CompactFields projects selected fields of a single object as "key: value"
// lines. Missing fields are omitted.
func CompactFields(raw string, fields ...string) string {
	var b strings.Builder
	for _, f := range fields {
		v := gjson.Get(raw, f)
		if !v.Exists() {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(v.String())
	}
	return b.String()
}

// CompactJSON is the generic fallback projection: scalar top-level fields
// as "key: value" lines, with arrays summarized by length.
func CompactJSON(raw string) string {
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return strings.TrimSpace(raw)
	}
	var b strings.Builder
	parsed.ForEach(func(key, value gjson.Result) bool {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(key.String())
		b.WriteString(": ")
		switch {
		case value.IsArray():
			b.WriteString("[" + strconv.Itoa(len(value.Array())) + " items]")
		case value.IsObject():
			b.WriteString(value.Raw)
		default:
			b.WriteString(value.String())
		}
		return true
	})
	return b.String()
}

func csvEscape(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}
