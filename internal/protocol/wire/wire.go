// Package wire holds helpers shared by the protocol codecs: tolerant JSON
// reads over gjson results, data URL handling, and stream event framing.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

// Raw returns a compacted copy of the JSON behind r, or nil if r is absent.
func Raw(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Raw == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(r.Raw)); err != nil {
		return json.RawMessage(r.Raw)
	}
	return json.RawMessage(buf.Bytes())
}

// OptInt reads an integer, returning nil when the field is absent or not a number.
func OptInt(r gjson.Result) *int {
	if r.Type != gjson.Number {
		return nil
	}
	v := int(r.Int())
	return &v
}

func OptFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

func OptBool(r gjson.Result) *bool {
	if !r.IsBool() {
		return nil
	}
	v := r.Bool()
	return &v
}

// Strings reads a string or an array of strings.
func Strings(r gjson.Result) []string {
	if r.Type == gjson.String {
		return []string{r.String()}
	}
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if v.Type == gjson.String {
			out = append(out, v.String())
		}
	}
	return out
}

// StringMap reads a flat object of string values.
func StringMap(r gjson.Result) map[string]string {
	if !r.IsObject() {
		return nil
	}
	out := make(map[string]string)
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.String()
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseDataURL splits "data:<mime>;base64,<data>". ok is false for other URLs.
func ParseDataURL(u string) (mime, data string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(u, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	return mime, payload, true
}

// DataURL formats inline media as a data URL.
func DataURL(mime, data string) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + data
}

// ImageFromURL builds an image part from a URL that may be a data URL.
func ImageFromURL(u, detail string) ir.Part {
	if mime, data, ok := ParseDataURL(u); ok {
		return ir.Part{Type: ir.PartImage, Source: ir.SourceData, Data: data, MimeType: mime, Detail: detail}
	}
	return ir.Part{Type: ir.PartImage, Source: ir.SourceURL, Data: u, Detail: detail}
}

// ImageURL renders an image part back to a URL string.
func ImageURL(p ir.Part) string {
	if p.Source == ir.SourceData {
		return DataURL(p.MimeType, p.Data)
	}
	return p.Data
}

// Opaque wraps an unrecognized native element for passthrough.
func Opaque(r gjson.Result, origin string) ir.Part {
	return ir.Part{Type: ir.PartOpaque, Raw: Raw(r), Origin: origin}
}

// Event is one server-sent event. An empty Name emits a bare data line.
type Event struct {
	Name string
	Data []byte
}

// Encode renders the event in text/event-stream framing.
func (e Event) Encode() []byte {
	var buf bytes.Buffer
	if e.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(e.Name)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(e.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Marshal is json.Marshal without HTML escaping, so payload text survives
// byte-for-byte.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
