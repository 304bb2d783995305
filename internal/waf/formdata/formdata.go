// Package formdata parses submitted form bodies into a normalized,
// valid-UTF-8 field map and computes content hashes and submission
// fingerprints over it.
package formdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// Content types inspected by default.
const (
	ContentTypeForm      = "application/x-www-form-urlencoded"
	ContentTypeMultipart = "multipart/form-data"
	ContentTypeJSON      = "application/json"
)

const maxMultipartMemory = 1 << 20 // field values only, files are skipped

// Form is a parsed submission. Values holds every occurrence of a
// field; Order preserves first-seen field order for reconstruction.
type Form struct {
	Values map[string][]string
	Order  []string
}

// NewForm returns an empty form.
func NewForm() *Form {
	return &Form{Values: make(map[string][]string)}
}

// Get returns the first value of a field, or "".
func (f *Form) Get(name string) string {
	if vs := f.Values[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the field is present.
func (f *Form) Has(name string) bool {
	_, ok := f.Values[name]
	return ok
}

// Len returns the number of distinct fields.
func (f *Form) Len() int {
	return len(f.Values)
}

func (f *Form) add(name, value string) {
	if _, ok := f.Values[name]; !ok {
		f.Order = append(f.Order, name)
	}
	f.Values[name] = append(f.Values[name], value)
}

// Remove deletes a field, preserving the order of the rest.
func (f *Form) Remove(name string) {
	if _, ok := f.Values[name]; !ok {
		return
	}
	delete(f.Values, name)
	for i, n := range f.Order {
		if n == name {
			f.Order = append(f.Order[:i], f.Order[i+1:]...)
			break
		}
	}
}

// EncodeURLValues serializes the form back to urlencoded format, used
// when unexpected fields are filtered before forwarding.
func (f *Form) EncodeURLValues() string {
	var b strings.Builder
	for _, name := range f.Order {
		for _, v := range f.Values[name] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Parse decodes a request body into a form. contentType is the full
// header value including parameters; contentEncoding handles gzipped
// bodies. A body that cannot be parsed yields an error and the caller
// treats the request as having no form fields.
func Parse(body []byte, contentType, contentEncoding string) (*Form, error) {
	if strings.EqualFold(contentEncoding, "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("content type %q: %w", contentType, err)
	}

	switch {
	case mediaType == ContentTypeForm:
		return parseURLEncoded(body, params["charset"])
	case mediaType == ContentTypeMultipart:
		return parseMultipart(body, params["boundary"])
	case mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json"):
		return parseJSON(body)
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func parseURLEncoded(body []byte, cs string) (*Form, error) {
	// Percent-encoding wraps bytes of the declared charset, so
	// conversion happens per value after unescaping.
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("urlencoded body: %w", err)
	}

	form := NewForm()
	// ParseQuery loses field order; re-scan the raw body for it
	for _, pair := range strings.Split(string(body), "&") {
		name := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			name = pair[:idx]
		}
		unescaped, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		vs, ok := values[unescaped]
		if !ok {
			continue
		}
		fieldName, err := toUTF8(unescaped, cs)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			converted, err := toUTF8(v, cs)
			if err != nil {
				return nil, err
			}
			form.add(fieldName, converted)
		}
		delete(values, unescaped)
	}
	return form, nil
}

func toUTF8(s, cs string) (string, error) {
	decoded, err := decodeCharset([]byte(s), cs)
	if err != nil {
		return "", err
	}
	return SanitizeUTF8(string(decoded)), nil
}

func parseMultipart(body []byte, boundary string) (*Form, error) {
	if boundary == "" {
		return nil, fmt.Errorf("multipart body without boundary")
	}

	form := NewForm()
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("multipart body: %w", err)
		}
		if part.FileName() != "" || part.FormName() == "" {
			// file uploads are not inspected
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxMultipartMemory))
		if err != nil {
			return nil, fmt.Errorf("multipart part %q: %w", part.FormName(), err)
		}
		form.add(part.FormName(), SanitizeUTF8(string(value)))
	}
	return form, nil
}

// decodeCharset converts a body to UTF-8 using the declared charset.
// Unknown charsets fall back to treating the body as UTF-8.
func decodeCharset(body []byte, cs string) ([]byte, error) {
	if cs == "" || strings.EqualFold(cs, "utf-8") {
		return body, nil
	}
	enc, _ := charset.Lookup(cs)
	if enc == nil {
		return body, nil
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", cs, err)
	}
	return decoded, nil
}

// parseJSON flattens a top-level JSON object into form fields. Scalar
// values are stringified; nested objects and arrays are kept as their
// compact JSON text so keyword defenses still see the content.
func parseJSON(body []byte) (*Form, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("json body: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	form := NewForm()
	for _, name := range names {
		var s string
		if err := json.Unmarshal(raw[name], &s); err != nil {
			s = string(raw[name])
		}
		form.add(name, SanitizeUTF8(s))
	}
	return form, nil
}

// SanitizeUTF8 replaces bytes that do not form valid UTF-8 with "_".
// Defense handlers rely on every value being valid UTF-8.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '�' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ContentHash computes the xxhash of the configured hash fields,
// joined in sorted field order. Returns "" when no configured field is
// present.
func ContentHash(form *Form, fields []string) string {
	if form == nil || len(fields) == 0 {
		return ""
	}

	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	var b strings.Builder
	found := false
	for _, name := range sorted {
		if !form.Has(name) {
			continue
		}
		found = true
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(strings.TrimSpace(form.Get(name))))
		b.WriteByte('\n')
	}
	if !found {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// Fingerprint computes a submission fingerprint from the signals a
// fingerprint profile selects: configured form fields, client IP, and
// user agent.
func Fingerprint(form *Form, fields []string, includeIP bool, clientIP string, includeUA bool, userAgent string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	var b strings.Builder
	for _, name := range sorted {
		b.WriteString(name)
		b.WriteByte('=')
		if form != nil {
			b.WriteString(strings.ToLower(strings.TrimSpace(form.Get(name))))
		}
		b.WriteByte('\n')
	}
	if includeIP {
		b.WriteString("ip=")
		b.WriteString(clientIP)
		b.WriteByte('\n')
	}
	if includeUA {
		b.WriteString("ua=")
		b.WriteString(userAgent)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}
