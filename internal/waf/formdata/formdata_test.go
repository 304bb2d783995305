package formdata

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURLEncoded(t *testing.T) {
	body := []byte("name=Alice&email=a%40example.com&tags=x&tags=y")
	form, err := Parse(body, ContentTypeForm, "")
	require.NoError(t, err)

	assert.Equal(t, "Alice", form.Get("name"))
	assert.Equal(t, "a@example.com", form.Get("email"))
	assert.Equal(t, []string{"x", "y"}, form.Values["tags"])
	assert.Equal(t, []string{"name", "email", "tags"}, form.Order)
}

func TestParseMultipart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("subject", "hello"))
	require.NoError(t, w.WriteField("message", "world"))
	fw, err := w.CreateFormFile("upload", "a.bin")
	require.NoError(t, err)
	fw.Write([]byte{0x00, 0x01})
	require.NoError(t, w.Close())

	form, err := Parse(buf.Bytes(), w.FormDataContentType(), "")
	require.NoError(t, err)

	assert.Equal(t, "hello", form.Get("subject"))
	assert.Equal(t, "world", form.Get("message"))
	// file parts are not form fields
	assert.False(t, form.Has("upload"))
}

func TestParseJSON(t *testing.T) {
	body := []byte(`{"name":"Bob","count":3,"nested":{"a":1},"ok":true}`)
	form, err := Parse(body, "application/json; charset=utf-8", "")
	require.NoError(t, err)

	assert.Equal(t, "Bob", form.Get("name"))
	assert.Equal(t, "3", form.Get("count"))
	assert.Equal(t, `{"a":1}`, form.Get("nested"))
	assert.Equal(t, "true", form.Get("ok"))
}

func TestParseGzipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("name=zipped"))
	require.NoError(t, zw.Close())

	form, err := Parse(buf.Bytes(), ContentTypeForm, "gzip")
	require.NoError(t, err)
	assert.Equal(t, "zipped", form.Get("name"))
}

func TestParseCharsetConversion(t *testing.T) {
	// "café" in ISO-8859-1: e9 is the latin-1 e-acute
	body := []byte("name=caf%E9")
	form, err := Parse(body, ContentTypeForm+"; charset=iso-8859-1", "")
	require.NoError(t, err)
	assert.Equal(t, "café", form.Get("name"))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("x"), "text/plain", "")
	assert.Error(t, err)

	_, err = Parse([]byte("{broken"), ContentTypeJSON, "")
	assert.Error(t, err)

	_, err = Parse([]byte("not gzip"), ContentTypeForm, "gzip")
	assert.Error(t, err)
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "clean", SanitizeUTF8("clean"))
	assert.Equal(t, "a_b", SanitizeUTF8("a\xffb"))
	assert.Equal(t, "héllo", SanitizeUTF8("héllo"))
}

func TestRemovePreservesOrder(t *testing.T) {
	form := NewForm()
	form.add("a", "1")
	form.add("b", "2")
	form.add("c", "3")

	form.Remove("b")
	assert.Equal(t, []string{"a", "c"}, form.Order)
	assert.False(t, form.Has("b"))

	assert.Equal(t, "a=1&c=3", form.EncodeURLValues())
}

func TestContentHash(t *testing.T) {
	form := NewForm()
	form.add("message", "Buy now")
	form.add("email", "x@example.com")

	h1 := ContentHash(form, []string{"message", "email"})
	require.NotEmpty(t, h1)
	assert.Len(t, h1, 16)

	// field order in config must not change the hash
	h2 := ContentHash(form, []string{"email", "message"})
	assert.Equal(t, h1, h2)

	// value case and padding are normalized
	form2 := NewForm()
	form2.add("message", "  buy NOW ")
	form2.add("email", "X@EXAMPLE.COM")
	assert.Equal(t, h1, ContentHash(form2, []string{"message", "email"}))

	// none of the configured fields present
	assert.Empty(t, ContentHash(form, []string{"absent"}))
	assert.Empty(t, ContentHash(form, nil))
}

func TestFingerprint(t *testing.T) {
	form := NewForm()
	form.add("email", "a@example.com")

	fp1 := Fingerprint(form, []string{"email"}, true, "203.0.113.7", true, "curl/8")
	fp2 := Fingerprint(form, []string{"email"}, true, "203.0.113.7", true, "curl/8")
	assert.Equal(t, fp1, fp2)

	fp3 := Fingerprint(form, []string{"email"}, true, "203.0.113.8", true, "curl/8")
	assert.NotEqual(t, fp1, fp3)

	fp4 := Fingerprint(form, []string{"email"}, false, "", false, "")
	assert.NotEqual(t, fp1, fp4)
	assert.NotEmpty(t, fp4)
}
