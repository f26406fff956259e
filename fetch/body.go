package fetch

import (
	"bytes"
	"encoding/xml"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// replayable is implemented by request bodies that can be sent more than
// once. The terminal call asks for a fresh reader on every attempt.
type replayable interface {
	io.Reader
	replay() (io.Reader, int64, error)
}

// bufferedBody is an in-memory body. Reading it directly drains an internal
// reader; the terminal call always starts from the first byte.
type bufferedBody struct {
	*bytes.Reader
	data []byte
}

func newBufferedBody(data []byte) *bufferedBody {
	return &bufferedBody{Reader: bytes.NewReader(data), data: data}
}

func (b *bufferedBody) replay() (io.Reader, int64, error) {
	return bytes.NewReader(b.data), int64(len(b.data)), nil
}

// bodyEncodingError is an io.Reader that returns an error.
type bodyEncodingError struct {
	err error
}

func (e *bodyEncodingError) Read(_ []byte) (int, error) {
	return 0, e.err
}

func (e *bodyEncodingError) replay() (io.Reader, int64, error) {
	return nil, 0, e.err
}

// BufferBody reads an arbitrary body reader into memory so that retries and
// replays send it intact. Bodies that are already replayable are left as is.
func (o *Options) BufferBody() error {
	if o.Body == nil {
		return nil
	}
	if _, ok := o.Body.(replayable); ok {
		return nil
	}

	data, err := io.ReadAll(o.Body)
	if closer, ok := o.Body.(io.Closer); ok {
		_ = closer.Close()
	}
	if err != nil {
		return err
	}
	o.Body = newBufferedBody(data)
	return nil
}

// BodyBytes returns the body content when the body is held in memory.
func (o *Options) BodyBytes() ([]byte, bool) {
	if b, ok := o.Body.(*bufferedBody); ok {
		return b.data, true
	}
	return nil, false
}

// requestBody returns the reader the terminal call sends and its length,
// or -1 when the length is unknown.
func requestBody(body io.Reader) (io.Reader, int64, error) {
	if body == nil {
		return nil, 0, nil
	}
	if r, ok := body.(replayable); ok {
		return r.replay()
	}
	return body, -1, nil
}

// WithBody sets the request body with automatic content type detection.
//
// Encoding rules:
//   - string: raw text (Content-Type: text/plain)
//   - []byte: raw bytes (Content-Type: application/octet-stream)
//   - io.Reader: passthrough, not replayable unless buffered
//   - url.Values: form encoded (Content-Type: application/x-www-form-urlencoded)
//   - anything else: JSON (Content-Type: application/json)
//
// An explicit Content-Type header is never overwritten. Encoding failures
// are reported when the request runs.
func WithBody(v any) RequestOption {
	return func(o *Options) {
		if v == nil {
			return
		}

		var contentType string
		switch body := v.(type) {
		case string:
			o.Body = newBufferedBody([]byte(body))
			contentType = "text/plain; charset=utf-8"
		case []byte:
			o.Body = newBufferedBody(body)
			contentType = "application/octet-stream"
		case io.Reader:
			o.Body = body
		case url.Values:
			o.Body = newBufferedBody([]byte(body.Encode()))
			contentType = "application/x-www-form-urlencoded"
		default:
			data, err := json.Marshal(v)
			if err != nil {
				o.Body = &bodyEncodingError{err: err}
				return
			}
			o.Body = newBufferedBody(data)
			contentType = "application/json"
		}
		setContentTypeIfAbsent(o, contentType)
	}
}

// WithXMLBody encodes v as XML.
func WithXMLBody(v any) RequestOption {
	return func(o *Options) {
		data, err := xml.Marshal(v)
		if err != nil {
			o.Body = &bodyEncodingError{err: err}
			return
		}
		o.Body = newBufferedBody(data)
		setContentTypeIfAbsent(o, "application/xml")
	}
}

func setContentTypeIfAbsent(o *Options, contentType string) {
	if contentType == "" {
		return
	}
	if o.Header == nil {
		o.Header = make(http.Header)
	}
	if o.Header.Get("Content-Type") == "" {
		o.Header.Set("Content-Type", contentType)
	}
}

// =============================================================================
// Multipart
// =============================================================================

// FileUpload represents a file to be uploaded in a multipart request.
//
// Example - Upload from path:
//
//	resp, err := client.Post("/upload",
//	    fetch.WithMultipart(map[string]string{"title": "Q4"}, fetch.File("document", "/path/to/file.pdf")),
//	).Run(ctx)
//
// Example - Upload from reader:
//
//	fetch.FileReader("image", "photo.jpg", bytes.NewReader(imageData))
type FileUpload struct {
	// FieldName is the form field name for the file.
	//
	// Example: "document", "avatar", "attachment"
	FieldName string

	// FileName is the name of the file as it appears in the upload.
	//
	// Example: "report.pdf", "profile.jpg"
	FileName string

	// Reader provides the file content. Leave nil and set path through
	// File to have the file opened when the request first runs.
	Reader io.Reader

	path string
}

// File describes an upload read from filePath when the request first runs.
func File(fieldName, filePath string) FileUpload {
	return FileUpload{
		FieldName: fieldName,
		FileName:  filepath.Base(filePath),
		path:      filePath,
	}
}

// FileReader describes an upload read from r.
func FileReader(fieldName, fileName string, r io.Reader) FileUpload {
	return FileUpload{FieldName: fieldName, FileName: fileName, Reader: r}
}

// WithMultipart sets a multipart/form-data body made of fields and files.
//
// The form is encoded once, on first send, and replayed from memory after
// that. A file that cannot be opened fails the request.
func WithMultipart(fields map[string]string, files ...FileUpload) RequestOption {
	return func(o *Options) {
		boundary := multipart.NewWriter(io.Discard).Boundary()
		o.Body = &multipartBody{boundary: boundary, fields: fields, files: files}
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	}
}

type multipartBody struct {
	boundary string
	fields   map[string]string
	files    []FileUpload

	once sync.Once
	data []byte
	err  error
	rd   *bytes.Reader
}

func (m *multipartBody) Read(p []byte) (int, error) {
	m.once.Do(m.build)
	if m.err != nil {
		return 0, m.err
	}
	return m.rd.Read(p)
}

func (m *multipartBody) replay() (io.Reader, int64, error) {
	m.once.Do(m.build)
	if m.err != nil {
		return nil, 0, m.err
	}
	return bytes.NewReader(m.data), int64(len(m.data)), nil
}

func (m *multipartBody) build() {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if m.err = writer.SetBoundary(m.boundary); m.err != nil {
		return
	}

	for key, value := range m.fields {
		if m.err = writer.WriteField(key, value); m.err != nil {
			return
		}
	}

	for _, file := range m.files {
		if m.err = writeFormFile(writer, file); m.err != nil {
			return
		}
	}

	if m.err = writer.Close(); m.err != nil {
		return
	}
	m.data = body.Bytes()
	m.rd = bytes.NewReader(m.data)
}

func writeFormFile(writer *multipart.Writer, file FileUpload) error {
	reader := file.Reader
	if reader == nil && file.path != "" {
		f, err := os.Open(file.path)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}
	if reader == nil {
		reader = strings.NewReader("")
	}

	part, err := writer.CreateFormFile(file.FieldName, file.FileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, reader)
	return err
}
