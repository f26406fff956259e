package fetch

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// Response wraps http.Response with a cached body and status helpers.
//
// The body stream is read at most once. Body, String and Decode all serve
// from the same cached bytes, so they can be called in any order.
//
// Example usage:
//
//	resp, err := client.Get("/users").Run(ctx)
//	if err != nil {
//	    return err
//	}
//	var users []User
//	if err := resp.Decode(&users); err != nil {
//	    return err
//	}
type Response struct {
	// Response embeds the standard http.Response.
	// All http.Response fields are accessible directly.
	//
	// Example: resp.StatusCode, resp.Header.Get("Content-Type")
	*http.Response

	// request is the request that produced this response.
	request *http.Request

	// body is the cached response body, populated on first read.
	body []byte

	// bodyRead tracks whether the body stream has been drained.
	bodyRead bool
}

// NewResponse wraps resp. req may be nil, in which case resp.Request is used.
func NewResponse(resp *http.Response, req *http.Request) *Response {
	if req == nil {
		req = resp.Request
	}
	return &Response{Response: resp, request: req}
}

// Request returns the request that produced this response.
func (r *Response) Request() *http.Request {
	return r.request
}

// Body returns the response body as bytes.
//
// The body is read and cached on first access. Subsequent calls
// return the cached value.
func (r *Response) Body() ([]byte, error) {
	if r.bodyRead {
		return r.body, nil
	}
	if r.Response.Body == nil {
		r.bodyRead = true
		return nil, nil
	}

	defer r.Response.Body.Close()
	body, err := io.ReadAll(r.Response.Body)
	if err != nil {
		return nil, err
	}

	r.body = body
	r.bodyRead = true
	return r.body, nil
}

// String returns the response body as a string.
func (r *Response) String() (string, error) {
	body, err := r.Body()
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Decode reads the body and decodes it into target, using XML for XML
// content types and JSON otherwise.
func (r *Response) Decode(target any) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	return decodeBody(body, r.Header.Get("Content-Type"), target)
}

// IsSuccess returns true if the response status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// Clone buffers the body and returns an independent copy of the response
// whose body can be streamed again.
func (r *Response) Clone() (*Response, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}

	httpResp := *r.Response
	httpResp.Header = r.Header.Clone()
	httpResp.Body = io.NopCloser(bytes.NewReader(body))
	return &Response{Response: &httpResp, request: r.request}, nil
}

// decodeBody decodes the body based on content type.
func decodeBody(body []byte, contentType string, target any) error {
	isXML := strings.Contains(contentType, "application/xml") ||
		strings.Contains(contentType, "text/xml")
	if isXML {
		return xml.Unmarshal(body, target)
	}
	return json.Unmarshal(body, target)
}
