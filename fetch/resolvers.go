package fetch

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// Resolver extracts a value from a lazy response. It typically sets the
// Accept header on r.Options(), runs r and decodes the body.
type Resolver func(ctx context.Context, r *LazyResponse) (any, error)

// Resolvers maps resolver names to resolvers.
type Resolvers map[string]Resolver

// Names of the resolvers installed by BodyResolvers.
const (
	ResolverJSON        = "json"
	ResolverText        = "text"
	ResolverArrayBuffer = "arrayBuffer"
	ResolverBlob        = "blob"
	ResolverFormData    = "formData"
)

// maxFormMemory bounds the in-memory part of a parsed multipart form.
const maxFormMemory = 32 << 20

// Blob is a binary body together with its media type.
type Blob struct {
	Type string
	Data []byte
}

// Size returns the number of bytes in the blob.
func (b *Blob) Size() int {
	return len(b.Data)
}

// BodyResolvers installs the json, text, arrayBuffer, blob and formData
// resolvers. Each one sets Accept (application/json, text/*, */*, */*,
// multipart/form-data respectively) before running the request.
func BodyResolvers() Plugin {
	return Define(PluginInfo{Name: CapabilityBodyResolvers}, func(c *Client) *Client {
		return c.WithResolvers(Resolvers{
			ResolverJSON: AcceptResolver("application/json", func(resp *Response) (any, error) {
				body, err := resp.Body()
				if err != nil {
					return nil, err
				}
				return json.RawMessage(body), nil
			}),
			ResolverText: AcceptResolver("text/*", func(resp *Response) (any, error) {
				return resp.String()
			}),
			ResolverArrayBuffer: AcceptResolver("*/*", func(resp *Response) (any, error) {
				return resp.Body()
			}),
			ResolverBlob: AcceptResolver("*/*", func(resp *Response) (any, error) {
				body, err := resp.Body()
				if err != nil {
					return nil, err
				}
				return &Blob{Type: resp.Header.Get("Content-Type"), Data: body}, nil
			}),
			ResolverFormData: AcceptResolver("multipart/form-data", parseForm),
		})
	})
}

// AcceptResolver builds a resolver that sets Accept to accept, runs the
// request and hands the response to extract.
func AcceptResolver(accept string, extract func(*Response) (any, error)) Resolver {
	return func(ctx context.Context, r *LazyResponse) (any, error) {
		r.Options().Header.Set("Accept", accept)
		resp, err := r.Run(ctx)
		if err != nil {
			return nil, err
		}
		return extract(resp)
	}
}

// Resolve runs the resolver registered under name.
func (r *LazyResponse) Resolve(ctx context.Context, name string) (any, error) {
	resolver, ok := r.resolvers[name]
	if !ok || resolver == nil {
		return nil, fmt.Errorf("%w: %q", ErrResolverNotFound, name)
	}
	if r.options.Header == nil {
		r.options.Header = make(http.Header)
	}
	return resolver(ctx, r)
}

// HasResolver reports whether a resolver is registered under name.
func (r *LazyResponse) HasResolver(name string) bool {
	_, ok := r.resolvers[name]
	return ok
}

// JSON runs the json resolver and decodes the body into a T.
//
// Example:
//
//	page, err := fetch.JSON[TodoPage](ctx, client.Get("/todos"))
func JSON[T any](ctx context.Context, r *LazyResponse) (T, error) {
	var out T
	err := r.DecodeJSON(ctx, &out)
	return out, err
}

// DecodeJSON runs the json resolver and decodes the body into v.
func (r *LazyResponse) DecodeJSON(ctx context.Context, v any) error {
	raw, err := r.Resolve(ctx, ResolverJSON)
	if err != nil {
		return err
	}
	switch body := raw.(type) {
	case json.RawMessage:
		return json.Unmarshal(body, v)
	case []byte:
		return json.Unmarshal(body, v)
	default:
		// A replaced json resolver may already return decoded values.
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	}
}

// Text runs the text resolver.
func (r *LazyResponse) Text(ctx context.Context) (string, error) {
	return resolveAs[string](ctx, r, ResolverText)
}

// Bytes runs the arrayBuffer resolver.
func (r *LazyResponse) Bytes(ctx context.Context) ([]byte, error) {
	return resolveAs[[]byte](ctx, r, ResolverArrayBuffer)
}

// Blob runs the blob resolver.
func (r *LazyResponse) Blob(ctx context.Context) (*Blob, error) {
	return resolveAs[*Blob](ctx, r, ResolverBlob)
}

// FormData runs the formData resolver.
func (r *LazyResponse) FormData(ctx context.Context) (*multipart.Form, error) {
	return resolveAs[*multipart.Form](ctx, r, ResolverFormData)
}

func resolveAs[T any](ctx context.Context, r *LazyResponse, name string) (T, error) {
	var zero T
	v, err := r.Resolve(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s resolver returned %T", ErrUnexpectedResolverType, name, v)
	}
	return typed, nil
}

// parseForm decodes multipart/form-data and application/x-www-form-urlencoded
// bodies.
func parseForm(resp *Response) (any, error) {
	body, err := resp.Body()
	if err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("form data: %w", err)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		return reader.ReadForm(maxFormMemory)
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("form data: %w", err)
		}
		return &multipart.Form{Value: values, File: map[string][]*multipart.FileHeader{}}, nil
	default:
		return nil, fmt.Errorf("form data: unsupported content type %q", mediaType)
	}
}
