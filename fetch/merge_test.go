package fetch

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeHeaders(t *testing.T) {
	tests := []struct {
		name     string
		base     http.Header
		override http.Header
		want     http.Header
	}{
		{
			name:     "given override key, then replaces every base value",
			base:     http.Header{"Accept": {"text/plain", "text/html"}, "X-App": {"1"}},
			override: http.Header{"Accept": {"application/json"}},
			want:     http.Header{"Accept": {"application/json"}, "X-App": {"1"}},
		},
		{
			name:     "given differently cased keys, then canonicalizes them",
			base:     http.Header{"x-app": {"1"}},
			override: http.Header{"X-APP": {"2"}},
			want:     http.Header{"X-App": {"2"}},
		},
		{
			name:     "given nil inputs, then returns empty header",
			base:     nil,
			override: nil,
			want:     http.Header{},
		},
		{
			name:     "given only override, then copies it",
			base:     nil,
			override: http.Header{"Authorization": {"Bearer t"}},
			want:     http.Header{"Authorization": {"Bearer t"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeHeaders(tt.base, tt.override)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeHeaders_DoesNotMutateInputs(t *testing.T) {
	base := http.Header{"Accept": {"text/plain"}}
	override := http.Header{"Accept": {"application/json"}}

	got := MergeHeaders(base, override)
	got.Add("Accept", "text/html")
	got.Set("X-New", "1")

	assert.Equal(t, http.Header{"Accept": {"text/plain"}}, base)
	assert.Equal(t, http.Header{"Accept": {"application/json"}}, override)
}

func TestMergeURL(t *testing.T) {
	mustParse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	tests := []struct {
		name     string
		resource any
		base     *url.URL
		want     string
		wantErr  error
	}{
		{
			name:     "given leading slash, then joins with single separator",
			resource: "/user",
			base:     mustParse("http://x/api"),
			want:     "http://x/api/user",
		},
		{
			name:     "given no leading slash, then joins with single separator",
			resource: "user",
			base:     mustParse("http://x/api"),
			want:     "http://x/api/user",
		},
		{
			name:     "given base with trailing slash, then avoids double slash",
			resource: "/user",
			base:     mustParse("http://x/api/"),
			want:     "http://x/api/user",
		},
		{
			name:     "given root base, then appends path",
			resource: "todos",
			base:     mustParse("https://api.example.com"),
			want:     "https://api.example.com/todos",
		},
		{
			name:     "given resource query, then overrides base query",
			resource: "/todos?limit=2",
			base:     mustParse("https://api.example.com/v1?limit=10"),
			want:     "https://api.example.com/v1/todos?limit=2",
		},
		{
			name:     "given base query and no resource query, then keeps base query",
			resource: "/todos",
			base:     mustParse("https://api.example.com/v1?key=abc"),
			want:     "https://api.example.com/v1/todos?key=abc",
		},
		{
			name:     "given escaped segment, then preserves escaping",
			resource: "/files/a%2Fb",
			base:     mustParse("https://api.example.com"),
			want:     "https://api.example.com/files/a%2Fb",
		},
		{
			name:     "given empty resource, then returns base",
			resource: "",
			base:     mustParse("https://api.example.com/v1"),
			want:     "https://api.example.com/v1",
		},
		{
			name:     "given absolute string with base, then returns it unchanged",
			resource: "https://other.example.com/x",
			base:     mustParse("https://api.example.com/v1"),
			want:     "https://other.example.com/x",
		},
		{
			name:     "given url value, then ignores base",
			resource: mustParse("https://other.example.com/x?y=1"),
			base:     mustParse("https://api.example.com/v1"),
			want:     "https://other.example.com/x?y=1",
		},
		{
			name:     "given absolute string without base, then parses it",
			resource: "https://api.example.com/todos",
			base:     nil,
			want:     "https://api.example.com/todos",
		},
		{
			name:     "given relative string without base, then fails",
			resource: "/todos",
			base:     nil,
			wantErr:  ErrInvalidURL,
		},
		{
			name:     "given unsupported resource type, then fails",
			resource: 42,
			base:     mustParse("https://api.example.com"),
			wantErr:  ErrInvalidURL,
		},
		{
			name:     "given nil url pointer, then fails",
			resource: (*url.URL)(nil),
			base:     mustParse("https://api.example.com"),
			wantErr:  ErrInvalidURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeURL(tt.resource, tt.base)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestMergeURL_DoesNotMutateBase(t *testing.T) {
	base, err := url.Parse("https://api.example.com/v1?key=abc")
	require.NoError(t, err)

	got, err := MergeURL("/todos?limit=1", base)
	require.NoError(t, err)
	got.Path = "/changed"

	assert.Equal(t, "https://api.example.com/v1?key=abc", base.String())
}
