package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetch returns a FetchFunc yielding resp/err and the number of
// times it was called.
func countingFetch(resp *Response, err error) (FetchFunc, *int) {
	calls := 0
	return func(context.Context, *url.URL, *Options) (*Response, error) {
		calls++
		return resp, err
	}, &calls
}

func okResponse(status int) *Response {
	return NewResponse(&http.Response{StatusCode: status, Header: make(http.Header)}, nil)
}

func TestLazyResponse_IsLazy(t *testing.T) {
	fn, calls := countingFetch(okResponse(http.StatusOK), nil)
	lazy := NewLazyResponse(nil, nil, fn, nil)

	chained := lazy.
		Then(func(r *Response) (*Response, error) { return r, nil }, nil).
		Catch(func(err error) (*Response, error) { return nil, err }).
		Finally(func() {})

	assert.Equal(t, 0, *calls, "building a chain must not send anything")

	_, err := chained.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
}

func TestLazyResponse_Then(t *testing.T) {
	transportErr := errors.New("connection refused")
	replaced := okResponse(http.StatusAccepted)

	tests := []struct {
		name        string
		resp        *Response
		err         error
		onFulfilled func(*Response) (*Response, error)
		onRejected  func(error) (*Response, error)
		wantStatus  int
		wantErr     error
	}{
		{
			name:        "given success, then applies onFulfilled",
			resp:        okResponse(http.StatusOK),
			onFulfilled: func(*Response) (*Response, error) { return replaced, nil },
			wantStatus:  http.StatusAccepted,
		},
		{
			name:       "given success and nil onFulfilled, then passes response through",
			resp:       okResponse(http.StatusOK),
			wantStatus: http.StatusOK,
		},
		{
			name:       "given failure, then applies onRejected",
			err:        transportErr,
			onRejected: func(error) (*Response, error) { return replaced, nil },
			wantStatus: http.StatusAccepted,
		},
		{
			name:    "given failure and nil onRejected, then passes error through",
			err:     transportErr,
			wantErr: transportErr,
		},
		{
			name: "given onFulfilled error, then rejects",
			resp: okResponse(http.StatusOK),
			onFulfilled: func(*Response) (*Response, error) {
				return nil, transportErr
			},
			wantErr: transportErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, _ := countingFetch(tt.resp, tt.err)
			resp, err := NewLazyResponse(nil, nil, fn, nil).
				Then(tt.onFulfilled, tt.onRejected).
				Run(context.Background())

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestLazyResponse_ReturnsNewValues(t *testing.T) {
	fn, _ := countingFetch(nil, errors.New("boom"))
	lazy := NewLazyResponse(nil, nil, fn, nil)

	recovered := lazy.Catch(func(error) (*Response, error) {
		return okResponse(http.StatusOK), nil
	})

	assert.NotSame(t, lazy, recovered)

	_, err := lazy.Run(context.Background())
	require.Error(t, err, "original lazy response is unaffected by Catch")

	resp, err := recovered.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLazyResponse_Finally(t *testing.T) {
	t.Run("given success, then runs callback", func(t *testing.T) {
		fn, _ := countingFetch(okResponse(http.StatusOK), nil)
		called := 0

		_, err := NewLazyResponse(nil, nil, fn, nil).
			Finally(func() { called++ }).
			Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, called)
	})

	t.Run("given failure, then runs callback and keeps error", func(t *testing.T) {
		want := errors.New("boom")
		fn, _ := countingFetch(nil, want)
		called := 0

		_, err := NewLazyResponse(nil, nil, fn, nil).
			Finally(func() { called++ }).
			Run(context.Background())

		require.ErrorIs(t, err, want)
		assert.Equal(t, 1, called)
	})

	t.Run("given nil callback, then passes outcome through", func(t *testing.T) {
		fn, _ := countingFetch(okResponse(http.StatusOK), nil)

		resp, err := NewLazyResponse(nil, nil, fn, nil).Finally(nil).Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestLazyResponse_EagerHelpers(t *testing.T) {
	want := errors.New("boom")

	t.Run("given RunThen, then runs and applies continuation", func(t *testing.T) {
		fn, calls := countingFetch(okResponse(http.StatusOK), nil)
		lazy := NewLazyResponse(nil, nil, fn, nil)

		resp, err := lazy.RunThen(context.Background(), func(r *Response) (*Response, error) {
			return okResponse(http.StatusCreated), nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, 1, *calls)
	})

	t.Run("given RunCatch, then recovers failure", func(t *testing.T) {
		fn, _ := countingFetch(nil, want)
		var seen error

		resp, err := NewLazyResponse(nil, nil, fn, nil).RunCatch(context.Background(), func(err error) (*Response, error) {
			seen = err
			return okResponse(http.StatusOK), nil
		})

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.ErrorIs(t, seen, want)
	})

	t.Run("given RunFinally, then calls callback after settling", func(t *testing.T) {
		fn, calls := countingFetch(nil, want)
		callsAtFinally := -1

		_, err := NewLazyResponse(nil, nil, fn, nil).RunFinally(context.Background(), func() {
			callsAtFinally = *calls
		})

		require.ErrorIs(t, err, want)
		assert.Equal(t, 1, callsAtFinally)
	})

	t.Run("given Execute, then behaves as Run", func(t *testing.T) {
		fn, calls := countingFetch(okResponse(http.StatusOK), nil)

		_, err := NewLazyResponse(nil, nil, fn, nil).Execute(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, *calls)
	})
}

func TestLazyResponse_SharesURLAndOptions(t *testing.T) {
	u, _ := url.Parse("https://api.example.com/todos")
	opts := NewOptions(WithMethod(http.MethodPost))

	var gotURL *url.URL
	var gotOpts *Options
	fn := func(_ context.Context, u *url.URL, o *Options) (*Response, error) {
		gotURL, gotOpts = u, o
		return okResponse(http.StatusOK), nil
	}

	lazy := NewLazyResponse(u, opts, fn, nil).Then(nil, nil)
	_, err := lazy.Run(context.Background())
	require.NoError(t, err)

	assert.Same(t, u, lazy.URL())
	assert.Same(t, opts, lazy.Options())
	assert.Same(t, u, gotURL)
	assert.Same(t, opts, gotOpts)
}

func TestLazyResponse_NilFetch(t *testing.T) {
	_, err := NewLazyResponse(nil, nil, nil, nil).Run(context.Background())
	require.ErrorIs(t, err, errNoFetchFunc)
}
