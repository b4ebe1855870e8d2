package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elara-app/elara-go/internal/model"
)

type staticEndpoint struct {
	baseURL string
	allowed []string
}

func (e staticEndpoint) BaseURL(context.Context) (string, error) { return e.baseURL, nil }
func (e staticEndpoint) AllowedCallers(context.Context) []string { return e.allowed }

func TestGenerateRejectsUnlistedCaller(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	ep := staticEndpoint{baseURL: ts.URL, allowed: []string{"0xaaa", "0xbbb"}}
	_, err := New().Generate(context.Background(), ep, nil, "0xccc", "0xsig")

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "address not authorized", err.Error())
	assert.True(t, IsAuthorizationError(err))
	assert.Zero(t, hits.Load())
}

func TestGenerateEmptyAllowListIsUnrestricted(t *testing.T) {
	var got generateRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		out := append(got.Messages, model.Message{Role: model.RoleAssistant, Content: "hi"})
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer ts.Close()

	in := []model.Message{{Role: model.RoleUser, Content: "hello"}}
	out, err := New().Generate(context.Background(), staticEndpoint{baseURL: ts.URL + "/"}, in, "0xccc", "0xsig")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "hi", out[1].Content)
	assert.Equal(t, "0xccc", got.Address)
	assert.Equal(t, "0xsig", got.Signature)
	assert.Equal(t, in, got.Messages)
}

func TestGenerateCallerMatchIsCaseInsensitive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	ep := staticEndpoint{baseURL: ts.URL, allowed: []string{"0xaaa"}}
	out, err := New().Generate(context.Background(), ep, nil, "0xAAA", "0xsig")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGenerateErrorMessagePrecedence(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail wins", http.StatusBadRequest, `{"detail":"bad signature","message":"m","error":"e"}`, "bad signature"},
		{"message next", http.StatusUnauthorized, `{"message":"expired","error":"e"}`, "expired"},
		{"error last", http.StatusInternalServerError, `{"error":"boom"}`, "boom"},
		{"structured detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, `[{"msg":"field required"}]`},
		{"no fields", http.StatusBadGateway, `{}`, "request failed with status 502"},
		{"not json", http.StatusServiceUnavailable, `upstream down`, "request failed with status 503"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := New().Generate(context.Background(), staticEndpoint{baseURL: ts.URL}, nil, "0xaaa", "0xsig")
			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tc.status, reqErr.StatusCode)
			assert.Equal(t, tc.want, reqErr.Error())
		})
	}
}

func TestGenerateMakesSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := New().Generate(context.Background(), staticEndpoint{baseURL: ts.URL}, nil, "0xaaa", "0xsig")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
