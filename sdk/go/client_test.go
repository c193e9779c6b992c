package fixlinesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/approval"
)

func TestCallbackIsSignedOverExactBody(t *testing.T) {
	secret := []byte("s3cret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/callbacks/approval", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		v := approval.Verifier{Secret: secret, MaxSkew: time.Minute}
		cb, err := v.Verify(r.Header.Get(approval.TimestampHeader), r.Header.Get(approval.SignatureHeader), body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(CallbackReply{Outcome: "ok", TransactionID: cb.TransactionID, State: "approved"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	reply, err := c.Callback(context.Background(), secret, "tx-1", "alice", "approved")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", reply.TransactionID)
	assert.Equal(t, "approved", reply.State)
}

func TestErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"already_decided"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.Decide(context.Background(), "ap-1", "approved", false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "already_decided")
}
