package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, RequestID(req))

	req = req.WithContext(context.WithValue(req.Context(), RequestIDCtxKey, "abc"))
	assert.Equal(t, "abc", RequestID(req))
}
