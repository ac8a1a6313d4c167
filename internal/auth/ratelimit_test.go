package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter_BurstThenDeny(t *testing.T) {
	sut := NewKeyedLimiter(60, 2)

	assert.True(t, sut.Allow("vm-001"))
	assert.True(t, sut.Allow("vm-001"))
	assert.False(t, sut.Allow("vm-001"))
}

func TestKeyedLimiter_KeysAreIndependent(t *testing.T) {
	sut := NewKeyedLimiter(60, 1)

	assert.True(t, sut.Allow("vm-001"))
	assert.False(t, sut.Allow("vm-001"))

	// a fresh key gets its own bucket
	assert.True(t, sut.Allow("vm-002"))
}

func TestKeyedLimiter_Refills(t *testing.T) {
	// 6000 per minute is one token every 10ms
	sut := NewKeyedLimiter(6000, 1)

	assert.True(t, sut.Allow("vm-001"))
	assert.False(t, sut.Allow("vm-001"))

	time.Sleep(25 * time.Millisecond)

	assert.True(t, sut.Allow("vm-001"))
}

func TestKeyedLimiter_Defaults(t *testing.T) {
	sut := NewKeyedLimiter(0, 0)

	for i := 0; i < 60; i++ {
		assert.True(t, sut.Allow("vm-001"), "request %d within default burst", i)
	}
	assert.False(t, sut.Allow("vm-001"))
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewKeyedLimiter(60, 1)
	keyFn := func(c *gin.Context) string { return c.GetHeader("X-Machine") }

	perform := func(machine string) (*httptest.ResponseRecorder, *gin.Context) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		c.Request.Header.Set("X-Machine", machine)
		RateLimitMiddleware(limiter, keyFn)(c)
		return w, c
	}

	w, c := perform("vm-001")
	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, w.Code)

	w, c = perform("vm-001")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, w.Body.String())

	// other machines are unaffected by the exhausted bucket
	w, c = perform("vm-002")
	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, w.Code)
}
