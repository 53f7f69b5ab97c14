package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLaserCore/internal/config"
)

// cheap parameters keep the tests fast; Verify reads them from the hash
func testHasher() *TokenHasher {
	return &TokenHasher{memory: 1024, iterations: 1, parallelism: 1, saltLength: 16, keyLength: 32}
}

func newTestService(t *testing.T, enabled bool) (*Service, string) {
	t.Helper()
	token, err := GenerateOperatorToken()
	require.NoError(t, err)
	hash, err := testHasher().Hash(token)
	require.NoError(t, err)

	t.Setenv("OLC_TEST_JWT", "0123456789abcdef0123456789abcdef")
	svc := NewService(config.AuthConfig{
		Enabled:        enabled,
		JWTSecretEnv:   "OLC_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Operators:      []config.OperatorConfig{{Name: "anna", Role: "technician", TokenHash: hash}},
	}, zaptest.NewLogger(t))
	return svc, token
}

func TestTokenHasher_RoundTrip(t *testing.T) {
	h := testHasher()
	hash, err := h.Hash("secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := h.Verify("secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("other", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.Verify("secret", "$bcrypt$nope")
	assert.Error(t, err)
}

func TestOperatorTokenFormat(t *testing.T) {
	token, err := GenerateOperatorToken()
	require.NoError(t, err)
	assert.True(t, ValidTokenFormat(token))
	assert.False(t, ValidTokenFormat("omc_"+token[4:]))
	assert.False(t, ValidTokenFormat(token[:len(token)-1]))
}

func TestService_Exchange(t *testing.T) {
	svc, token := newTestService(t, true)

	access, expires, err := svc.Exchange(context.Background(), token, "127.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, perms, err := svc.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "anna", claims.Operator)
	assert.ElementsMatch(t, []Permission{PermOperator, PermTechnician}, perms)

	other, _ := GenerateOperatorToken()
	_, _, err = svc.Exchange(context.Background(), other, "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.ValidateToken(access + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, token := newTestService(t, true)
	access, _, err := svc.Exchange(context.Background(), token, "")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/op", svc.AuthMiddleware(), RequirePermission(PermOperator), func(c *gin.Context) {
		c.String(http.StatusOK, Operator(c))
	})
	r.GET("/admin", svc.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("/op", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/op", "Token "+access).Code)
	assert.Equal(t, http.StatusUnauthorized, do("/op", "Bearer garbage").Code)

	w := do("/op", "Bearer "+access)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anna", w.Body.String())

	assert.Equal(t, http.StatusForbidden, do("/admin", "Bearer "+access).Code)
}

func TestMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t, false)

	r := gin.New()
	r.GET("/admin", svc.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) LogAuthEvent(ctx context.Context, eventType, operator, ip string, success bool, reason string) error {
	if success {
		r.events = append(r.events, eventType+":"+operator)
	} else {
		r.events = append(r.events, eventType+":fail:"+reason)
	}
	return nil
}

func TestService_AuditLog(t *testing.T) {
	svc, token := newTestService(t, true)
	audit := &recordingAudit{}
	svc.SetAuditLog(audit)

	_, _, err := svc.Exchange(context.Background(), token, "10.0.0.7")
	require.NoError(t, err)
	_, _, err = svc.Exchange(context.Background(), "garbage", "10.0.0.7")
	require.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, []string{"token_exchange:anna", "token_exchange:fail:format"}, audit.events)
}
