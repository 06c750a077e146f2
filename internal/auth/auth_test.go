package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	t.Setenv("OSC_TEST_JWT", "test-secret-with-at-least-32-characters")

	opHash, err := HashPassword("op-pass")
	if err != nil {
		t.Fatal(err)
	}
	techHash, err := HashPassword("tech-pass")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.AuthConfig{
		JWTSecretEnv:   "OSC_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Users: []config.UserConfig{
			{Username: "olga", PasswordHash: opHash, Role: "operator"},
			{Username: "tim", PasswordHash: techHash, Role: "technician"},
			{Username: "broken", PasswordHash: "plaintext", Role: "admin"},
		},
	}
	return NewAuthService(cfg, zaptest.NewLogger(t))
}

func TestPasswordHashVerify(t *testing.T) {
	ph := NewPasswordHasher()
	hash, err := ph.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := ph.VerifyPassword("secret", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = ph.VerifyPassword("Secret", hash)
	if err != nil || ok {
		t.Fatalf("VerifyPassword(wrong) = %v, %v", ok, err)
	}

	other, _ := ph.HashPassword("secret")
	if other == hash {
		t.Fatal("two hashes of the same password share a salt")
	}

	for _, bad := range []string{"", "plaintext", "$bcrypt$v=19$m=1,t=1,p=1$AA$AA", "$argon2id$v=16$m=1,t=1,p=1$AA$AA"} {
		if _, err := ph.VerifyPassword("secret", bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("VerifyPassword(%q) error = %v, want ErrInvalidHash", bad, err)
		}
	}
}

func TestLogin(t *testing.T) {
	a := newTestService(t)

	session, err := a.Login("tim", "tech-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.TokenType != "Bearer" || session.Role != "technician" {
		t.Fatalf("session = %+v", session)
	}

	claims, perms, err := a.ValidateToken(session.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "tim" || claims.Subject != "tim" {
		t.Fatalf("claims = %+v", claims)
	}
	if !HasPermission(perms, PermTechnician) || HasPermission(perms, PermAdmin) {
		t.Fatalf("permissions = %v", perms)
	}

	for _, tc := range []struct{ user, pass string }{
		{"tim", "wrong"},
		{"nobody", "tech-pass"},
		{"broken", "plaintext"},
	} {
		if _, err := a.Login(tc.user, tc.pass); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%s) error = %v, want ErrInvalidCredentials", tc.user, err)
		}
	}
}

func TestExpiredAndForeignTokens(t *testing.T) {
	a := newTestService(t)
	session, err := a.Login("olga", "op-pass")
	if err != nil {
		t.Fatal(err)
	}

	a.jwtHandler.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, _, err := a.ValidateToken(session.AccessToken); err == nil {
		t.Fatal("expired token accepted")
	}
	a.jwtHandler.now = time.Now

	foreign := NewJWTHandler("another-secret-with-at-least-32-chars", time.Minute)
	token, _, err := foreign.GenerateAccessToken("olga", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.ValidateToken(token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestRoleToPermissions(t *testing.T) {
	tests := []struct {
		role string
		want int
	}{
		{"admin", 3},
		{"technician", 2},
		{"operator", 1},
		{"", 1},
	}
	for _, tt := range tests {
		if got := RoleToPermissions(tt.role); len(got) != tt.want || got[0] != PermOperator {
			t.Errorf("RoleToPermissions(%q) = %v", tt.role, got)
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestService(t)

	router := gin.New()
	protected := router.Group("/", a.AuthMiddleware())
	protected.GET("/status", RequirePermission(PermOperator), func(c *gin.Context) {
		c.String(http.StatusOK, GetUsername(c))
	})
	protected.POST("/valve", RequirePermission(PermTechnician), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	op, err := a.Login("olga", "op-pass")
	if err != nil {
		t.Fatal(err)
	}
	tech, err := a.Login("tim", "tech-pass")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"not bearer", http.MethodGet, "/status", "Basic abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/status", "Bearer abc", http.StatusUnauthorized},
		{"operator reads", http.MethodGet, "/status", "Bearer " + op.AccessToken, http.StatusOK},
		{"operator moves valve", http.MethodPost, "/valve", "Bearer " + op.AccessToken, http.StatusForbidden},
		{"technician moves valve", http.MethodPost, "/valve", "Bearer " + tech.AccessToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
