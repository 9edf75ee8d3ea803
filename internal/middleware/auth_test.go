package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/metrics"
)

func TestAuthMiddleware(t *testing.T) {
	jwtCfg := &config.JWTConfig{
		AccessTokenSecret: "supersecret",
		Issuer:            "test-issuer",
	}

	middleware := AuthMiddleware(jwtCfg)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if userID != "test-user-id" {
			t.Errorf("Expected userID 'test-user-id', got %q", userID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("ValidToken", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub":   "test-user-id",
			"email": " Alice@Example.com",
			"iss":   "test-issuer",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte("supersecret"))
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status OK, got %d", w.Code)
		}
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "test-user-id",
			"iss": "someone-else",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte("supersecret"))
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status Unauthorized, got %d", w.Code)
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status Unauthorized, got %d", w.Code)
		}
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "InvalidFormat token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status Unauthorized, got %d", w.Code)
		}
	})

	t.Run("InvalidToken", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer invalidtoken")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status Unauthorized, got %d", w.Code)
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		claims := jwt.MapClaims{
			"sub": "test-user-id",
			"iss": "test-issuer",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte("supersecret"))
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status Unauthorized, got %d", w.Code)
		}
	})
}

func TestGetUserID(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	userID := GetUserID(ctx)
	if userID != "user-123" {
		t.Errorf("Expected 'user-123', got %q", userID)
	}

	emptyCtx := context.Background()
	emptyID := GetUserID(emptyCtx)
	if emptyID != "" {
		t.Errorf("Expected empty string, got %q", emptyID)
	}
}

func TestParseTokenIdentity(t *testing.T) {
	cfg := &config.JWTConfig{AccessTokenSecret: "supersecret"}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-42",
		"email": "  Bob@Example.COM ",
		"exp":   time.Now().Add(time.Minute).Unix(),
	})
	tokenString, err := token.SignedString([]byte("supersecret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	claims, err := ParseToken(cfg, tokenString)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Errorf("Expected user id 'user-42', got %q", claims.UserID)
	}
	if claims.Email != "bob@example.com" {
		t.Errorf("Expected normalized email, got %q", claims.Email)
	}

	if _, err := ParseToken(cfg, ""); err != ErrMissingToken {
		t.Errorf("Expected ErrMissingToken, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-42"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ParseToken(cfg, unsigned); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestGetIdentity(t *testing.T) {
	ctx := context.WithValue(context.Background(), IdentityKey, "carol@example.com")
	if got := GetIdentity(ctx); got != "carol@example.com" {
		t.Errorf("Expected 'carol@example.com', got %q", got)
	}
	if got := GetIdentity(context.Background()); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	middleware := CORSMiddleware([]string{"http://example.com"})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("AllowedOrigin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "http://example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status OK, got %d", w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
			t.Errorf("Expected CORS header")
		}
	})

	t.Run("OptionsRequest", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/", nil)
		req.Header.Set("Origin", "http://example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status OK, got %d", w.Code)
		}
		// Method should not be passed to next handler, just returns 200 OK directly from middleware
	})

	t.Run("DisallowedOrigin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "http://evil.example")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("Expected no CORS header for disallowed origin")
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	middleware := RateLimitMiddleware(10)
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %d", w.Code)
	}
}

func TestRateLimitMiddlewareBlocks(t *testing.T) {
	handler := RateLimitMiddleware(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		last = w.Code
	}

	if last != http.StatusTooManyRequests {
		t.Errorf("Expected status TooManyRequests on third request, got %d", last)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	metrics.MustRegister("middleware-test")

	handler := MetricsMiddleware("/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest("POST", "/api/v1/files", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status Created, got %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %d", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status InternalServerError after panic, got %d", w.Code)
	}
}
