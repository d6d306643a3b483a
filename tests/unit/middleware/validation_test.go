package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "mediaforged/pkg/api/middleware"

	"github.com/gin-gonic/gin"
)

func TestValidator_ValidatePath(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidatePath("input_path", "movies/trailer.mov"); err != nil {
		t.Errorf("relative path should be valid: %v", err)
	}
	if err := v.ValidatePath("input_path", ""); err == nil {
		t.Error("empty path should be rejected")
	}
	if err := v.ValidatePath("input_path", strings.Repeat("a", 2000)); err == nil {
		t.Error("oversized path should be rejected")
	}
	if err := v.ValidatePath("input_path", "movies/a\x00b.mov"); err == nil {
		t.Error("path with NUL byte should be rejected")
	}
}

func TestValidator_ValidateFormat(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateFormat("mp4"); err != nil {
		t.Errorf("mp4 should be allowed: %v", err)
	}
	if err := v.ValidateFormat(""); err != nil {
		t.Errorf("empty format should be allowed: %v", err)
	}
	if err := v.ValidateFormat("exe"); err == nil {
		t.Error("unknown format should be rejected")
	}
}

func TestValidator_ValidateTimeout(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateTimeout(time.Minute); err != nil {
		t.Errorf("1m should be valid: %v", err)
	}
	if err := v.ValidateTimeout(0); err != nil {
		t.Errorf("zero (use default) should be valid: %v", err)
	}
	if err := v.ValidateTimeout(-time.Second); err == nil {
		t.Error("negative timeout should be rejected")
	}
	if err := v.ValidateTimeout(24 * time.Hour); err == nil {
		t.Error("timeout above the ceiling should be rejected")
	}
}

func TestBodySizeLimitMiddleware_RejectsLargeBody(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimitMiddleware(64))
	router.POST("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	body := bytes.Repeat([]byte("x"), 128)
	req := httptest.NewRequest("POST", "/test", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID header")
	}
}

func TestRequestIDMiddleware_PreservesCallerID(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "caller-supplied" {
		t.Errorf("expected caller-supplied request ID, got %q", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected X-Frame-Options: DENY")
	}
}
