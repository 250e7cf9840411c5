package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestOriginAllowed(t *testing.T) {
	allow := []string{"https://desk.example.com", "https://*.shop.test"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://desk.example.com", true},
		{"https://eu.shop.test", true},
		{"https://a.b.shop.test", true},
		{"https://shop.test", false},
		{"http://eu.shop.test", false},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		if got := OriginAllowed(allow, tt.origin); got != tt.want {
			t.Errorf("OriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
	if !OriginAllowed([]string{"*"}, "https://anything.test") {
		t.Error("wildcard should allow every origin")
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://desk.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"no origin", http.MethodGet, "", false, http.StatusOK, ""},
		{"allowed", http.MethodGet, "https://desk.example.com", false, http.StatusOK, "https://desk.example.com"},
		{"other origin", http.MethodGet, "https://evil.test", false, http.StatusOK, ""},
		{"preflight allowed", http.MethodOptions, "https://desk.example.com", true, http.StatusNoContent, "https://desk.example.com"},
		{"preflight refused", http.MethodOptions, "https://evil.test", true, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/ping", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}
