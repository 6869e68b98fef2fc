package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireAdmin guards the destructive endpoints with an HS256 bearer token
// carrying role=admin. With no ADMIN_JWT_SECRET configured the endpoints
// stay disabled entirely.
func (a *app) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if len(a.adminSecret) == 0 {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled"})
		return false
	}
	raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || raw == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bearer token required"})
		return false
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.adminSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || claims["role"] != "admin" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
		return false
	}
	if a.audit != nil {
		_ = a.audit.Append("admin.access", map[string]interface{}{
			"path": r.URL.Path, "sub": claims["sub"],
		})
	}
	return true
}
