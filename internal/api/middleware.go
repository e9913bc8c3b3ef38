/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: access token validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalIDKey PrincipalContextKey = "principalID"

// AuthMiddleware creates a middleware that validates HS256 access tokens issued
// by the platform's auth service. The `sub` claim carries the principal's id.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			subject, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Principal ID not found in token", http.StatusUnauthorized)
				return
			}
			principalID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Principal ID is not a valid UUID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalIDKey, principalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthMiddleware attaches the principal when a bearer token is present
// but lets anonymous requests through. A token that is present and invalid is
// still rejected.
func OptionalAuthMiddleware(secret string) func(http.Handler) http.Handler {
	required := AuthMiddleware(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			required(next).ServeHTTP(w, r)
		})
	}
}

// GetPrincipalID retrieves the authenticated principal's ID from the request context.
func GetPrincipalID(ctx context.Context) (uuid.UUID, bool) {
	principalID, ok := ctx.Value(principalIDKey).(uuid.UUID)
	return principalID, ok
}
