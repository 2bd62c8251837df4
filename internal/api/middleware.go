/**
 * @description
 * Authentication and authorization middleware for the membership-service.
 *
 * Three trust levels are enforced here:
 * - Clerk JWTs for end users (intent creation, client callbacks).
 * - An admin allowlist on top of Clerk JWTs, or the internal API key, for operators.
 * - The internal API key alone for server-to-server membership lookups.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// UserIDContextKey is the key used to store the authenticated user ID in the request context.
const UserIDContextKey = contextKey("userID")

// InternalActor is the user ID recorded for requests authenticated by the internal API key.
const InternalActor = "internal"

const internalKeyHeader = "X-Internal-API-Key"

var jwksClient = &http.Client{Timeout: 10 * time.Second}

// ClerkAuthMiddleware validates Clerk JWTs and injects the user ID into context.
func ClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := userIDFromBearer(r, jwksURL)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware admits callers holding the internal API key, or Clerk users
// listed in adminIDs.
func AdminAuthMiddleware(jwksURL, internalKey string, adminIDs []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get(internalKeyHeader); provided != "" {
				if !keysMatch(provided, internalKey) {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), UserIDContextKey, InternalActor)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			userID, err := userIDFromBearer(r, jwksURL)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[userID]; !ok {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keysMatch(r.Header.Get(internalKeyHeader), requiredKey) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keysMatch(provided, required string) bool {
	if provided == "" || required == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(required)) == 1
}

func userIDFromBearer(r *http.Request, jwksURL string) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("Authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", errors.New("Invalid Authorization header format")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}

		publicKey, err := getPublicKeyFromJWKS(jwksURL, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		return publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("Invalid token: %v", err)
	}
	if !token.Valid {
		return "", errors.New("Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("Invalid token claims")
	}

	if expectedAud := os.Getenv("CLERK_AUDIENCE"); expectedAud != "" {
		if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
			return "", errors.New("Invalid audience")
		}
	}
	if expectedIss := os.Getenv("CLERK_ISSUER"); expectedIss != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
			return "", errors.New("Invalid issuer")
		}
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", errors.New("User ID not found in token")
	}
	return userID, nil
}

func getPublicKeyFromJWKS(jwksURL, kid string) (*rsa.PublicKey, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is not configured")
	}
	resp, err := jwksClient.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return parseRSAPublicKey(key.N, key.E)
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// UserFromContext retrieves the user ID from the request context.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok && userID != ""
}
