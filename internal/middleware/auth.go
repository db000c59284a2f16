// Package middleware содержит HTTP middleware сервиса погашения QR-кодов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const customerIDKey contextKey = "customerID"

// AuthCookieName задаёт имя cookie с подписанным идентификатором клиента.
const AuthCookieName = "auth_token"

// AuthMiddleware проверяет подписанный cookie клиента. Сессии выдаёт внешняя система,
// сервис только проверяет подпись общим секретом.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным:
// подписанные им cookie действуют только до перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// RequireAuth пропускает только запросы с действительным cookie.
func (a *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return a.handle(next, false)
}

// OptionalAuth пропускает анонимные запросы. Cookie с неверной подписью отклоняется.
func (a *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return a.handle(next, true)
}

func (a *AuthMiddleware) handle(next http.Handler, allowAnonymous bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(AuthCookieName)
		if err != nil {
			if allowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		customerID, ok := a.parseToken(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), customerIDKey, customerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token возвращает значение cookie вида "<uuid>.<hex hmac>".
func (a *AuthMiddleware) Token(customerID uuid.UUID) string {
	id := customerID.String()
	return id + "." + a.sign(id)
}

func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(value string) (uuid.UUID, bool) {
	id, signature, ok := strings.Cut(value, ".")
	if !ok {
		return uuid.Nil, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(id))) {
		return uuid.Nil, false
	}

	customerID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}

	return customerID, true
}

// CustomerIDFromContext извлекает идентификатор клиента из контекста запроса.
func CustomerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(customerIDKey).(uuid.UUID)
	return id, ok
}
