package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/eventdrop/eventdrop/internal/store"
	"github.com/eventdrop/eventdrop/internal/types"
)

const sessionCookieKey = "eventdrop_session"

type contextKey string

const occupantKey contextKey = "occupant"

// OccupantFromContext returns the occupant resolved by the session
// middleware.
func OccupantFromContext(ctx context.Context) (types.Occupant, bool) {
	occupant, ok := ctx.Value(occupantKey).(types.Occupant)
	return occupant, ok
}

func withOccupant(ctx context.Context, occupant types.Occupant) context.Context {
	return context.WithValue(ctx, occupantKey, occupant)
}

// newSessionToken signs a JWT carrying the session id as subject. The
// token is a pointer into the store, not a session by itself: the
// occupant record's TTL is what actually ends the session.
func (s *EventDropApp) newSessionToken(sessionID string, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	return token.SignedString(s.signingKey)
}

func (s *EventDropApp) extractSessionID(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject: %w", err)
	}
	sessionID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse session id: %w", err)
	}
	return sessionID, nil
}

// sessionMiddleware resolves the occupant behind the session cookie.
// A valid token whose occupant record has expired is still a 401: the
// store, not the token, is the session's source of truth. Authenticated
// activity refreshes the occupant's TTL.
func (s *EventDropApp) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(sessionCookieKey)
		if err != nil {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		sessionID, err := s.extractSessionID(tokenCookie.Value)
		if err != nil {
			s.log.Printf("failed to extract session id from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		occupant, err := s.occupantRepo.GetOccupant(r.Context(), sessionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Printf("failed to resolve session %s: %v", sessionID, err)
			}
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.occupants.Refresh(r.Context(), occupant); err != nil {
			s.log.Printf("failed to refresh session %s: %v", sessionID, err)
		}

		ctx := withOccupant(r.Context(), occupant)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

func (s *EventDropApp) setSessionCookie(w http.ResponseWriter, result types.JoinResult) error {
	token, err := s.newSessionToken(result.SessionID, result.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sign session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    token,
		Path:     "/",
		Expires:  result.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *EventDropApp) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
