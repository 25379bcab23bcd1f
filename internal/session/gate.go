// Package session guards the authenticated pages. The gate never blocks a
// request on an error: any failure to establish a session resolves to a
// redirect to the login page.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"moneta/internal/cache"
	"moneta/internal/remote"
)

const (
	// MarkerCookie is the signed short-lived proof that a remote session
	// check recently succeeded. While it is valid, gated pages load
	// without a network round trip, which keeps them reachable offline.
	MarkerCookie = "moneta_session"

	// LoginCookie is set by the login flow right after authentication.
	// It bridges the gap before the first marker is minted.
	LoginCookie = "moneta_just_logged_in"

	// AccessTokenCookie carries the backend access token when no
	// Authorization header is present.
	AccessTokenCookie = "access-token"

	LoginPath = "/login"
)

type Config struct {
	Secret        string
	SessionTTL    time.Duration
	LoginGraceTTL time.Duration
	DevBypass     bool
}

type Gate struct {
	config  Config
	checker remote.SessionChecker
	checks  *cache.LRUCache[remote.Session]
	now     func() time.Time
}

func NewGate(config Config, checker remote.SessionChecker) *Gate {
	return &Gate{
		config:  config,
		checker: checker,
		checks:  cache.NewLRUCache[remote.Session](256, config.SessionTTL),
		now:     time.Now,
	}
}

// Middleware wraps gated handlers. The checks run cheapest first: a fresh
// login marker, then the session marker, then the dev bypass, and only as
// a last resort the live remote check. Any dead end redirects to login.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.hasValidMarker(r, LoginCookie) {
			next.ServeHTTP(w, r)
			return
		}
		if g.hasValidMarker(r, MarkerCookie) {
			next.ServeHTTP(w, r)
			return
		}
		if g.config.DevBypass {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			g.redirectToLogin(w, r)
			return
		}
		session, err := g.checkRemote(r.Context(), token)
		if err != nil || session == nil {
			if err != nil {
				slog.WarnContext(r.Context(), "Session check failed, redirecting to login",
					"path", r.URL.Path, "error", err)
			}
			g.redirectToLogin(w, r)
			return
		}

		g.setMarker(w, MarkerCookie, session.UserID, g.config.SessionTTL)
		next.ServeHTTP(w, r)
	})
}

// checkRemote consults the backend, short-circuiting through the positive
// check cache so a burst of gated page loads costs one round trip.
func (g *Gate) checkRemote(ctx context.Context, token string) (*remote.Session, error) {
	if cached, ok := g.checks.Get(token); ok {
		return &cached, nil
	}
	session, err := g.checker.CheckSession(ctx, token)
	if err != nil || session == nil {
		return session, err
	}
	g.checks.Set(token, *session)
	return session, nil
}

func (g *Gate) hasValidMarker(r *http.Request, name string) bool {
	cookie, err := r.Cookie(name)
	if err != nil {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.config.Secret), nil
	}, jwt.WithTimeFunc(g.now))
	return err == nil && token.Valid
}

func (g *Gate) setMarker(w http.ResponseWriter, name, subject string, ttl time.Duration) {
	now := g.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.config.Secret))
	if err != nil {
		slog.Warn("Failed to sign session marker", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// MintLoginMarker issues the short-lived just-logged-in cookie. The login
// flow calls it right after the backend accepts the credentials.
func (g *Gate) MintLoginMarker(w http.ResponseWriter, userID string) {
	g.setMarker(w, LoginCookie, userID, g.config.LoginGraceTTL)
}

func (g *Gate) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := LoginPath + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
