package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/store"
)

const (
	CookieName = "jwt"
	HeaderUser = "X-User-Id"
	LocalsKey  = "userID"

	touchEvery = time.Minute
)

// Resolver extracts the caller's identity from a request or handshake.
type Resolver struct {
	verifier   *Verifier
	trustQuery bool
}

// NewResolver builds a Resolver. With trustQuery set a bare user id is
// accepted from the userId handshake parameter or the X-User-Id header.
func NewResolver(secret string, trustQuery bool) *Resolver {
	return &Resolver{verifier: NewVerifier(secret), trustQuery: trustQuery}
}

func bearer(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (r *Resolver) check(id string) (string, error) {
	if err := store.ValidateID(id); err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}

// FromRequest resolves the identity of an API call: Bearer header first, then the jwt cookie.
func (r *Resolver) FromRequest(c *fiber.Ctx) (string, error) {
	for _, tok := range []string{bearer(c), c.Cookies(CookieName)} {
		if tok == "" {
			continue
		}
		uid, err := r.verifier.Verify(tok)
		if err != nil {
			return "", err
		}
		return r.check(uid)
	}
	if r.trustQuery {
		if uid := c.Get(HeaderUser); uid != "" {
			return r.check(uid)
		}
	}
	return "", ErrNoIdentity
}

// FromHandshake resolves the identity of a websocket upgrade request. The
// token query parameter is accepted in addition to the request sources.
func (r *Resolver) FromHandshake(c *fiber.Ctx) (string, error) {
	if tok := c.Query("token"); tok != "" {
		uid, err := r.verifier.Verify(tok)
		if err != nil {
			return "", err
		}
		return r.check(uid)
	}
	uid, err := r.FromRequest(c)
	if !errors.Is(err, ErrNoIdentity) {
		return uid, err
	}
	if r.trustQuery {
		if uid := c.Query("userId"); uid != "" {
			return r.check(uid)
		}
	}
	return "", ErrNoIdentity
}

// UserID returns the identity stored by Protect.
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(LocalsKey).(string)
	return uid
}

// SetUserID stores uid on the request context.
func SetUserID(c *fiber.Ctx, uid string) {
	c.Locals(LocalsKey, uid)
}

// Toucher records that a user was seen.
type Toucher interface {
	TouchUser(ctx context.Context, id string) error
}

// Protect rejects requests without a valid identity and applies the per-user
// rate limit. Known users are touched at most once a minute.
func Protect(r *Resolver, limiter *Limiter, users Toucher) fiber.Handler {
	var touched sync.Map // user -> time.Time
	return func(c *fiber.Ctx) error {
		uid, err := r.FromRequest(c)
		if err != nil {
			logger.Debug("auth_rejected", "path", c.Path(), "error", err)
			return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized - "+err.Error())
		}
		if limiter != nil && !limiter.Allow("req:"+uid) {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		SetUserID(c, uid)

		if users != nil {
			now := time.Now()
			last, ok := touched.Load(uid)
			if !ok || now.Sub(last.(time.Time)) > touchEvery {
				touched.Store(uid, now)
				if err := users.TouchUser(c.UserContext(), uid); err != nil {
					logger.Warn("touch_user_failed", "user", uid, "error", err)
				}
			}
		}
		return c.Next()
	}
}
