package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// User is the resolved identity a turn runs on behalf of.
type User struct {
	ID          string                 `json:"id"`
	Username    string                 `json:"username,omitempty"`
	Email       string                 `json:"email,omitempty"`
	Groups      []string               `json:"groups,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HasPermission reports whether the user holds the named permission.
func (u *User) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// InGroup reports whether the user belongs to the named access group.
func (u *User) InGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// InAnyGroup reports whether the user belongs to at least one of the groups.
// An empty groups slice matches every user.
func (u *User) InAnyGroup(groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if u.InGroup(g) {
			return true
		}
	}
	return false
}

// RequestContext carries transport-level request data into identity
// resolution. It is deliberately transport-agnostic: an HTTP gateway fills
// cookies and headers, a CLI fills metadata.
type RequestContext struct {
	RequestID string                 `json:"request_id"`
	Cookies   map[string]string      `json:"cookies,omitempty"`
	Headers   map[string]string      `json:"headers,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewRequestContext creates a request context with a fresh request id.
func NewRequestContext() RequestContext {
	return RequestContext{
		RequestID: uuid.NewString(),
		Cookies:   map[string]string{},
		Headers:   map[string]string{},
		Metadata:  map[string]interface{}{},
	}
}

// Cookie returns the named cookie value, or "" when absent.
func (rc RequestContext) Cookie(name string) string {
	return rc.Cookies[name]
}

// Header returns the named header value, or "" when absent.
func (rc RequestContext) Header(name string) string {
	return rc.Headers[name]
}

// Resolver maps a request context to a user identity.
type Resolver interface {
	ResolveUser(ctx context.Context, rc RequestContext) (*User, error)
}

// StaticResolver always resolves to the same user. Useful for single-user
// deployments and tests.
type StaticResolver struct {
	user User
}

// NewStaticResolver creates a resolver pinned to the given user.
func NewStaticResolver(u User) (*StaticResolver, error) {
	if u.ID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return &StaticResolver{user: u}, nil
}

// ResolveUser returns the pinned user.
func (r *StaticResolver) ResolveUser(_ context.Context, _ RequestContext) (*User, error) {
	u := r.user
	return &u, nil
}

// CookieResolver resolves identity from a request cookie. When the cookie is
// absent it falls back to a stable anonymous identity so unauthenticated
// requests still get a working conversation scope.
type CookieResolver struct {
	cookieName  string
	anonymousID string
	logger      zerolog.Logger
}

// CookieResolverConfig configures a CookieResolver.
type CookieResolverConfig struct {
	CookieName  string
	AnonymousID string
	Logger      zerolog.Logger
}

// NewCookieResolver creates a cookie-backed resolver.
func NewCookieResolver(cfg CookieResolverConfig) (*CookieResolver, error) {
	if cfg.CookieName == "" {
		return nil, fmt.Errorf("cookie name is required")
	}
	if cfg.AnonymousID == "" {
		cfg.AnonymousID = "anonymous"
	}
	return &CookieResolver{
		cookieName:  cfg.CookieName,
		anonymousID: cfg.AnonymousID,
		logger:      cfg.Logger.With().Str("component", "user_resolver").Logger(),
	}, nil
}

// ResolveUser reads the configured cookie and builds a user from it.
func (r *CookieResolver) ResolveUser(_ context.Context, rc RequestContext) (*User, error) {
	id := rc.Cookie(r.cookieName)
	if id == "" {
		r.logger.Debug().
			Str("request_id", rc.RequestID).
			Msg("No identity cookie, resolving anonymous user")
		return &User{ID: r.anonymousID, Username: r.anonymousID}, nil
	}

	u := &User{ID: id, Username: id}
	if raw := rc.Header("x-user-groups"); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				u.Groups = append(u.Groups, g)
			}
		}
	}
	return u, nil
}
