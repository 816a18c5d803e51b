package api

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Principal is the authenticated caller of a request. A token issued
// for an organization is confined to that organization's syncs and
// jobs; API keys and tokens without an organization claim are
// unscoped.
type Principal struct {
	// Subject identifies the caller (the JWT sub claim, or "api-key").
	Subject string `json:"subject"`

	// OrganizationID scopes the caller to one organization. Empty
	// means unscoped.
	OrganizationID string `json:"org_id,omitempty"`
}

// CanAccess reports whether the caller may touch a resource owned by
// the given organization.
func (p Principal) CanAccess(orgID uuid.UUID) bool {
	return p.OrganizationID == "" || p.OrganizationID == orgID.String()
}

// Context keys for authentication state.
const (
	contextKeyPrincipal = "principal"
	contextKeyAPIKey    = "api_key_ok"
)

// SetPrincipal stores the authenticated caller in the request context.
// Called by the API key and JWT middlewares after a credential checks
// out.
func SetPrincipal(c echo.Context, p Principal) {
	c.Set(contextKeyPrincipal, p)
}

// GetPrincipal retrieves the authenticated caller. The second return
// is false when no auth middleware has run for this request.
func GetPrincipal(c echo.Context) (Principal, bool) {
	p, ok := c.Get(contextKeyPrincipal).(Principal)
	return p, ok
}
