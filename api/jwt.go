// Package api exposes the sync engine over HTTP: token issuance, run
// triggering, job status and cancellation, progress streaming and
// search. All job and sync routes sit behind bearer JWT or API key
// auth; tokens carrying an organization claim only see that
// organization's resources.
package api

import (
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwt"

	weavehttp "weave.evalgo.org/http"
	"weave.evalgo.org/security"
)

// Handlers carries the services the API routes are built on. Queue is
// optional: with a queue attached, run requests are handed to workers;
// without one the sync runs in this process.
type Handlers struct {
	Sync  Runner
	Syncs SyncGetter
	Queue RunPublisher
	JWT   *security.JWTService

	// APIKeyHash is the bcrypt hash the token endpoint and the API key
	// middleware verify against.
	APIKeyHash string

	// JWTExpiration bounds issued tokens. Zero falls back to 24h.
	JWTExpiration time.Duration
}

// SetupRoutes registers all routes on the server. Health and token
// issuance are public; everything under /api/v1 requires a bearer JWT
// or an API key.
func SetupRoutes(e *echo.Echo, h *Handlers, serviceName, version string) {
	e.GET("/health", weavehttp.HealthCheckHandler(serviceName, version))
	e.POST("/auth/token", h.GenerateToken)

	protected := e.Group("/api/v1")
	protected.Use(APIKeyAuth(APIKeyConfig{KeyHash: h.APIKeyHash}))
	protected.Use(echojwt.WithConfig(echojwt.Config{
		Skipper: APIKeyAuthenticated,
		// access_token in the query keeps EventSource clients usable;
		// they cannot set headers.
		TokenLookup:    "header:Authorization:Bearer ,query:access_token",
		ParseTokenFunc: h.parseToken,
		SuccessHandler: h.storePrincipal,
	}))

	protected.POST("/syncs/:id/run", h.RunSync)
	protected.GET("/syncs/:id/search", h.SearchSync)
	protected.GET("/jobs/:id", h.GetJob)
	protected.POST("/jobs/:id/cancel", h.CancelJob)
	protected.GET("/jobs/:id/events", h.StreamJobEvents)
}

func (h *Handlers) parseToken(c echo.Context, auth string) (interface{}, error) {
	return h.JWT.ValidateToken(auth)
}

func (h *Handlers) storePrincipal(c echo.Context) {
	token, ok := c.Get("user").(jwt.Token)
	if !ok {
		return
	}
	p := Principal{Subject: token.Subject()}
	if org, ok := security.Organization(token); ok {
		p.OrganizationID = org
	}
	SetPrincipal(c, p)
}

func (h *Handlers) principal(c echo.Context) Principal {
	p, _ := GetPrincipal(c)
	return p
}

// TokenRequest exchanges the API key for a bearer token. Subject and
// org_id are carried into the token claims; a token with an org_id is
// confined to that organization.
type TokenRequest struct {
	APIKey         string `json:"api_key"`
	Subject        string `json:"subject,omitempty"`
	OrganizationID string `json:"org_id,omitempty"`
}

// TokenResponse carries an issued bearer token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateToken verifies the API key and issues a signed JWT.
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.APIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "api_key is required")
	}
	if h.APIKeyHash == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "API key auth is not configured")
	}
	if err := security.VerifyAPIKey(h.APIKeyHash, req.APIKey); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
	}

	subject := req.Subject
	if subject == "" {
		subject = "api"
	}
	expiration := h.JWTExpiration
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	token, err := h.JWT.GenerateToken(subject, req.OrganizationID, expiration)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(expiration).UTC(),
	})
}
