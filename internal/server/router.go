package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/communities"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "tandem_user_id"
	profileIDContextKey = "tandem_profile_id"
	claimsContextKey    = "tandem_claims"

	// ProfileHeader names the profile a request acts for. It overrides the
	// profile pinned in the session token.
	ProfileHeader = "X-Tandem-Profile"
)

var (
	errMissingValidator   = errors.New("claims validator dependency required")
	errMissingEvents      = errors.New("events service dependency required")
	errMissingProfiles    = errors.New("profiles service dependency required")
	errMissingCommunities = errors.New("communities service dependency required")
	errMissingUsers       = errors.New("users service dependency required")
)

type ClaimsValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

type Dependencies struct {
	Validator      ClaimsValidator
	Events         *events.Service
	Profiles       *profiles.Service
	Communities    *communities.Service
	Users          *users.Service
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Events == nil:
		return nil, errMissingEvents
	case deps.Profiles == nil:
		return nil, errMissingProfiles
	case deps.Communities == nil:
		return nil, errMissingCommunities
	case deps.Users == nil:
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:   deps.Validator,
		events:      deps.Events,
		profiles:    deps.Profiles,
		communities: deps.Communities,
		users:       deps.Users,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/profiles", handler.handleCreateProfile)
	protected.PATCH("/profiles/:id", handler.handleRenameProfile)
	protected.POST("/profiles/:id/users", handler.handleAddProfileUser)
	protected.PATCH("/profiles/:id/notifications", handler.handleSetNotifications)
	protected.POST("/devices", handler.handleRegisterDevice)
	protected.DELETE("/devices/:token", handler.handleRemoveDevice)
	protected.GET("/profiles/events", handler.handleListEvents)

	acting := protected.Group("/")
	acting.Use(handler.requireProfile)
	acting.POST("/events", handler.handleCreateEvent)
	acting.GET("/events/:id", handler.handleGetEvent)
	acting.PATCH("/events/:id", handler.handleUpdateEvent)
	acting.POST("/events/:id/share", handler.handleShareEvent)
	acting.POST("/events/:id/open", handler.handleOpenEvent)
	acting.POST("/events/:id/confirm", handler.handleConfirmEvent)
	acting.POST("/events/:id/decline", handler.handleDeclineEvent)
	acting.POST("/events/:id/images", handler.handleAddImages)
	acting.GET("/communities", handler.handleListCommunities)
	acting.POST("/communities", handler.handleCreateCommunity)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", ProfileHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	validator   ClaimsValidator
	events      *events.Service
	profiles    *profiles.Service
	communities *communities.Service
	users       *users.Service
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.EnsureUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(userIDContextKey, userID)
	c.Next()
}

// requireProfile resolves the acting profile and checks the user may act for it.
func (h *httpHandler) requireProfile(c *gin.Context) {
	profileID := strings.TrimSpace(c.GetHeader(ProfileHeader))
	if profileID == "" {
		if claims, ok := c.Get(claimsContextKey); ok {
			profileID = strings.TrimSpace(claims.(auth.Claims).ProfileID)
		}
	}
	if profileID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "profile_required"})
		return
	}
	if err := h.profiles.Authorize(c.Request.Context(), c.GetString(userIDContextKey), profileID); err != nil {
		h.abortWithError(c, "profile authorization failed", err)
		return
	}
	c.Set(profileIDContextKey, profileID)
	c.Next()
}

var badRequestErrors = []error{
	events.ErrInvalidTitle,
	events.ErrInvalidTimeWindow,
	events.ErrInvalidIdentifier,
	events.ErrInvalidImageCount,
	profiles.ErrInvalidName,
	profiles.ErrInvalidIdentifier,
	communities.ErrInvalidName,
	communities.ErrInvalidIdentifier,
	communities.ErrPersonalMembers,
	users.ErrInvalidDevice,
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, communities.ErrNotGroupMember), errors.Is(err, profiles.ErrNotProfileUser):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, "invalid_request"
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) abortWithError(c *gin.Context, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
