package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/app"
	"github.com/MarcoPoloResearchLab/commons/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usernameContextKey = "commons_username"

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingServices         = errors.New("services dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto a community username.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	Sessions   SessionValidator
	Identities IdentityResolver
	Services   *app.Services
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Services == nil || deps.Services.Engine == nil {
		return nil, errMissingServices
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		services:   deps.Services,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/actions", handler.handleAction)
	protected.GET("/spaces", handler.handleListSpaces)
	protected.POST("/spaces", handler.handleCreateSpace)
	protected.GET("/spaces/:slug", handler.handleGetSpace)
	protected.GET("/spaces/:slug/requests", handler.handleListRequests)
	protected.GET("/messages", handler.handleListMessages)
	protected.POST("/messages", handler.handleSendMessage)
	protected.GET("/tags", handler.handleListTags)
	protected.POST("/tags", handler.handleCreateTag)
	protected.GET("/tags/:slug/ancestry", handler.handleTagAncestry)
	protected.GET("/activity", handler.handleActivity)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	services   *app.Services
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	username, err := h.identities.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(usernameContextKey, username)
	c.Next()
}

func (h *httpHandler) handleMe(c *gin.Context) {
	account, err := h.services.Accounts.Load(c.Request.Context(), c.GetString(usernameContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountPayload{
		Username:    account.Username,
		DisplayName: account.DisplayName,
		Following:   account.Relations.Following,
		Followers:   account.Relations.Followers,
		Spaces:      account.Relations.Spaces,
	})
}

func (h *httpHandler) handleAction(c *gin.Context) {
	var request actionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome := h.services.Engine.Perform(c.Request.Context(), c.GetString(usernameContextKey), request.Action, request.Target)
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleListSpaces(c *gin.Context) {
	list, err := h.services.Spaces.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spaces": list})
}

func (h *httpHandler) handleCreateSpace(c *gin.Context) {
	var request createSpaceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	slug, err := h.services.Engine.CreateSpace(
		c.Request.Context(),
		c.GetString(usernameContextKey),
		request.Name,
		request.Description,
		request.AccessLevel,
		request.Address,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"slug": slug})
}

func (h *httpHandler) handleGetSpace(c *gin.Context) {
	space, err := h.services.Spaces.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, space)
}

func (h *httpHandler) handleListRequests(c *gin.Context) {
	pending, err := h.services.Membership.ListPending(c.Request.Context(), c.GetString(usernameContextKey), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	list, err := h.services.Messages.List(
		c.Request.Context(),
		c.GetString(usernameContextKey),
		messageChannel(c.Query("channel_type")),
		c.Query("channel_id"),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": list})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.services.Engine.SendMessage(
		c.Request.Context(),
		c.GetString(usernameContextKey),
		messageChannel(request.ChannelType),
		request.ChannelID,
		request.Content,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	options, err := h.services.Tags.Options(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": options})
}

func (h *httpHandler) handleCreateTag(c *gin.Context) {
	var request createTagRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tag, err := h.services.Tags.FindOrCreate(c.Request.Context(), request.Name, request.Type, request.Parent, request.extra())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tag)
}

func (h *httpHandler) handleTagAncestry(c *gin.Context) {
	chain, err := h.services.Tags.Ancestry(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ancestry": chain})
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	limit := defaultActivityLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxActivityLimit)
	}
	entries, err := h.services.Activity.Recent(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}
