package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/service"
	"github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/middleware"
	"github.com/weiawesome/wes-trip-collab/pkg/response"
)

// HTTPHandler serves presence snapshots over REST.
type HTTPHandler struct {
	service        service.CollabService
	authMiddleware *middleware.AuthMiddleware
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc service.CollabService, authMiddleware *middleware.AuthMiddleware) *HTTPHandler {
	return &HTTPHandler{
		service:        svc,
		authMiddleware: authMiddleware,
	}
}

// MembersResponse is the body of GET /api/v1/trips/:trip_id/members.
type MembersResponse struct {
	TripID  string          `json:"trip_id"`
	Members []domain.Member `json:"members"`
	Total   int             `json:"total"`
}

// RegisterRoutes registers all routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		api.GET("/trips/:trip_id/members", h.GetMembers)
		api.GET("/stats", h.GetStats)
	}
}

// GetMembers handles GET /api/v1/trips/:trip_id/members
func (h *HTTPHandler) GetMembers(c *gin.Context) {
	ctx := c.Request.Context()
	tripID := c.Param("trip_id")

	members, err := h.service.MembersOf(ctx, tripID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldTripID, tripID).Msg("failed to list members")
		response.InternalError(c, "failed to list members")
		return
	}

	response.Success(c, MembersResponse{
		TripID:  tripID,
		Members: members,
		Total:   len(members),
	})
}

// GetStats handles GET /api/v1/stats
func (h *HTTPHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.service.Stats(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to read stats")
		response.InternalError(c, "failed to read stats")
		return
	}

	response.Success(c, stats)
}
