package analytics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/internal/models"
	"github.com/paystream/fraud-engine/internal/repositories"
)

// HealthProbe reports whether one downstream dependency is reachable.
type HealthProbe func(ctx context.Context) bool

// Service answers decision queries out of the durable store and aggregates
// dependency health for the API's health endpoint.
type Service struct {
	decisions *repositories.DecisionRepository
	probes    map[string]HealthProbe
}

// NewService creates a decision query service. Probes are keyed by the
// dependency name reported in the health payload.
func NewService(decisions *repositories.DecisionRepository, probes map[string]HealthProbe) *Service {
	return &Service{decisions: decisions, probes: probes}
}

// GetDecision retrieves a single decision by transaction id.
func (s *Service) GetDecision(ctx context.Context, transactionID string) (*models.Decision, error) {
	return s.decisions.GetByTransactionID(ctx, transactionID)
}

// ListDecisions pages through decisions, optionally filtered by user or
// outcome.
func (s *Service) ListDecisions(ctx context.Context, f repositories.ListFilter) ([]*models.Decision, int64, error) {
	return s.decisions.List(ctx, f)
}

// ListHighRisk returns REVIEW and BLOCK decisions, newest first.
func (s *Service) ListHighRisk(ctx context.Context, page, pageSize int) ([]*models.Decision, error) {
	return s.decisions.ListHighRisk(ctx, page, pageSize)
}

// GetUserStats aggregates one user's decision history.
func (s *Service) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	return s.decisions.UserStats(ctx, userID)
}

// Health runs every probe with a shared deadline and reports per-dependency
// status. Overall status is "UP" only when all probes pass, "DEGRADED"
// otherwise.
func (s *Service) Health(ctx context.Context) (string, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	overall := "UP"
	deps := make(map[string]string, len(s.probes))
	for name, probe := range s.probes {
		if probe(ctx) {
			deps[name] = "UP"
		} else {
			deps[name] = "DOWN"
			overall = "DEGRADED"
		}
	}
	return overall, deps
}

// Handler exposes the decision query endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the gin handler set for decision queries.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the query routes on the router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/decisions", h.listDecisions)
	rg.GET("/decisions/high-risk", h.listHighRisk)
	rg.GET("/decisions/user/:userId/stats", h.getUserStats)
	rg.GET("/decisions/:transactionId", h.getDecision)
}

// RegisterHealth mounts the aggregate health endpoint on the router.
func (h *Handler) RegisterHealth(r *gin.Engine) {
	r.GET("/health", h.health)
}

func (h *Handler) getDecision(c *gin.Context) {
	decision, err := h.service.GetDecision(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, repositories.ErrDecisionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to fetch decision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch decision"})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) listDecisions(c *gin.Context) {
	filter := repositories.ListFilter{
		UserID:   c.Query("userId"),
		Decision: c.Query("decision"),
		Page:     intQuery(c, "page", 1),
		PageSize: intQuery(c, "size", 20),
	}

	decisions, total, err := h.service.ListDecisions(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list decisions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"total":     total,
		"page":      filter.Page,
		"size":      filter.PageSize,
	})
}

func (h *Handler) listHighRisk(c *gin.Context) {
	page := intQuery(c, "page", 1)
	size := intQuery(c, "size", 50)

	decisions, err := h.service.ListHighRisk(c.Request.Context(), page, size)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list high-risk decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list high-risk decisions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "page": page, "size": size})
}

func (h *Handler) getUserStats(c *gin.Context) {
	stats, err := h.service.GetUserStats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to aggregate user stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate user stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) health(c *gin.Context) {
	overall, deps := h.service.Health(c.Request.Context())

	status := http.StatusOK
	if overall != "UP" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
