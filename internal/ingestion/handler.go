package ingestion

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/internal/models"
)

// TransactionRequest is a raw submission to the ingest API. transactionId
// and occurredAt are optional; the service fills them in.
type TransactionRequest struct {
	TransactionID string           `json:"transactionId"`
	UserID        string           `json:"userId" binding:"required"`
	Amount        float64          `json:"amount"`
	Currency      string           `json:"currency"`
	MerchantID    string           `json:"merchantId"`
	OccurredAt    *time.Time       `json:"occurredAt"`
	Device        *models.Device   `json:"device"`
	Location      *models.Location `json:"location"`
}

// BatchRequest submits up to 1000 transactions at once.
type BatchRequest struct {
	Transactions []TransactionRequest `json:"transactions" binding:"required,min=1,max=1000"`
}

// TransactionResponse acknowledges an accepted submission. The decision
// arrives asynchronously on the decisions topic.
type TransactionResponse struct {
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	AcceptedAt    time.Time `json:"acceptedAt"`
}

// BatchResponse summarizes a batch submission.
type BatchResponse struct {
	Accepted int                   `json:"accepted"`
	Failed   int                   `json:"failed"`
	Results  []TransactionResponse `json:"results"`
}

// Publisher is the inbound-topic producer the service writes to.
type Publisher interface {
	Publish(tx *models.Transaction) error
}

// Service validates raw submissions and hands them to the inbound topic.
type Service struct {
	publisher Publisher
	now       func() time.Time
}

// NewService creates an ingestion service.
func NewService(publisher Publisher) *Service {
	return &Service{publisher: publisher, now: time.Now}
}

// Accept validates one submission and publishes it keyed by userId. A
// missing transactionId is minted here so every event entering the pipeline
// carries the idempotency key.
func (s *Service) Accept(req *TransactionRequest) (*TransactionResponse, error) {
	tx := &models.Transaction{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		MerchantID:    req.MerchantID,
		Device:        req.Device,
		Location:      req.Location,
	}
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if req.OccurredAt != nil {
		tx.OccurredAt = req.OccurredAt.UTC()
	} else {
		tx.OccurredAt = s.now().UTC()
	}

	if err := s.publisher.Publish(tx); err != nil {
		return nil, err
	}

	log.Debug().
		Str("transaction_id", tx.TransactionID).
		Str("user_id", tx.UserID).
		Msg("Transaction accepted for evaluation")

	return &TransactionResponse{
		TransactionID: tx.TransactionID,
		Status:        "accepted",
		AcceptedAt:    s.now().UTC(),
	}, nil
}

// Handler exposes the ingest endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the gin handler set for ingestion.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the ingest routes on the router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/transactions", h.ingestTransaction)
	rg.POST("/transactions/batch", h.ingestBatch)
}

func (h *Handler) ingestTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.Accept(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to accept transaction")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue transaction"})
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) ingestBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := &BatchResponse{Results: make([]TransactionResponse, 0, len(req.Transactions))}
	for i := range req.Transactions {
		r, err := h.service.Accept(&req.Transactions[i])
		if err != nil {
			resp.Failed++
			continue
		}
		resp.Accepted++
		resp.Results = append(resp.Results, *r)
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
