// Package a2a implements the agent-to-agent message routing server: agent
// card registration, store-and-forward mailboxes, and drain-style polling.
// Delivery is at-most-once and unordered; reliability for tracked requests
// lives in the minions' M2M engines, not here.
package a2a

import (
	"net/http"
	"sort"
	"sync"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"
	"MinionArmy/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// mailboxCap bounds each agent's mailbox; overflow drops the oldest message
// first so a stalled poller degrades instead of growing without bound.
const mailboxCap = 1024

// Server routes messages between registered agents.
type Server struct {
	logger   *logger.Logger
	limiters *ratelimiter.PerKey

	mu        sync.Mutex
	cards     map[string]*models.AgentCard
	mailboxes map[string][]models.RawMessage
}

// NewServer creates a routing server. The per-sender rate limiter is only
// installed when enabled in the config.
func NewServer(cfg *config.ServerConfig, log *logger.Logger) *Server {
	s := &Server{
		logger:    log,
		cards:     make(map[string]*models.AgentCard),
		mailboxes: make(map[string][]models.RawMessage),
	}
	if cfg.RateLimiter.Enabled {
		rate := cfg.RateLimiter.TokenBucket.Rate
		capacity := cfg.RateLimiter.TokenBucket.Capacity
		s.limiters = ratelimiter.NewPerKey(func() ratelimiter.RateLimiter {
			return ratelimiter.NewTokenBucket(rate, capacity)
		})
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/register", s.RegisterHandler)
	router.POST("/send", s.SendHandler)
	router.GET("/poll/:id", s.PollHandler)
	router.GET("/agents", s.AgentsHandler)
	return router
}

// RegisterHandler stores or refreshes an agent card. Idempotent.
func (s *Server) RegisterHandler(c *gin.Context) {
	var card models.AgentCard
	if err := c.ShouldBindJSON(&card); err != nil || card.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent card"})
		return
	}

	s.mu.Lock()
	_, known := s.cards[card.ID]
	s.cards[card.ID] = &card
	if _, ok := s.mailboxes[card.ID]; !ok {
		s.mailboxes[card.ID] = nil
	}
	s.mu.Unlock()

	if !known {
		s.logger.WithPayload(map[string]interface{}{"agent_id": card.ID}).Info("agent registered")
	}
	c.JSON(http.StatusOK, gin.H{"registered": card.ID})
}

// SendHandler appends a message to the recipient's mailbox. An unknown
// recipient is a 404; the sender decides whether that matters.
func (s *Server) SendHandler(c *gin.Context) {
	var payload struct {
		RecipientID string            `json:"recipientId"`
		Message     models.RawMessage `json:"message"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.RecipientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid send request"})
		return
	}

	if s.limiters != nil && !s.limiters.Allow(payload.Message.SenderID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "sender rate limit exceeded"})
		return
	}

	s.mu.Lock()
	if _, known := s.cards[payload.RecipientID]; !known {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown recipient"})
		return
	}
	box := s.mailboxes[payload.RecipientID]
	if len(box) >= mailboxCap {
		box = box[1:]
		s.logger.WithPayload(map[string]interface{}{
			"recipient": payload.RecipientID,
		}).Warn("mailbox full, oldest message dropped")
	}
	s.mailboxes[payload.RecipientID] = append(box, payload.Message)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

// PollHandler drains and returns the agent's mailbox.
func (s *Server) PollHandler(c *gin.Context) {
	agentID := c.Param("id")

	s.mu.Lock()
	msgs := s.mailboxes[agentID]
	s.mailboxes[agentID] = nil
	s.mu.Unlock()

	if msgs == nil {
		msgs = []models.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// AgentsHandler lists all registered agent cards sorted by id.
func (s *Server) AgentsHandler(c *gin.Context) {
	s.mu.Lock()
	cards := make([]*models.AgentCard, 0, len(s.cards))
	for _, card := range s.cards {
		cards = append(cards, card)
	}
	s.mu.Unlock()

	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	c.JSON(http.StatusOK, gin.H{"agents": cards})
}
