package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"xor-core/internal/bot"
	"xor-core/internal/order"
	"xor-core/internal/strategy"
	"xor-core/pkg/exchanges/common"
)

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

type createBotRequest struct {
	ID               string          `json:"id"`
	Exchange         string          `json:"exchange" binding:"required"`
	CredentialID     string          `json:"credential_id"`
	Symbol           string          `json:"symbol" binding:"required"`
	MarketType       string          `json:"market_type"`
	Strategy         string          `json:"strategy" binding:"required"`
	Params           strategy.Params `json:"params"`
	PositionSize     float64         `json:"position_size" binding:"required"`
	PositionSizeType string          `json:"position_size_type"`
	MaxPositions     int             `json:"max_positions"`
	Leverage         int             `json:"leverage"`
	MarginType       string          `json:"margin_type"`
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.MarketType == "" {
		req.MarketType = string(common.MarketSpot)
	}
	if req.PositionSizeType == "" {
		req.PositionSizeType = string(bot.SizeFixed)
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}

	b := &bot.Bot{
		ID:               req.ID,
		UserID:           currentUser(c),
		Exchange:         req.Exchange,
		CredentialID:     req.CredentialID,
		Symbol:           req.Symbol,
		MarketType:       common.MarketType(req.MarketType),
		StrategyID:       req.Strategy,
		Params:           req.Params,
		PositionSize:     req.PositionSize,
		PositionSizeType: bot.PositionSizeType(req.PositionSizeType),
		MaxPositions:     req.MaxPositions,
		Leverage:         req.Leverage,
		MarginType:       req.MarginType,
	}
	if err := s.Engine.CreateBot(c.Request.Context(), b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) listBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": s.Engine.Bots.ListByUser(currentUser(c))})
}

// ownedBot resolves the path bot and enforces ownership. Replies and
// returns false when the bot is missing or owned by someone else; a
// foreign bot reads as not found so IDs do not leak across users.
func (s *Server) ownedBot(c *gin.Context) (bot.Bot, bool) {
	b, ok := s.Engine.Bots.Get(c.Param("id"))
	if !ok || b.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return bot.Bot{}, false
	}
	return b, true
}

func (s *Server) getBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b)
}

type updateBotRequest struct {
	Params       strategy.Params `json:"params"`
	PositionSize float64         `json:"position_size"`
	MaxPositions int             `json:"max_positions"`
	Leverage     int             `json:"leverage"`
}

func (s *Server) updateBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	var req updateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Engine.UpdateBot(c.Request.Context(), b.ID, func(b *bot.Bot) {
		if req.Params != nil {
			b.Params = req.Params
		}
		if req.PositionSize > 0 {
			b.PositionSize = req.PositionSize
		}
		if req.MaxPositions > 0 {
			b.MaxPositions = req.MaxPositions
		}
		if req.Leverage > 0 {
			b.Leverage = req.Leverage
		}
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	updated, _ := s.Engine.Bots.Get(b.ID)
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Engine.DeleteBot(c.Request.Context(), b.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Engine.StartBot(c.Request.Context(), b.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(bot.StatusRunning)})
}

func (s *Server) stopBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Engine.StopBot(c.Request.Context(), b.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(bot.StatusStopped)})
}

func (s *Server) pauseBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Engine.PauseBot(b.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(bot.StatusPaused)})
}

func (s *Server) resumeBot(c *gin.Context) {
	b, ok := s.ownedBot(c)
	if !ok {
		return
	}
	if err := s.Engine.ResumeBot(c.Request.Context(), b.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(bot.StatusRunning)})
}

func (s *Server) listOrders(c *gin.Context) {
	userID := currentUser(c)
	all := s.Engine.Pipeline.Orders()
	out := make([]order.Order, 0, len(all))
	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) cancelOrder(c *gin.Context) {
	clientID := c.Param("client_order_id")
	o, ok := s.Engine.Pipeline.GetOrder(clientID)
	if !ok || o.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err := s.Engine.CancelOrder(c.Request.Context(), clientID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) listPositions(c *gin.Context) {
	userID := currentUser(c)
	out := make([]order.Position, 0)
	for _, b := range s.Engine.Bots.ListByUser(userID) {
		out = append(out, s.Engine.Pipeline.Positions().OpenByBot(b.ID)...)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) getRisk(c *gin.Context) {
	userID := currentUser(c)
	eng := s.Engine.Risk.Get(userID)
	if eng == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no risk state for user"})
		return
	}
	equity, _ := s.Engine.Balances.Equity(userID)
	active, lastReason, activations := eng.KillSwitch().Status()
	c.JSON(http.StatusOK, gin.H{
		"limits":    eng.Limits(),
		"portfolio": eng.CalculatePortfolioRisk(equity),
		"kill_switch": gin.H{
			"active":      active,
			"last_reason": lastReason,
			"activations": activations,
		},
	})
}

type killRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) triggerKillSwitch(c *gin.Context) {
	var req killRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.Engine.TriggerKillSwitch(currentUser(c), req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

type releaseRequest struct {
	ConfirmationCode string `json:"confirmation_code" binding:"required"`
}

func (s *Server) releaseKillSwitch(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Engine.ReleaseKillSwitch(currentUser(c), req.ConfirmationCode); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}
