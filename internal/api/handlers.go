package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"options-signal-engine/internal/marketdata"
)

// readPayload parses the request body as a JSON object and restores it so
// downstream handlers can bind it again.
func readPayload(c *gin.Context) (map[string]interface{}, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// handleHealth reports process and database health
func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	dbStatus := "ok"
	if s.repo != nil {
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			status = "degraded"
			dbStatus = err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"database": dbStatus,
		"time":     time.Now().UTC(),
	})
}

// handleTradingViewWebhook ingests a TradingView alert payload.
func (s *Server) handleTradingViewWebhook(c *gin.Context) {
	raw, ok := readPayload(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	delete(raw, "secret")
	if _, present := raw["source"]; !present {
		raw["source"] = "tradingview"
	}

	res := s.pipeline.ProcessSignal(c.Request.Context(), raw)
	c.JSON(http.StatusOK, res)
}

// handleSignalWebhook ingests a generic signal payload from any source.
func (s *Server) handleSignalWebhook(c *gin.Context) {
	raw, ok := readPayload(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	delete(raw, "secret")

	res := s.pipeline.ProcessSignal(c.Request.Context(), raw)
	c.JSON(http.StatusOK, res)
}

// handleSignalBatch ingests an array of signal payloads. The response always
// carries one result per input, in order.
func (s *Server) handleSignalBatch(c *gin.Context) {
	var batch []map[string]interface{}
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON array"})
		return
	}
	for _, raw := range batch {
		delete(raw, "secret")
	}

	results := s.pipeline.ProcessSignalBatch(c.Request.Context(), batch)
	c.JSON(http.StatusOK, gin.H{
		"count":   len(results),
		"results": results,
	})
}

// handleContextUpdate accepts a pushed market context update.
func (s *Server) handleContextUpdate(c *gin.Context) {
	if s.updater == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Context updates are not supported by the configured provider"})
		return
	}

	var update marketdata.ContextUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid context payload"})
		return
	}

	s.updater.ApplyContext(update)
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// handleGetPositions returns all open positions
func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.positions.OpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

// handleGetPosition returns one position by ID
func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.positions.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

// handleClosePosition closes a position (fully, or partially when a quantity
// is given) at the market price.
func (s *Server) handleClosePosition(c *gin.Context) {
	pos, err := s.positions.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Quantity float64 `json:"quantity"`
	}
	_ = c.ShouldBindJSON(&req)
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = pos.Quantity
	}

	closed, err := s.positions.CloseAtMarket(c.Request.Context(), pos, quantity)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, closed)
}

// handleGetStats returns pipeline counters plus per-stage failure totals for
// the trailing 24 hours
func (s *Server) handleGetStats(c *gin.Context) {
	resp := gin.H{"pipeline": s.pipeline.Stats()}
	if s.repo != nil {
		counts, err := s.repo.FailureCountsByStage(c.Request.Context(), time.Now().Add(-24*time.Hour))
		if err == nil {
			resp["failures_by_stage"] = counts
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetFailures returns the recorded pipeline failures for a tracking ID
func (s *Server) handleGetFailures(c *gin.Context) {
	trackingID := c.Param("tracking_id")
	failures, err := s.repo.GetFailuresByTrackingID(c.Request.Context(), trackingID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tracking_id": trackingID,
		"count":       len(failures),
		"failures":    failures,
	})
}

// handleGetMonitorStats returns the last exit sweep summary
func (s *Server) handleGetMonitorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Stats())
}

// handleTriggerSweep runs an exit sweep immediately
func (s *Server) handleTriggerSweep(c *gin.Context) {
	s.monitor.Sweep()
	c.JSON(http.StatusOK, s.monitor.Stats())
}
