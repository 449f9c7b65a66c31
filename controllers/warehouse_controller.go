package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"stock_warehouse/config"
	"stock_warehouse/middleware"
	"stock_warehouse/models"
	"stock_warehouse/services/runlock"
	"stock_warehouse/services/runner"
	"stock_warehouse/services/warehouse"
)

// WarehouseController exposes the operator API: login, store status,
// the last run report, and a manual run trigger.
type WarehouseController struct {
	cfg    *config.Config
	store  *warehouse.Store
	runner *runner.Runner
}

func NewWarehouseController(cfg *config.Config, store *warehouse.Store, r *runner.Runner) *WarehouseController {
	return &WarehouseController{cfg: cfg, store: store, runner: r}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges the admin credentials for a bearer token.
func (wc *WarehouseController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(wc.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := middleware.IssueAdminToken(wc.cfg.JWTSecret, req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Status reports per-market symbol counts and fetch freshness.
func (wc *WarehouseController) Status(c *gin.Context) {
	type marketStatus struct {
		Market       models.Market `json:"market"`
		Symbols      int           `json:"symbols"`
		NeverFetched int           `json:"never_fetched"`
	}
	var out []marketStatus
	for _, market := range models.AllMarkets {
		symbols, err := wc.store.ActiveSymbols(market)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		fetched, err := wc.store.LastFetchedTimes(market)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		never := 0
		for _, sym := range symbols {
			if _, ok := fetched[sym.SymbolID]; !ok {
				never++
			}
		}
		out = append(out, marketStatus{Market: market, Symbols: len(symbols), NeverFetched: never})
	}
	c.JSON(http.StatusOK, gin.H{"markets": out})
}

// Report returns the most recent run summary.
func (wc *WarehouseController) Report(c *gin.Context) {
	summary := wc.runner.LastSummary()
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// TriggerRun starts an update run for one market in the background.
func (wc *WarehouseController) TriggerRun(c *gin.Context) {
	market, err := models.ParseMarket(c.Param("market"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
		defer cancel()
		if _, err := wc.runner.Run(ctx, market); err != nil && !errors.Is(err, runlock.ErrRunConflict) {
			// The summary endpoint carries the failure detail.
			return
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "run started", "market": market})
}

// Series returns one symbol's stored daily bars.
func (wc *WarehouseController) Series(c *gin.Context) {
	symbolID := c.Param("symbol")
	prices, err := wc.store.Series(symbolID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(prices) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbolID, "bars": prices})
}
