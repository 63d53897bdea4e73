package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cypherbabel/bito-indexer/internal/index"
	"github.com/cypherbabel/bito-indexer/internal/notifier"
)

// APIHandler binds the query layer and the admin operations to HTTP.
type APIHandler struct {
	idx      *index.Index
	wsHub    *Hub
	notifier *notifier.Notifier
	start    func()
}

// SetupRouter wires the public query surface and the controller-only admin
// routes. start restarts the driver loop after a stop.
func SetupRouter(idx *index.Index, wsHub *Hub, n *notifier.Notifier, start func()) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{idx: idx, wsHub: wsHub, notifier: n, start: start}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/latest-block", handler.handleLatestBlock)
		pub.GET("/etching/:txid", handler.handleEtching)
		pub.GET("/rune/:spaced", handler.handleRune)
		pub.GET("/rune-id/:block/:tx", handler.handleRuneByID)
		pub.POST("/rune-balances", handler.handleRuneBalances)
		pub.GET("/inscription/:query", handler.handleInscriptionInfo)
		pub.GET("/inscription-entry/:id", handler.handleInscriptionEntry)
		pub.GET("/inscriptions/block/:height", handler.handleInscriptionsInBlock)
		pub.GET("/output/:txid/:vout/inscriptions", handler.handleInscriptionsOnOutput)
	}

	// ── Admin endpoints (controller only, bearer token) ────────
	admin := r.Group("/api/v1/admin")
	admin.Use(AuthMiddleware())
	admin.Use(NewRateLimiter(30, 5).Middleware())
	{
		admin.POST("/start", handler.handleStart)
		admin.POST("/stop", handler.handleStop)
		admin.PUT("/bitcoin-rpc-url", handler.handleSetBitcoinRPCURL)
		admin.GET("/subscribers", handler.handleGetSubscribers)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	height, hash, err := h.idx.LatestBlock()
	status := gin.H{
		"status":  "operational",
		"network": h.idx.Network(),
	}
	if err == nil {
		status["height"] = height
		status["hash"] = hash
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandler) handleLatestBlock(c *gin.Context) {
	height, hash, err := h.idx.LatestBlock()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": height, "hash": hash})
}

func (h *APIHandler) handleEtching(c *gin.Context) {
	resp, err := h.idx.Etching(c.Param("txid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleRune(c *gin.Context) {
	resp, err := h.idx.RuneByName(c.Param("spaced"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleRuneByID(c *gin.Context) {
	resp, err := h.idx.RuneByID(c.Param("block") + ":" + c.Param("tx"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleRuneBalances(c *gin.Context) {
	var req struct {
		Outpoints []string `json:"outpoints"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {outpoints: [\"txid:vout\"]}"})
		return
	}
	balances, err := h.idx.RuneBalancesForOutputs(req.Outpoints)
	if err != nil {
		if err == index.ErrMaxOutpointsExceeded {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":        "MaxOutpointsExceeded",
				"maxOutpoints": index.MaxOutpointsPerQuery,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (h *APIHandler) handleInscriptionInfo(c *gin.Context) {
	query, err := index.ParseInscriptionQuery(c.Param("query"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var child *int
	if raw := c.Query("child"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid child index"})
			return
		}
		child = &n
	}
	resp, err := h.idx.InscriptionInfo(c.Request.Context(), query, child)
	if err != nil {
		if err == index.ErrSatIndexDisabled {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleInscriptionEntry(c *gin.Context) {
	resp, err := h.idx.InscriptionEntryByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleInscriptionsInBlock(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}
	ids, err := h.idx.InscriptionsInBlock(uint32(height))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"inscriptions": ids})
}

func (h *APIHandler) handleInscriptionsOnOutput(c *gin.Context) {
	ids, err := h.idx.InscriptionsOnOutput(c.Param("txid") + ":" + c.Param("vout"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"inscriptions": ids})
}

func (h *APIHandler) handleStart(c *gin.Context) {
	h.idx.CancelShutdown()
	if h.start != nil {
		h.start()
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *APIHandler) handleStop(c *gin.Context) {
	h.idx.ShutDown()
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (h *APIHandler) handleSetBitcoinRPCURL(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {url}"})
		return
	}
	store := h.idx.Store()
	cfg, err := store.GetConfig()
	if err != nil || cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "config unavailable"})
		return
	}
	cfg.BitcoinRPCURL = req.URL
	if err := store.SetConfig(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *APIHandler) handleGetSubscribers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscribers": h.notifier.Subscribers()})
}
