package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relay-netctl/internal/core"
	"relay-netctl/internal/metrics"
)

// WebServer serves the read-only HTTP status API, the WebSocket feed and
// the Prometheus endpoint.
type WebServer struct {
	svc         *Service
	broadcaster *Broadcaster
	router      *gin.Engine
	httpServer  *http.Server
}

// NewWebServer builds the router. m may be nil to omit /metrics.
func NewWebServer(svc *Service, b *Broadcaster, m *metrics.Metrics) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLog())

	ws := &WebServer{svc: svc, broadcaster: b, router: router}

	api := router.Group("/api")
	api.GET("/status", ws.getStatus)
	api.GET("/events", ws.getEvents)
	api.GET("/failover", ws.getFailover)
	api.GET("/routing", ws.getRouting)
	if b != nil {
		router.GET("/ws", gin.WrapH(b))
	}
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return ws
}

// Handler returns the router, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.router }

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		core.Log.Debugf("API", "%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (ws *WebServer) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ws.svc.Status(c.Request.Context()))
}

// getEvents returns the retained events; ?since=RFC3339 or ?limit=N narrow it.
func (ws *WebServer) getEvents(c *gin.Context) {
	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}
	events := ws.svc.Events(since)
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if n > 0 && n < len(events) {
			events = events[len(events)-n:]
		}
	}
	if events == nil {
		events = []core.NetworkEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (ws *WebServer) getFailover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config": ws.svc.GetFailoverConfig(),
		"state":  ws.svc.opts.Machine.Snapshot(),
	})
}

func (ws *WebServer) getRouting(c *gin.Context) {
	c.JSON(http.StatusOK, ws.svc.RoutingState(c.Request.Context()))
}

// Start listens on addr and serves in the background.
func (ws *WebServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ws.httpServer = &http.Server{
		Handler:           ws.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	core.Log.Infof("API", "HTTP API listening on http://%s", ln.Addr())
	go func() {
		if err := ws.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.Log.Errorf("API", "HTTP server: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.httpServer.Shutdown(ctx)
}
