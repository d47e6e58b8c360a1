package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/wolfpack/internal/player"
)

// workerView is the JSON shape of one pool worker.
type workerView struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Account string `json:"account"`
	Live    bool   `json:"live"`
	Primary bool   `json:"primary"`
}

// policyView is the JSON shape of the decision policy.
type policyView struct {
	Target     string `json:"target"`
	ForceHuman bool   `json:"force_human"`
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.Pool))

	api := router.Group("/api")
	api.GET("/sessions", handleSessions(opts.Registry))
	api.GET("/sessions/:id", handleSession(opts.Registry))
	api.GET("/workers", handleWorkers(opts.Pool))
	api.GET("/policy", handlePolicy(opts.Engine))
	api.GET("/joins", handleJoins(opts.Joins))
	api.GET("/events", handleSSE(opts.Registry, opts.Poll))
}

// handleHealth answers 200 while at least one worker is live.
func handleHealth(pool *player.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		live := len(pool.Active())
		if live == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "live_workers": 0})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "live_workers": live})
	}
}

func handleSessions(reg *player.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshots(reg))
	}
}

func handleSession(reg *player.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := reg.Resolve(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	}
}

func handleWorkers(pool *player.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		primary := pool.Primary()
		var out []workerView
		for _, w := range pool.Workers() {
			id := w.Identity()
			out = append(out, workerView{
				Name:    w.Name(),
				ID:      id.ID,
				Account: id.Name,
				Live:    w.Live(),
				Primary: primary != nil && primary.Name() == w.Name(),
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handlePolicy(engine *player.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := engine.Policy()
		c.JSON(http.StatusOK, policyView{Target: p.Target, ForceHuman: p.ForceHuman})
	}
}

func handleJoins(joins JoinLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		if joins == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "join history is not recorded"})
			return
		}
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		recs, err := joins.RecentJoins(c.Request.Context(), c.Query("chat"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

func snapshots(reg *player.Registry) []player.SessionSnapshot {
	sessions := reg.Sessions()
	out := make([]player.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
