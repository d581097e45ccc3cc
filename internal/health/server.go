package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gantry/internal/metrics"
	"github.com/loykin/gantry/internal/pool"
)

// Router exposes the cached health snapshots over HTTP.
// Endpoints:
//
//	GET {livePath}   200 while the supervisor is not Failed, else 503
//	GET {readyPath}  200 once startup is Ready and all checks pass, else 503
//	GET /status      startup state plus per-worker records
//	GET /metrics     Prometheus exposition
type Router struct {
	ref       *Refresher
	pool      *pool.Pool
	livePath  string
	readyPath string
}

func NewRouter(ref *Refresher, p *pool.Pool, livePath, readyPath string) *Router {
	if livePath == "" {
		livePath = "/healthz/live"
	}
	if readyPath == "" {
		readyPath = "/healthz/ready"
	}
	return &Router{ref: ref, pool: p, livePath: livePath, readyPath: readyPath}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET(r.livePath, r.handleLive)
	g.GET(r.readyPath, r.handleReady)
	g.GET("/status", r.handleStatus)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

func (r *Router) handleLive(c *gin.Context) {
	snap := r.ref.Snapshot()
	code := http.StatusOK
	if !snap.Live {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"live":       snap.Live,
		"state":      snap.State,
		"checked_at": snap.CheckedAt,
	})
}

func (r *Router) handleReady(c *gin.Context) {
	snap := r.ref.Snapshot()
	code := http.StatusOK
	if !snap.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, snap)
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.ref.Snapshot()
	resp := gin.H{
		"state": snap.State,
		"ready": snap.Ready,
	}
	if r.pool != nil {
		resp["workers"] = r.pool.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}
