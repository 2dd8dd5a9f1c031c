// Package apiserver is a thin gin adapter exposing the Supervisor's control
// operations over HTTP. Per spec.md's Non-goals, the routing/auth/schema
// details of the control API are out of scope; this package stays a direct,
// undecorated pass-through to internal/supervisor.Supervisor, grounded on
// provisr's internal/server/router.go (same route table shape: POST
// /start, /stop, /restart, /scale, GET /status, /group/status — gin,
// not net/http, since that is what the teacher and its TLS wiring assume).
// No /metrics route is registered here.
package apiserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tspmhq/tspm/internal/restartpolicy"
	"github.com/tspmhq/tspm/internal/supervisor"
	tspmtls "github.com/tspmhq/tspm/internal/tls"
)

// Server wraps a *supervisor.Supervisor with an HTTP control surface.
type Server struct {
	sup      *supervisor.Supervisor
	basePath string
}

// New constructs a Server. basePath may be empty or start with "/"; it is
// sanitized the way provisr's sanitizeBase does (no trailing slash).
func New(sup *supervisor.Supervisor, basePath string) *Server {
	return &Server{sup: sup, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	if bp == "" || bp == "/" {
		return ""
	}
	if bp[0] != '/' {
		bp = "/" + bp
	}
	for len(bp) > 1 && bp[len(bp)-1] == '/' {
		bp = bp[:len(bp)-1]
	}
	return bp
}

type okResp struct {
	OK bool `json:"ok"`
}

type errorResp struct {
	Error string `json:"error"`
}

// Handler returns an http.Handler suitable for http.Server.Handler or
// httptest.NewServer, with gin.Recovery() as the only middleware — the
// teacher's same minimal stance for an embeddable control API.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(s.basePath)
	group.POST("/start", s.handleStart)
	group.POST("/stop", s.handleStop)
	group.POST("/restart", s.handleRestart)
	group.POST("/scale", s.handleScale)
	group.GET("/status", s.handleStatus)
	group.GET("/group/status", s.handleGroupStatus)
	return g
}

// ListenAndServe starts a standalone HTTP(S) server on addr. A nil tlsCfg
// serves plaintext HTTP.
func (s *Server) ListenAndServe(addr string, tlsCfg *tspmtls.ServerConfig) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg == nil {
		return srv.ListenAndServe()
	}
	cfg, err := tspmtls.SetupTLS(*tlsCfg)
	if err != nil {
		return err
	}
	srv.TLSConfig = cfg
	return srv.ListenAndServeTLS("", "")
}

func (s *Server) handleStart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name parameter required"})
		return
	}
	if err := s.sup.StartProcess(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStop(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name parameter required"})
		return
	}
	if err := s.sup.StopProcess(c.Request.Context(), name, restartpolicy.ReasonManual); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleRestart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name parameter required"})
		return
	}
	if err := s.sup.RestartProcess(c.Request.Context(), name, restartpolicy.ReasonManual); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleScale(c *gin.Context) {
	name := c.Query("name")
	n, err := strconv.Atoi(c.Query("instances"))
	if name == "" || err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name and numeric instances parameters required"})
		return
	}
	if err := s.sup.ScaleProcess(c.Request.Context(), name, n); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStatus(c *gin.Context) {
	name := c.Query("name")
	statuses := s.sup.List()
	if name == "" {
		c.JSON(http.StatusOK, statuses)
		return
	}
	for _, st := range statuses {
		if st.Name == name {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, errorResp{Error: "process not found: " + name})
}

func (s *Server) handleGroupStatus(c *gin.Context) {
	clusterGroup := c.Query("cluster_group")
	if clusterGroup == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "cluster_group parameter required"})
		return
	}
	c.JSON(http.StatusOK, s.sup.ClusterView(clusterGroup))
}
