package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"relaymon/internal/api"
	"relaymon/internal/auth"
	"relaymon/internal/config"
	"relaymon/internal/kpi"
	"relaymon/internal/monitor"
	"relaymon/internal/pivpn"
	"relaymon/internal/service"
	"relaymon/internal/stunutil"
	"relaymon/internal/sysinfo"
)

// Server exposes the snapshot and relay operations over an authenticated
// JSON API. It never touches the scheduler's state directly; reads go
// through the snapshot store and writes through RunCycle.
type Server struct {
	cfg  config.Config
	auth *auth.Service
	mon  *monitor.Monitor
	tool *pivpn.Tool
	svc  *service.Manager

	// login attempts are rate limited per client IP.
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg config.Config, authSvc *auth.Service, mon *monitor.Monitor, tool *pivpn.Tool, svc *service.Manager) *Server {
	return &Server{
		cfg:      cfg,
		auth:     authSvc,
		mon:      mon,
		tool:     tool,
		svc:      svc,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/login", s.handleLogin)

	authed := r.Group("/api", s.requireAuth)
	authed.GET("/snapshot", s.handleSnapshot)
	authed.GET("/kpi", s.handleKPI)
	authed.POST("/refresh", s.handleRefresh)

	authed.GET("/peers", s.handlePeerList)
	authed.POST("/peers", s.handlePeerAdd)
	authed.POST("/peers/:name/enable", s.handlePeerEnable)
	authed.POST("/peers/:name/disable", s.handlePeerDisable)
	authed.DELETE("/peers/:name", s.handlePeerRemove)
	authed.GET("/peers/:name/config", s.handlePeerConfig)
	authed.GET("/peers/:name/qrcode", s.handlePeerQRCode)

	authed.GET("/server", s.handleServerInfo)
	authed.POST("/service/:iface/start", s.handleServiceStart)
	authed.POST("/service/:iface/stop", s.handleServiceStop)

	authed.GET("/live", s.handleLive)

	return r
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("api listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.loginLimiter(c.ClientIP()).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
		return
	}

	var req api.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	if err := s.auth.Authenticate(req.Username, req.Password); err != nil {
		log.Printf("login rejected ip=%s user=%q", c.ClientIP(), req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, expires, err := s.auth.IssueToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.LoginResponse{Token: token, ExpiresAt: expires.Unix()})
}

// loginLimiter returns the per-IP token bucket: one attempt per two
// seconds, burst of 5.
func (s *Server) loginLimiter(ip string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(2*time.Second), 5)
		s.limiters[ip] = lim
	}
	return lim
}

// requireAuth accepts a Bearer header or, for websocket clients that
// cannot set headers, a token query parameter.
func (s *Server) requireAuth(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := s.auth.ParseToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("username", claims.Username)
	c.Next()
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.mon.Latest()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleKPI(c *gin.Context) {
	snap, err := s.mon.Latest()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, kpi.Build(snap))
}

// handleRefresh runs one structural refresh cycle. The caller sees the
// cycle's error, unlike the background loop which only logs it.
func (s *Server) handleRefresh(c *gin.Context) {
	if err := s.mon.RunCycle(c.Request.Context(), true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{Message: "refreshed"})
}

// serverInfo is the /api/server payload: relay service state plus host
// resources and the discovered public endpoint.
type serverInfo struct {
	Interfaces []ifaceState     `json:"interfaces"`
	Host       sysinfo.Overview `json:"host"`
	STUN       *stunutil.Result `json:"stun,omitempty"`
}

type ifaceState struct {
	Name    string                `json:"name"`
	Service service.UnitStatus    `json:"service"`
	Info    service.InterfaceInfo `json:"wireguard"`
}

func (s *Server) handleServerInfo(c *gin.Context) {
	ctx := c.Request.Context()

	names, err := s.svc.Interfaces()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	info := serverInfo{Interfaces: []ifaceState{}, Host: sysinfo.Collect("")}
	for _, name := range names {
		st := ifaceState{Name: name}
		if unit, err := s.svc.Status(ctx, name); err == nil {
			st.Service = unit
		} else {
			log.Printf("service status %s: %v", name, err)
		}
		if wg, err := s.svc.Info(ctx, name); err == nil {
			st.Info = wg
		} else {
			log.Printf("wg show %s: %v", name, err)
		}
		info.Interfaces = append(info.Interfaces, st)
	}

	if res, err := stunutil.Discover(ctx, s.cfg.STUNServer, 5*time.Second); err == nil {
		info.STUN = &res
	} else {
		log.Printf("stun discover: %v", err)
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) handleServiceStart(c *gin.Context) {
	s.serviceAction(c, s.svc.Start, "started")
}

func (s *Server) handleServiceStop(c *gin.Context) {
	s.serviceAction(c, s.svc.Stop, "stopped")
}

func (s *Server) serviceAction(c *gin.Context, action func(context.Context, string) error, verb string) {
	iface := c.Param("iface")
	if err := action(c.Request.Context(), iface); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidInterface) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{Message: iface + " " + verb})
}
