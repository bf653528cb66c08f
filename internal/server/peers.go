package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"relaymon/internal/api"
	"relaymon/internal/pivpn"
)

func (s *Server) handlePeerList(c *gin.Context) {
	roster, err := s.tool.Roster(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": roster})
}

func (s *Server) handlePeerAdd(c *gin.Context) {
	var req api.PeerCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := s.tool.Add(c.Request.Context(), req.Name, req.IP); err != nil {
		c.JSON(peerErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.structuralRefresh(c.Request.Context())
	c.JSON(http.StatusCreated, api.StatusResponse{Message: req.Name + " created"})
}

func (s *Server) handlePeerRemove(c *gin.Context) {
	s.peerAction(c, s.tool.Remove, "removed")
}

func (s *Server) handlePeerEnable(c *gin.Context) {
	s.peerAction(c, s.tool.Enable, "enabled")
}

func (s *Server) handlePeerDisable(c *gin.Context) {
	s.peerAction(c, s.tool.Disable, "disabled")
}

func (s *Server) peerAction(c *gin.Context, action func(context.Context, string) error, verb string) {
	name := c.Param("name")
	if err := action(c.Request.Context(), name); err != nil {
		c.JSON(peerErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.structuralRefresh(c.Request.Context())
	c.JSON(http.StatusOK, api.StatusResponse{Message: name + " " + verb})
}

func (s *Server) handlePeerConfig(c *gin.Context) {
	name := c.Param("name")
	conf, err := s.tool.ClientConfig(name)
	if err != nil {
		c.JSON(peerErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`.conf"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", conf)
}

func (s *Server) handlePeerQRCode(c *gin.Context) {
	png, err := s.tool.QRCode(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(peerErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// structuralRefresh reflects a roster change in the snapshot without
// advancing the time series. The mutation already succeeded, so a failed
// refresh is logged rather than failing the request; the steady loop
// will catch the snapshot up on its next tick.
func (s *Server) structuralRefresh(ctx context.Context) {
	if err := s.mon.RunCycle(ctx, true); err != nil {
		log.Printf("structural refresh failed: %v", err)
	}
}

func peerErrStatus(err error) int {
	switch {
	case errors.Is(err, pivpn.ErrExists):
		return http.StatusConflict
	case errors.Is(err, pivpn.ErrInvalidName), errors.Is(err, pivpn.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
