// Package api exposes the CFDP user primitives over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/cfdp/internal/engine"
	"github.com/danmuck/cfdp/internal/machine"
	"github.com/danmuck/cfdp/internal/observability"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 5 * time.Second

// Entity is the slice of the engine the HTTP surface drives.
type Entity interface {
	EntityID() pdu.EntityID
	Put(dest pdu.EntityID, sourcePath, destinationPath string, mode *pdu.TransmissionMode) (pdu.TransactionID, error)
	Report(id pdu.TransactionID) (machine.Report, error)
	Cancel(id pdu.TransactionID) error
	Suspend(id pdu.TransactionID) error
	Resume(id pdu.TransactionID) error
	Freeze(remote pdu.EntityID) int
	Thaw(remote pdu.EntityID) int
	Snapshot() []machine.Report
}

var _ Entity = (*engine.Engine)(nil)

type Server struct {
	Addr    string
	Started time.Time

	entity Entity
	router *gin.Engine
	name   string
}

func New(entity Entity, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	name := fmt.Sprintf("entity-%d", entity.EntityID())
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPRequests(observability.Component("api"), name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:    addr,
		Started: time.Now(),
		entity:  entity,
		router:  r,
		name:    name,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.Started).String(),
			"entity": s.name,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/transactions", s.listTransactions)
	r.POST("/transactions", s.putTransaction)
	r.GET("/transactions/:source/:seq", s.getTransaction)
	r.POST("/transactions/:source/:seq/:action", s.transactionAction)
	r.POST("/remotes/:entity/:action", s.remoteAction)
}

type putBody struct {
	Destination     uint64 `json:"destination" binding:"required"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Mode            string `json:"mode"`
}

func (s *Server) putTransaction(c *gin.Context) {
	var body putBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var mode *pdu.TransmissionMode
	if body.Mode != "" {
		m, err := pdu.ParseTransmissionMode(body.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode = &m
	}
	id, err := s.entity.Put(pdu.EntityID(body.Destination), body.SourcePath, body.DestinationPath, mode)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source": uint64(id.Source), "sequence": id.Sequence})
}

func (s *Server) listTransactions(c *gin.Context) {
	reports := s.entity.Snapshot()
	views := make([]ReportView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, viewOf(rep))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

func (s *Server) getTransaction(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}
	rep, err := s.entity.Report(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(rep))
}

func (s *Server) transactionAction(c *gin.Context) {
	id, ok := parseTransactionID(c)
	if !ok {
		return
	}
	var op func(pdu.TransactionID) error
	switch c.Param("action") {
	case "cancel":
		op = s.entity.Cancel
	case "suspend":
		op = s.entity.Suspend
	case "resume":
		op = s.entity.Resume
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action " + c.Param("action")})
		return
	}
	if err := op(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) remoteAction(c *gin.Context) {
	remote, err := strconv.ParseUint(c.Param("entity"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad entity id"})
		return
	}
	var n int
	switch c.Param("action") {
	case "freeze":
		n = s.entity.Freeze(pdu.EntityID(remote))
	case "thaw":
		n = s.entity.Thaw(pdu.EntityID(remote))
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action " + c.Param("action")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": n})
}

func parseTransactionID(c *gin.Context) (pdu.TransactionID, bool) {
	source, err := strconv.ParseUint(c.Param("source"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad source entity id"})
		return pdu.TransactionID{}, false
	}
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad sequence number"})
		return pdu.TransactionID{}, false
	}
	return pdu.TransactionID{Source: pdu.EntityID(source), Sequence: seq}, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidTransaction):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAbsolutePath):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
