package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"lib.kevinlin.info/aperture/lib"

	"udpot/internal/audit"
	"udpot/internal/dispatch"
	"udpot/internal/log"
	"udpot/internal/network"
)

const (
	// DefaultAuditLimit is the number of entries returned by the audit endpoint without a limit.
	DefaultAuditLimit = 100
	// MaxAuditLimit caps the number of entries returned by the audit endpoint.
	MaxAuditLimit = 1000
)

// Sources aggregates the components whose state the API exposes. Any field may be nil, in which
// case the corresponding section is omitted.
type Sources struct {
	Decisions interface{ Stats() dispatch.Stats }
	Ledger    interface{ Len() int }
	Sink      interface{ Stats() audit.SinkStats }
	Upstream  interface{ Stats() network.Stats }
	Audit     interface {
		Recent(ctx context.Context, limit int) ([]audit.Entry, error)
	}
}

// Server is the admin HTTP server.
type Server struct {
	addr    string
	echo    *echo.Echo
	sources Sources
	logger  log.Logger
}

type statsResponse struct {
	Decisions *dispatch.Stats `json:"decisions,omitempty"`
	Ledger    *ledgerStats    `json:"ledger,omitempty"`
	Audit     *auditStats     `json:"audit,omitempty"`
	Upstream  *upstreamStats  `json:"upstream,omitempty"`
}

type ledgerStats struct {
	Sources int `json:"sources"`
}

type auditStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

type upstreamStats struct {
	SuccessfulExchanges int `json:"successful_exchanges"`
	FailedExchanges     int `json:"failed_exchanges"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates an admin server that will listen on addr.
func NewServer(addr string, sources Sources, logger log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{addr: addr, echo: e, sources: sources, logger: logger}

	e.Use(s.logRequests)

	e.GET("/healthz", s.getHealth)
	e.GET("/v1/stats", s.getStats)
	e.GET("/v1/audit", s.getAudit)

	return s
}

// ListenAndServe serves the API until Shutdown is called, in which case it returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api: listening: addr=%s", s.addr)

	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: server failed: addr=%s err=%w", s.addr, err)
	}

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP serves a single request, which lets the API be mounted on any http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := lib.NewStopwatch()
		err := next(c)

		s.logger.Debug(
			"api: served request: method=%s path=%s status=%d latency=%v",
			c.Request().Method,
			c.Request().URL.Path,
			c.Response().Status,
			timer.Elapsed(),
		)

		return err
	}
}

func (s *Server) getHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(c echo.Context) error {
	var resp statsResponse

	if s.sources.Decisions != nil {
		stats := s.sources.Decisions.Stats()
		resp.Decisions = &stats
	}

	if s.sources.Ledger != nil {
		resp.Ledger = &ledgerStats{Sources: s.sources.Ledger.Len()}
	}

	if s.sources.Sink != nil {
		stats := s.sources.Sink.Stats()
		resp.Audit = &auditStats{Written: stats.Written, Failed: stats.Failed, Queued: stats.Queued}
	}

	if s.sources.Upstream != nil {
		stats := s.sources.Upstream.Stats()
		resp.Upstream = &upstreamStats{
			SuccessfulExchanges: stats.SuccessfulExchanges,
			FailedExchanges:     stats.FailedExchanges,
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getAudit(c echo.Context) error {
	if s.sources.Audit == nil {
		return c.JSON(http.StatusNotFound, errorResponse{"audit trail is not available"})
	}

	limit := DefaultAuditLimit

	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{fmt.Sprintf("invalid limit: %q", raw)})
		}

		limit = min(parsed, MaxAuditLimit)
	}

	entries, err := s.sources.Audit.Recent(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("api: failed to read audit entries: err=%v", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{err.Error()})
	}

	if entries == nil {
		entries = []audit.Entry{}
	}

	return c.JSON(http.StatusOK, entries)
}
