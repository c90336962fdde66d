package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/storage"
	logx "chanfetch/pkg/logx"
)

// Controller is the slice of the dispatcher the admin API drives.
type Controller interface {
	ActiveJobs() []dispatcher.JobInfo
	Snapshot() dispatcher.Snapshot
	CancelJob(jobID string) error
	DestroySandbox(chatID int64)
}

// Deps are the handlers' collaborators. Metrics and Store are optional.
type Deps struct {
	Dispatcher Controller
	Metrics    http.Handler
	Store      storage.Store
	Log        logx.Logger
}

// NewRouter builds the admin HTTP surface. An empty token disables auth.
func NewRouter(token string, d Deps) *echo.Echo {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{deps: d}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			d.Log.Debug("admin request",
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/healthz", func(c *echo.Context) error { return c.String(http.StatusOK, "ok") })

	g := e.Group("", bearerAuth(token))
	if d.Metrics != nil {
		g.GET("/metrics", echo.WrapHandler(d.Metrics))
	}
	g.GET("/debug/pprof/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	g.GET("/debug/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	g.GET("/debug/pprof/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	g.GET("/debug/pprof/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.GET("/debug/pprof/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	g.GET("/debug/pprof/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))

	g.GET("/api/status", h.status)
	g.GET("/api/jobs", h.jobs)
	g.GET("/api/history", h.history)
	g.POST("/api/jobs/:id/cancel", h.cancel)
	g.DELETE("/api/sandboxes/:chat", h.destroy)
	return e
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) echo.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if tok == "" {
			return next
		}
		return func(c *echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				ah := c.Request().Header.Get("Authorization")
				if v, ok := strings.CutPrefix(ah, "Bearer "); ok {
					got = strings.TrimSpace(v)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				c.Response().Header().Set("WWW-Authenticate", "Bearer")
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			}
			return next(c)
		}
	}
}

type handlers struct {
	deps Deps
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) status(c *echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Dispatcher.Snapshot())
}

func (h *handlers) jobs(c *echo.Context) error {
	jobs := h.deps.Dispatcher.ActiveJobs()
	if jobs == nil {
		jobs = []dispatcher.JobInfo{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *handlers) history(c *echo.Context) error {
	if h.deps.Store == nil {
		return c.JSON(http.StatusNotImplemented, errorBody{Error: "storage disabled"})
	}
	var chatID int64
	if v := c.QueryParam("chat"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid chat"})
		}
		chatID = id
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	recs, err := h.deps.Store.RecentJobs(c.Request().Context(), chatID, limit)
	if err != nil {
		h.deps.Log.Warn("history query failed", logx.Err(err))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (h *handlers) cancel(c *echo.Context) error {
	id := c.Param("id")
	start := time.Now()
	err := h.deps.Dispatcher.CancelJob(id)
	h.audit(c.Request().Context(), storage.AuditEntry{Action: "admin.cancel", Target: id, TookMS: time.Since(start).Milliseconds()}, err)
	switch {
	case errors.Is(err, dispatcher.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case err != nil:
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
}

func (h *handlers) destroy(c *echo.Context) error {
	chatID, err := strconv.ParseInt(c.Param("chat"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid chat"})
	}
	h.deps.Dispatcher.DestroySandbox(chatID)
	h.audit(c.Request().Context(), storage.AuditEntry{Action: "admin.reset", ChatID: chatID}, nil)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) audit(ctx context.Context, e storage.AuditEntry, err error) {
	if err != nil {
		e.Error = err.Error()
	}
	h.deps.Log.Info("admin action", logx.String("action", e.Action), logx.String("target", e.Target), logx.Int64("chat_id", e.ChatID), logx.Err(err))
	if h.deps.Store == nil {
		return
	}
	if aerr := h.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		h.deps.Log.Warn("audit write failed", logx.Err(aerr))
	}
}
