package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/pipebroker/internal/auth"
	"github.com/danmuck/pipebroker/internal/notify"
	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// ReadyFunc reports whether the broker is accepting pairings.
type ReadyFunc func() bool

type Options struct {
	Registry    *session.Registry
	Hub         *notify.Hub
	Validator   auth.Validator
	Ready       ReadyFunc
	CorsOrigins []string
	Logger      zerolog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	opts    Options
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	if opts.Validator == nil {
		opts.Validator = auth.StaticToken{}
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	logger := opts.Logger.With().Str("component", "admin").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:    opts,
		router:  r,
		started: time.Now(),
		log:     logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "pipebroker",
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.opts.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"sessions": s.opts.Registry.Len(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := s.router.Group("/", s.requireToken())
	protected.GET("/sessions", func(c *gin.Context) {
		snap := s.opts.Registry.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(snap),
			"sessions": snap,
		})
	})
	protected.GET("/sessions/:pipe", func(c *gin.Context) {
		sess, err := s.opts.Registry.Get(c.Param("pipe"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess.Info())
	})

	if s.opts.Hub != nil {
		s.router.GET("/notify/ws", func(c *gin.Context) {
			if err := s.opts.Hub.ServeWS(c.Writer, c.Request, c.Query("recipient")); err != nil {
				if errors.Is(err, notify.ErrNoRecipient) {
					c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
				s.log.Debug().Err(err).Msg("admin.notify upgrade failed")
			}
		})

		outbox := s.opts.Hub.Outbox()
		protected.GET("/notify/pending", func(c *gin.Context) {
			pending := outbox.List()
			if recipient := c.Query("recipient"); recipient != "" {
				filtered := pending[:0]
				for _, item := range pending {
					if item.Event.Recipient == recipient {
						filtered = append(filtered, item)
					}
				}
				pending = filtered
			}
			c.JSON(http.StatusOK, gin.H{
				"count":   len(pending),
				"pending": pending,
			})
		})
		protected.GET("/notify/pending/:id", func(c *gin.Context) {
			item, ok := outbox.Get(c.Param("id"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "notify: event not queued"})
				return
			}
			c.JSON(http.StatusOK, item)
		})
		protected.DELETE("/notify/pending/:id", func(c *gin.Context) {
			if !outbox.Remove(c.Param("id")) {
				c.JSON(http.StatusNotFound, gin.H{"error": "notify: event not queued"})
				return
			}
			s.log.Info().Str("event", c.Param("id")).Msg("admin.notify dropped pending event")
			c.Status(http.StatusNoContent)
		})
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if err := s.opts.Validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Serve runs the API on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin.serve listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.opts.Hub != nil {
			s.opts.Hub.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
