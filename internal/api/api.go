// Package api serves the admin console's HTTP and WebSocket API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/config"
	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/logging"
	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/safety"
)

const shutdownTimeout = 10 * time.Second

// Bot is what the console needs from the running bot.
type Bot interface {
	Version() string
	Uptime() time.Duration
	Connected() bool
	GuildCount() int
	SyncGuildCommands(ctx context.Context, guildID string) error
}

type Options struct {
	Config   *config.Config
	Log      *zap.Logger
	Store    db.Store
	Manager  *modules.Manager
	Bot      Bot
	Guard    *safety.Guard
	Updater  *safety.Updater
	Sessions SessionStore
	Hub      *logging.Hub
	// Restart is called after a rollback or update has replaced the app tree.
	Restart func(reason string)
}

type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	store    db.Store
	manager  *modules.Manager
	bot      Bot
	guard    *safety.Guard
	updater  *safety.Updater
	sessions SessionStore
	hub      *logging.Hub
	restart  func(reason string)

	http                *http.Client
	discordAPI          string
	discordAuthorizeURL string
	upgrader            websocket.Upgrader
	now                 func() time.Time

	engine *gin.Engine
}

func NewServer(opts Options) *Server {
	s := &Server{
		cfg:                 opts.Config,
		log:                 opts.Log,
		store:               opts.Store,
		manager:             opts.Manager,
		bot:                 opts.Bot,
		guard:               opts.Guard,
		updater:             opts.Updater,
		sessions:            opts.Sessions,
		hub:                 opts.Hub,
		restart:             opts.Restart,
		http:                &http.Client{Timeout: 15 * time.Second},
		discordAPI:          "https://discord.com/api",
		discordAuthorizeURL: "https://discord.com/oauth2/authorize",
		now:                 time.Now,
	}
	if s.sessions == nil {
		s.sessions = NewMemorySessionStore()
	}
	if s.restart == nil {
		s.restart = func(string) {}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           24 * time.Hour,
		}))
	}

	router.GET("/healthz", s.healthz())

	auth := router.Group("/auth")
	{
		auth.GET("/login", s.login())
		auth.GET("/callback", s.callback())
		auth.POST("/logout", s.logout())
	}

	protectedRoutes := router.Group("/api")
	protectedRoutes.Use(s.RequireSameOriginWrites(), s.AdminAuthMiddleware())
	{
		protectedRoutes.GET("/me", s.getMe())
		protectedRoutes.GET("/status", s.getStatus())
		protectedRoutes.GET("/guilds", s.getGuilds())

		protectedRoutes.GET("/modules", s.getModules())
		protectedRoutes.POST("/modules/:name/enable", s.setModuleEnabled(true))
		protectedRoutes.POST("/modules/:name/disable", s.setModuleEnabled(false))
		protectedRoutes.GET("/modules/:name/settings", s.getModuleSettings())
		protectedRoutes.PUT("/modules/:name/settings", s.updateModuleSettings())

		protectedRoutes.GET("/backups", s.getBackups())
		protectedRoutes.POST("/backups", s.createBackup())
		protectedRoutes.POST("/rollback", s.rollback())
		protectedRoutes.POST("/update", s.update())

		protectedRoutes.GET("/audit", s.getAudit())
		protectedRoutes.GET("/logs", s.streamLogs())
	}
	return router
}

// Run serves until ctx is cancelled, then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.APIAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting API", zap.String("addr", s.cfg.APIAddr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("Stopping API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("Request failed", fields...)
			return
		}
		s.log.Debug("Request", fields...)
	}
}

func (s *Server) healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "connected": s.bot.Connected(), "version": s.bot.Version()})
	}
}

func (s *Server) getMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, _ := c.Get(ctxSession)
		c.JSON(http.StatusOK, sess)
	}
}

func (s *Server) getGuilds() gin.HandlerFunc {
	return func(c *gin.Context) {
		joinedServers, err := s.store.ListGuilds(c)
		if err != nil {
			s.log.Error("Listing guilds failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if joinedServers == nil {
			joinedServers = []db.JoinedServer{}
		}
		c.JSON(http.StatusOK, joinedServers)
	}
}
