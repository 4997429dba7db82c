package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules/core"
	"github.com/matthewgaim/homebot/internal/safety"
)

const updateTimeout = 10 * time.Minute

func (s *Server) getStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		uptime := s.bot.Uptime()
		resp := StatusResponse{
			Version:    s.bot.Version(),
			Connected:  s.bot.Connected(),
			Uptime:     core.FormatUptime(uptime),
			UptimeSecs: int64(uptime.Seconds()),
			Guilds:     s.bot.GuildCount(),
			Modules:    len(s.manager.Registry().Modules()),
			Update:     UpdateAvailable{Configured: s.updater != nil && s.updater.Configured()},
		}
		if s.hub != nil {
			resp.LogViewers = s.hub.Subscribers()
		}

		st, err := s.guard.State()
		if err != nil {
			s.log.Error("Reading safety state failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Safety = st
		resp.Update.Pending = st.PendingUpdate != nil

		latest, err := s.guard.Backups().Latest()
		switch {
		case err == nil:
			resp.LatestBackup = &latest
		case !errors.Is(err, safety.ErrNoBackup):
			s.log.Warn("Listing backups failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) getBackups() gin.HandlerFunc {
	return func(c *gin.Context) {
		backups, err := s.guard.Backups().List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if backups == nil {
			backups = []safety.Backup{}
		}
		c.JSON(http.StatusOK, backups)
	}
}

func (s *Server) createBackup() gin.HandlerFunc {
	return func(c *gin.Context) {
		backup, err := s.guard.Backups().Create(s.bot.Version())
		if err != nil {
			s.log.Error("Backup from console failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.audit(c, currentUserID(c), "backup.create", "", "", backup.Name)
		c.JSON(http.StatusCreated, backup)
	}
}

func (s *Server) rollback() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body RollbackRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		var (
			target safety.Backup
			err    error
		)
		if body.Backup != "" {
			target, err = s.guard.Backups().Get(body.Backup)
		} else {
			target, err = s.guard.Backups().Latest()
		}
		switch {
		case errors.Is(err, safety.ErrInvalidBackup):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, safety.ErrNoBackup):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		userID := currentUserID(c)
		if err := s.guard.Rollback(target.Name, "requested from console by "+userID); err != nil {
			s.log.Error("Rollback from console failed", zap.String("backup", target.Name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.audit(c, userID, "safety.rollback", "", "", target.Name)
		c.JSON(http.StatusAccepted, gin.H{"backup": target, "restarting": true})
		go s.restart("rollback to " + target.Name)
	}
}

func (s *Server) update() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.updater == nil || !s.updater.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": safety.ErrNoUpdateCommand.Error()})
			return
		}

		// a closed browser tab must not kill the update halfway
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), updateTimeout)
		defer cancel()

		upd, err := s.updater.Apply(ctx, s.bot.Version())
		switch {
		case errors.Is(err, safety.ErrUpdateInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.audit(c, currentUserID(c), "safety.update", "", "", "backup "+upd.Backup)
		c.JSON(http.StatusAccepted, gin.H{"update": upd, "restarting": true})
		go s.restart("update from " + upd.FromVersion)
	}
}
