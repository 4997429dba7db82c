package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/settings"
)

func (s *Server) getModules() gin.HandlerFunc {
	return func(c *gin.Context) {
		guildID := c.Query("guild_id")
		if guildID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No guild_id"})
			return
		}
		status, err := s.manager.Status(c, guildID)
		if err != nil {
			s.log.Error("Module status failed", zap.String("guild_id", guildID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func (s *Server) setModuleEnabled(enabled bool) gin.HandlerFunc {
	action := "module.disable"
	if enabled {
		action = "module.enable"
	}
	return func(c *gin.Context) {
		name := c.Param("name")
		var body GuildRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := s.manager.SetEnabled(c, body.GuildID, name, enabled)
		switch {
		case errors.Is(err, modules.ErrUnknownModule):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case errors.Is(err, modules.ErrLocked):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			s.log.Error("Toggling module failed", zap.String("module", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.audit(c, currentUserID(c), action, body.GuildID, name, "via console")

		resp := gin.H{"module": name, "enabled": enabled, "commands_synced": true}
		if err := s.bot.SyncGuildCommands(c, body.GuildID); err != nil {
			s.log.Warn("Command sync after toggle failed", zap.String("guild_id", body.GuildID), zap.Error(err))
			resp["commands_synced"] = false
			resp["sync_error"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) getModuleSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		guildID := c.Query("guild_id")
		if guildID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No guild_id"})
			return
		}
		mod, err := s.manager.Registry().Module(name)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		values, err := s.manager.Settings(c, guildID, name)
		var verr *settings.ValidationError
		switch {
		case errors.As(err, &verr):
			// a required field was never filled in, show defaults so it can be
			c.JSON(http.StatusOK, gin.H{"schema": mod.Schema, "values": mod.Schema.Defaults(), "fields": verr.Fields})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schema": mod.Schema, "values": values})
	}
}

func (s *Server) updateModuleSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		var body UpdateSettingsRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mod, err := s.manager.Registry().Module(name)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if mod.Schema == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Module " + name + " has no settings"})
			return
		}

		values, err := s.manager.UpdateSettings(c, body.GuildID, name, body.Values)
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid settings", "fields": verr.Fields})
			return
		}
		if err != nil {
			s.log.Error("Saving settings failed", zap.String("module", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.audit(c, currentUserID(c), "settings.update", body.GuildID, name, changedKeys(body.Values))
		c.JSON(http.StatusOK, gin.H{"values": values})
	}
}

func changedKeys(v settings.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return "changed: " + joinSorted(keys)
}
