package core

import (
	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/modules"
)

func auditEntry(c *modules.Context, module string, enabled bool) db.AuditEntry {
	action := "module.disable"
	if enabled {
		action = "module.enable"
	}
	return db.AuditEntry{
		UserID:  c.UserID,
		GuildID: c.GuildID,
		Action:  action,
		Module:  module,
		Details: "via /modules",
	}
}
