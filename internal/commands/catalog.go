// Package commands describes the device command types the dashboard can
// enqueue and the payload fields each one needs.
package commands

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Field describes a payload field of a command
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, int, bool
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Command is a known device command type
type Command struct {
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Fields      []Field `json:"fields"`
}

// Built-in device commands
var Catalog = map[string]*Command{
	"LOCK_DEVICE": {
		Type:        "LOCK_DEVICE",
		Name:        "Lock Device",
		Description: "Lock the screen immediately",
		Category:    "device",
		Fields: []Field{
			{Name: "message", Type: "string", Description: "Text shown on the lock screen"},
		},
	},
	"UNLOCK_DEVICE": {
		Type:        "UNLOCK_DEVICE",
		Name:        "Unlock Device",
		Description: "Lift a lock applied with LOCK_DEVICE",
		Category:    "device",
	},
	"REBOOT": {
		Type:        "REBOOT",
		Name:        "Reboot",
		Description: "Restart the device",
		Category:    "device",
	},
	"LOCATE": {
		Type:        "LOCATE",
		Name:        "Locate",
		Description: "Report a fresh coarse location with the next heartbeat",
		Category:    "device",
	},
	"SHOW_MESSAGE": {
		Type:        "SHOW_MESSAGE",
		Name:        "Show Message",
		Description: "Display a notification to the child",
		Category:    "device",
		Fields: []Field{
			{Name: "message", Type: "string", Required: true, Description: "Notification text"},
		},
	},
	"BLOCK_APP": {
		Type:        "BLOCK_APP",
		Name:        "Block App",
		Description: "Prevent an installed app from launching",
		Category:    "apps",
		Fields: []Field{
			{Name: "app_id", Type: "string", Required: true, Description: "App identifier, e.g. roblox"},
		},
	},
	"UNBLOCK_APP": {
		Type:        "UNBLOCK_APP",
		Name:        "Unblock App",
		Description: "Allow a previously blocked app again",
		Category:    "apps",
		Fields: []Field{
			{Name: "app_id", Type: "string", Required: true, Description: "App identifier, e.g. roblox"},
		},
	},
	"SET_SCREEN_TIME": {
		Type:        "SET_SCREEN_TIME",
		Name:        "Set Screen Time",
		Description: "Set the daily screen time allowance",
		Category:    "policy",
		Fields: []Field{
			{Name: "daily_minutes", Type: "int", Required: true, Description: "Minutes per day (0-1440)"},
		},
	},
	"SYNC_CONFIG": {
		Type:        "SYNC_CONFIG",
		Name:        "Sync Config",
		Description: "Fetch the latest configuration snapshot now",
		Category:    "policy",
	},
}

// Get returns a command by type, or nil if it is not in the catalog
func Get(commandType string) *Command {
	return Catalog[commandType]
}

// List returns all commands ordered by type
func List() []*Command {
	list := make([]*Command, 0, len(Catalog))
	for _, cmd := range Catalog {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	return list
}

// ListByCategory returns commands grouped by category
func ListByCategory() map[string][]*Command {
	result := make(map[string][]*Command)
	for _, cmd := range List() {
		result[cmd.Category] = append(result[cmd.Category], cmd)
	}
	return result
}

// Validate checks that payload carries every required field with the
// declared type. Unknown fields are allowed.
func (c *Command) Validate(payload json.RawMessage) error {
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil && c.hasRequired() {
			return fmt.Errorf("%s payload must be a JSON object", c.Type)
		}
	}

	for _, f := range c.Fields {
		raw, ok := fields[f.Name]
		if !ok || string(raw) == "null" {
			if f.Required {
				return fmt.Errorf("%s requires payload field %q", c.Type, f.Name)
			}
			continue
		}
		if err := checkType(f, raw); err != nil {
			return fmt.Errorf("%s: %w", c.Type, err)
		}
	}
	return nil
}

func (c *Command) hasRequired() bool {
	for _, f := range c.Fields {
		if f.Required {
			return true
		}
	}
	return false
}

func checkType(f Field, raw json.RawMessage) error {
	switch f.Type {
	case "string":
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "" {
			return fmt.Errorf("field %q must be a non-empty string", f.Name)
		}
	case "int":
		var n float64
		if json.Unmarshal(raw, &n) != nil || n != math.Trunc(n) {
			return fmt.Errorf("field %q must be an integer", f.Name)
		}
	case "bool":
		var b bool
		if json.Unmarshal(raw, &b) != nil {
			return fmt.Errorf("field %q must be a boolean", f.Name)
		}
	}
	return nil
}
