package message

import (
	"encoding/json"

	"github.com/hazyhaar/quietfeed/platform"
)

// Actions of the protocol.
const (
	ActionUpdateSettings  = "updateSettings"
	ActionSettingsUpdated = "settingsUpdated"
	ActionSaveAuthToken   = "saveAuthToken"
	ActionGetAuthToken    = "getAuthToken"
	ActionClearAuth       = "clearAuth"
	ActionGetSettings     = "getSettings"
)

// Request is the envelope every action shares. Only the fields relevant to
// the action are set.
type Request struct {
	Action   string            `json:"action"`
	Settings platform.Snapshot `json:"settings,omitempty"`
	Token    string            `json:"token,omitempty"`
	UserData json.RawMessage   `json:"userData,omitempty"`
}

// Success answers updateSettings, saveAuthToken and clearAuth.
type Success struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AuthToken answers getAuthToken. Token and UserData are null unless valid.
type AuthToken struct {
	Token    *string         `json:"token"`
	UserData json.RawMessage `json:"userData"`
	IsValid  bool            `json:"isValid"`
}

// Settings answers getSettings.
type Settings struct {
	Settings platform.Snapshot `json:"settings"`
}

// SettingsUpdated is the fire-and-forget push to tabs.
func SettingsUpdated(snap platform.Snapshot) Request {
	return Request{Action: ActionSettingsUpdated, Settings: snap}
}
