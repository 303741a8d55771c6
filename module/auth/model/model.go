package model

import (
	"strings"

	"PedMedClient/service/storage"
)

// Wire types for the device-session endpoints. Field names follow the backend
// JSON contract exactly.

const CodeDeviceSelectionRequired = "DEVICE_SELECTION_REQUIRED"

type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// APIResponse is the generic success envelope the backend wraps data in.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ConflictPayload is the structured 409 body: the account's device quota is
// full and the caller must pick a device to evict.
type ConflictPayload struct {
	Code    string       `json:"code"`
	Message string       `json:"message,omitempty"`
	Devices []DeviceInfo `json:"devices"`
}

type CheckSessionRequest struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

// CheckSessionResponse: Success true means the session still holds its slot.
// A populated Devices list means another device holds it (conflict, not
// revocation). A failure Message is classified via IsRevocationMessage.
type CheckSessionResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Devices []DeviceInfo `json:"devices,omitempty"`
}

type LogoutDeviceRequest struct {
	Username      string `json:"username"`
	DeviceID      string `json:"deviceId"`
	NewDeviceID   string `json:"newDeviceId,omitempty"`
	NewDeviceName string `json:"newDeviceName,omitempty"`
}

type ReplaceDeviceRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	OldDeviceID   string `json:"oldDeviceId"`
	NewDeviceID   string `json:"newDeviceId"`
	NewDeviceName string `json:"newDeviceName"`
}

// revocationMarkers are the message fragments the backend emits when a
// session has been terminated server-side. The Vietnamese string is the one
// the production sheet backend actually sends.
var revocationMarkers = []string{
	"đã bị đăng xuất",
	"logged out",
	"deauthorized",
	"not found",
}

// IsRevocationMessage reports whether a check-session failure message means
// the device was deauthorized (forced local logout) as opposed to a generic
// failure (retry later).
func IsRevocationMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range revocationMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// ===== 会话状态 =====

// SessionState is the client-side record of who is logged in. Owned by the
// session controller, persisted through the state store.
type SessionState struct {
	IsAuthenticated bool
	Username        string
}

func LoadSession(store storage.Store) SessionState {
	flag, _ := store.Get(storage.KeyLoggedIn)
	if flag != "true" {
		return SessionState{}
	}
	user, ok := store.Get(storage.KeyUser)
	if !ok || user == "" {
		return SessionState{}
	}
	return SessionState{IsAuthenticated: true, Username: user}
}

func SaveSession(store storage.Store, username string) error {
	if err := store.Set(storage.KeyLoggedIn, "true"); err != nil {
		return err
	}
	return store.Set(storage.KeyUser, username)
}

// ClearSession wipes the whole store, not just the session keys: the web
// client calls localStorage.clear() on logout and the fingerprint is
// recomputed deterministically on next start.
func ClearSession(store storage.Store) error {
	return store.Clear()
}
