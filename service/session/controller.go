package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"PedMedClient/global/config"
	"PedMedClient/logger"
	"PedMedClient/module/auth/model"
	"PedMedClient/service/netclient"
	"PedMedClient/service/realtime"
	"PedMedClient/service/storage"
	"PedMedClient/tools/errs"
	"PedMedClient/tools/fingerprint"
	"PedMedClient/tools/safe"
)

// AuthState: LoggedOut -> Authenticating -> (LoggedIn | DeviceConflict | LoggedOut);
// DeviceConflict -> Authenticating (evict + retry) | LoggedOut (cancel);
// LoggedIn -> LoggedOut (manual logout or forced revocation).
type AuthState int32

const (
	StateLoggedOut AuthState = iota
	StateAuthenticating
	StateLoggedIn
	StateDeviceConflict
)

func (s AuthState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateLoggedIn:
		return "logged-in"
	case StateDeviceConflict:
		return "device-conflict"
	default:
		return "logged-out"
	}
}

// Conflict is the transient device-selection state: created when the backend
// reports the device quota exceeded, destroyed once the user picks a device
// to evict or cancels.
type Conflict struct {
	Devices              []model.DeviceInfo
	RequestingDeviceID   string
	RequestingDeviceName string
}

// Controller owns the whole session lifecycle: login, logout, device-conflict
// resolution, the realtime channel and the validator. It replaces the web
// client's loose module-level globals (isLoginInProgress, window.ws,
// chatHistory) with one session-scoped object.
type Controller struct {
	cfg   *config.ClientConfig
	http  *netclient.Client
	store storage.Store

	mu       sync.Mutex
	state    AuthState
	sess     model.SessionState
	conflict *Conflict
	password string // retained only while a login-time conflict is pending
	ident    fingerprint.Identity

	// epoch increments on every successful login. Validator and channel
	// callbacks carry the epoch they were created under; stale ones are
	// discarded so a leaked callback from a dead session can never touch a
	// live one.
	epoch uint64

	channel   *realtime.Channel
	validator *Validator
	sessStop  chan struct{}

	loginInProgress bool

	// OnForcedLogout is the UI hook for the blocking "security alert" the web
	// client shows before redirecting to the login screen. Optional.
	OnForcedLogout func(reason string)
	// OnDeviceConflict fires when the validator (not login) discovers another
	// device holding the slot. Optional.
	OnDeviceConflict func(devices []model.DeviceInfo)
}

func NewController(cfg *config.ClientConfig, httpc *netclient.Client, store storage.Store) *Controller {
	return &Controller{
		cfg:   cfg,
		http:  httpc,
		store: store,
		state: StateLoggedOut,
	}
}

func (a *Controller) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Controller) Session() model.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Controller) Conflict() *Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conflict
}

// ChannelState reports the realtime channel state, StateClosed when none.
func (a *Controller) ChannelState() realtime.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return realtime.StateClosed
	}
	return a.channel.State()
}

// authedFor reports whether epoch is the live, logged-in session generation.
func (a *Controller) authedFor(epoch uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateLoggedIn && a.epoch == epoch
}

// ===== 登录 =====

// Login authenticates and, on success, persists the session, opens the
// realtime channel and starts the validator. On a 409 with a structured
// device list it transitions to DeviceConflict and returns errs.ErrConflict;
// the caller renders the device list from Conflict() and either
// ResolveConflict or CancelConflict.
func (a *Controller) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errs.ErrBadLogin.WithDetail("username and password required")
	}

	a.mu.Lock()
	if a.loginInProgress {
		a.mu.Unlock()
		return errs.NewCodeError(errs.CodeBadLogin, "login already in progress")
	}
	if a.state == StateLoggedIn {
		a.mu.Unlock()
		return nil
	}
	a.loginInProgress = true
	a.state = StateAuthenticating
	a.mu.Unlock()

	// The flag must be released on every path, including panics upstream.
	defer func() {
		a.mu.Lock()
		a.loginInProgress = false
		if a.state == StateAuthenticating {
			a.state = StateLoggedOut
		}
		a.mu.Unlock()
	}()

	ident := fingerprint.Get(a.store)
	if ident.Ephemeral {
		logger.Warnf("[Auth] logging in with ephemeral device id %s", ident.DeviceID)
	}

	var envelope model.APIResponse
	res, err := a.http.PostJSON(ctx, a.cfg.BackendURL+"/api/login", model.LoginRequest{
		Username:   username,
		Password:   password,
		DeviceID:   ident.DeviceID,
		DeviceName: ident.DeviceName,
	}, &envelope, nil)
	if err != nil {
		return errs.WrapMsg(err, "login request")
	}

	switch {
	case res.Success && envelope.Success:
		a.startSession(username, ident)
		return nil

	case res.Status == http.StatusConflict:
		var payload model.ConflictPayload
		if len(res.Data) > 0 {
			_ = json.Unmarshal(res.Data, &payload)
		}
		if payload.Code == model.CodeDeviceSelectionRequired && len(payload.Devices) > 0 {
			a.mu.Lock()
			a.state = StateDeviceConflict
			a.conflict = &Conflict{
				Devices:              payload.Devices,
				RequestingDeviceID:   ident.DeviceID,
				RequestingDeviceName: ident.DeviceName,
			}
			a.ident = ident
			a.sess = model.SessionState{Username: username}
			a.password = password
			a.mu.Unlock()
			logger.Infof("[Auth] device quota reached for %s, %d candidates", username, len(payload.Devices))
			return errs.ErrConflict
		}
		return errs.NewCodeError(errs.CodeConflict, payload.Message)

	case res.Status == http.StatusUnauthorized:
		return errs.ErrBadLogin

	default:
		msg := res.ErrMsg
		if msg == "" {
			msg = envelope.Message
		}
		if msg == "" {
			msg = "login failed"
		}
		return errs.NewCodeError(errs.CodeBadLogin, msg)
	}
}

// ResolveConflict evicts the chosen device and completes the pending login in
// one backend call (replace-device-and-login), using the credentials retained
// from the conflicted attempt.
func (a *Controller) ResolveConflict(ctx context.Context, evictDeviceID string) error {
	a.mu.Lock()
	if a.state != StateDeviceConflict || a.conflict == nil {
		a.mu.Unlock()
		return errs.NewCodeError(errs.CodeConflict, "no device conflict pending")
	}
	// Conflicts raised by the validator or by Resume carry no credentials;
	// replace-device-and-login re-authenticates, so the caller must go back
	// through Login first (which retains the password on a 409).
	if a.password == "" {
		a.mu.Unlock()
		return errs.ErrBadLogin.WithDetail("credentials required, log in again")
	}
	req := model.ReplaceDeviceRequest{
		Username:      a.sess.Username,
		Password:      a.password,
		OldDeviceID:   evictDeviceID,
		NewDeviceID:   a.conflict.RequestingDeviceID,
		NewDeviceName: a.conflict.RequestingDeviceName,
	}
	ident := a.ident
	a.state = StateAuthenticating
	a.mu.Unlock()

	var envelope model.APIResponse
	res, err := a.http.PostJSON(ctx, a.cfg.BackendURL+"/api/replace-device-and-login", req, &envelope, nil)
	if err != nil || !res.Success || !envelope.Success {
		a.mu.Lock()
		a.state = StateDeviceConflict
		a.mu.Unlock()
		if err != nil {
			return errs.WrapMsg(err, "replace device")
		}
		msg := envelope.Message
		if msg == "" {
			msg = res.ErrMsg
		}
		return errs.NewCodeError(errs.CodeConflict, msg)
	}

	logger.Infof("[Auth] device %s evicted, login completed for %s", evictDeviceID, req.Username)
	a.startSession(req.Username, ident)
	return nil
}

// CancelConflict abandons a pending device conflict and returns to LoggedOut.
func (a *Controller) CancelConflict() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateDeviceConflict {
		return
	}
	a.state = StateLoggedOut
	a.conflict = nil
	a.password = ""
	a.sess = model.SessionState{}
}

// startSession is the single entry into LoggedIn: persists the session,
// bumps the epoch, opens the realtime channel and starts the validator.
func (a *Controller) startSession(username string, ident fingerprint.Identity) {
	if err := model.SaveSession(a.store, username); err != nil {
		logger.Warnf("[Auth] persisting session failed: %v", err)
	}

	a.mu.Lock()
	a.teardownLocked() // replace any previous session's timers/channel
	a.epoch++
	epoch := a.epoch
	a.state = StateLoggedIn
	a.sess = model.SessionState{IsAuthenticated: true, Username: username}
	a.conflict = nil
	a.password = ""
	a.ident = ident
	a.sessStop = make(chan struct{})

	events := make(chan realtime.Event, 8)
	a.channel = realtime.Open(realtime.Config{
		URL:           a.wsURL(username, ident.DeviceID),
		BaseDelay:     a.cfg.WS.BaseDelay,
		MaxDelay:      a.cfg.WS.MaxDelay,
		MaxRetries:    a.cfg.WS.MaxRetries,
		Epoch:         epoch,
		Authenticated: func() bool { return a.authedFor(epoch) },
	}, events)

	a.validator = NewValidator(a.http, a.cfg.BackendURL, username, ident.DeviceID,
		a.cfg.SessionCheckEvery, a.cfg.SessionCacheTTL, epoch,
		a.handleValidatorConflict, a.handleValidatorRevoked)
	v := a.validator
	stop := a.sessStop
	a.mu.Unlock()

	safe.SafeGo("session.validator", v.Run)
	safe.SafeGo("session.events", func() { a.pumpEvents(events, stop) })

	logger.Infof("[Auth] logged in user=%s device=%s epoch=%d", username, ident.DeviceID, epoch)
}

func (a *Controller) wsURL(username, deviceID string) string {
	q := url.Values{}
	q.Set("username", username)
	q.Set("deviceId", deviceID)
	return a.cfg.WSURL() + "/?" + q.Encode()
}

// pumpEvents forwards realtime pushes to the forced-logout path, discarding
// events from a stale epoch. The gate is the epoch alone, not the auth state:
// a push can land while the controller sits in DeviceConflict, and revocation
// must still win there. forceLogout's own guards keep this idempotent.
func (a *Controller) pumpEvents(events <-chan realtime.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			a.mu.Lock()
			stale := a.epoch != ev.Epoch
			a.mu.Unlock()
			if stale {
				logger.Debugf("[Auth] stale realtime event dropped epoch=%d", ev.Epoch)
				continue
			}
			switch ev.Kind {
			case realtime.EventLogout:
				a.forceLogout(ev.Epoch, "logged out by server")
			case realtime.EventForceLogout:
				a.forceLogout(ev.Epoch, ev.Reason)
			}
		}
	}
}

func (a *Controller) handleValidatorConflict(devices []model.DeviceInfo, epoch uint64) {
	if !a.authedFor(epoch) {
		return
	}
	a.mu.Lock()
	a.state = StateDeviceConflict
	a.conflict = &Conflict{
		Devices:              devices,
		RequestingDeviceID:   a.ident.DeviceID,
		RequestingDeviceName: a.ident.DeviceName,
	}
	cb := a.OnDeviceConflict
	a.mu.Unlock()
	if cb != nil {
		cb(devices)
	}
}

func (a *Controller) handleValidatorRevoked(reason string, epoch uint64) {
	a.forceLogout(epoch, reason)
}

// ===== 登出 =====

// Logout is the manual path: stop the validator, clean-close the channel,
// best-effort notify the backend, clear local state. Idempotent.
func (a *Controller) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateLoggedOut && a.channel == nil {
		a.mu.Unlock()
		return nil
	}
	username := a.sess.Username
	deviceID := a.ident.DeviceID
	a.teardownLocked()
	a.mu.Unlock()

	if username != "" && deviceID != "" {
		a.notifyDeviceRemoval(ctx, username, deviceID)
	}

	a.clearLocal(username, deviceID)
	logger.Infof("[Auth] logged out user=%s", username)
	return nil
}

// ForceLogout is the revocation path: same teardown, no confirmation, and it
// completes even when the backend is unreachable.
func (a *Controller) ForceLogout(reason string) {
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()
	a.forceLogout(epoch, reason)
}

func (a *Controller) forceLogout(epoch uint64, reason string) {
	a.mu.Lock()
	if a.epoch != epoch || (a.state == StateLoggedOut && a.channel == nil) {
		a.mu.Unlock()
		return
	}
	username := a.sess.Username
	deviceID := a.ident.DeviceID
	cb := a.OnForcedLogout
	a.teardownLocked()
	a.mu.Unlock()

	a.clearLocal(username, deviceID)
	logger.Warnf("[Auth] forced logout user=%s reason=%q", username, reason)
	if cb != nil {
		cb(reason)
	}
}

// teardownLocked stops the validator, closes the channel and resets state.
// Must run with mu held. Clearing both timers here is a correctness
// requirement: a leaked validator from a previous session could erroneously
// force-logout the next one.
func (a *Controller) teardownLocked() {
	if a.validator != nil {
		a.validator.Stop()
		a.validator = nil
	}
	if a.channel != nil {
		a.channel.Close()
		a.channel = nil
	}
	if a.sessStop != nil {
		close(a.sessStop)
		a.sessStop = nil
	}
	a.state = StateLoggedOut
	a.sess = model.SessionState{}
	a.conflict = nil
	a.password = ""
}

func (a *Controller) clearLocal(username, deviceID string) {
	if username != "" && deviceID != "" {
		a.http.Cache().Delete(context.Background(), SessionCacheKey(username, deviceID))
	}
	if err := model.ClearSession(a.store); err != nil {
		logger.Warnf("[Auth] clearing local session failed: %v", err)
	}
}

// notifyDeviceRemoval tells the backend this device released its slot.
// Best effort: a failure is logged and swallowed.
func (a *Controller) notifyDeviceRemoval(ctx context.Context, username, deviceID string) {
	var envelope model.APIResponse
	_, err := a.http.PostJSON(ctx, a.cfg.BackendURL+"/api/logout-device-from-sheet",
		model.LogoutDeviceRequest{Username: username, DeviceID: deviceID}, &envelope,
		&netclient.Options{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warnf("[Auth] device removal notify failed: %v", err)
	} else if !envelope.Success {
		logger.Warnf("[Auth] device removal rejected: %s", envelope.Message)
	}
}

// NotifyShutdown is the navigator.sendBeacon analog: fired on process exit so
// the backend frees the slot promptly instead of waiting for TTL.
func (a *Controller) NotifyShutdown() {
	a.mu.Lock()
	username := a.sess.Username
	deviceID := a.ident.DeviceID
	authed := a.state == StateLoggedIn
	a.mu.Unlock()
	if !authed || username == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.notifyDeviceRemoval(ctx, username, deviceID)
}

// EvictDevice removes another device's slot without logging in through it,
// registering this device in its place (the standalone logout-device path).
func (a *Controller) EvictDevice(ctx context.Context, username, oldDeviceID string) error {
	ident := fingerprint.Get(a.store)
	var envelope model.APIResponse
	res, err := a.http.PostJSON(ctx, a.cfg.BackendURL+"/api/logout-device",
		model.LogoutDeviceRequest{
			Username:      username,
			DeviceID:      oldDeviceID,
			NewDeviceID:   ident.DeviceID,
			NewDeviceName: ident.DeviceName,
		}, &envelope, nil)
	if err != nil {
		return errs.WrapMsg(err, "evict device")
	}
	if !res.Success || !envelope.Success {
		msg := envelope.Message
		if msg == "" {
			msg = res.ErrMsg
		}
		return errs.NewCodeError(errs.CodeConflict, msg)
	}
	return nil
}

// ===== 恢复会话 =====

// Resume is the page-load path: if a persisted session exists, validate it
// immediately and, when still valid, bring up the channel and validator
// without asking for credentials again. Returns true when a session is live.
func (a *Controller) Resume(ctx context.Context) bool {
	sess := model.LoadSession(a.store)
	if !sess.IsAuthenticated {
		return false
	}
	ident := fingerprint.Get(a.store)

	probe := NewValidator(a.http, a.cfg.BackendURL, sess.Username, ident.DeviceID,
		a.cfg.SessionCheckEvery, a.cfg.SessionCacheTTL, 0, nil, nil)
	outcome, resp, err := probe.CheckOnce(ctx)
	switch outcome {
	case OutcomeValid:
		a.startSession(sess.Username, ident)
		return true
	case OutcomeConflict:
		a.mu.Lock()
		a.state = StateDeviceConflict
		a.conflict = &Conflict{
			Devices:              resp.Devices,
			RequestingDeviceID:   ident.DeviceID,
			RequestingDeviceName: ident.DeviceName,
		}
		a.sess = model.SessionState{Username: sess.Username}
		a.ident = ident
		a.mu.Unlock()
		return false
	case OutcomeRevoked:
		logger.Warnf("[Auth] stored session no longer valid: %s", resp.Message)
		a.clearLocal(sess.Username, ident.DeviceID)
		return false
	default:
		logger.Warnf("[Auth] resume check indeterminate (%v), treating as logged out for now", err)
		return false
	}
}
