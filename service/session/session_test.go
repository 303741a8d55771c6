package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"

	"PedMedClient/global/config"
	"PedMedClient/module/auth/model"
	"PedMedClient/service/netclient"
	"PedMedClient/service/realtime"
	"PedMedClient/service/storage"
	"PedMedClient/service/stub"
	"PedMedClient/tools/errs"
	"PedMedClient/tools/fingerprint"
)

type testEnv struct {
	srv   *stub.Server
	web   *httptest.Server
	cfg   *config.ClientConfig
	httpc *netclient.Client
	store *storage.MemStore
	ctl   *Controller
}

func newTestEnv(t *testing.T, quota int) *testEnv {
	t.Helper()
	srv := stub.New(quota)
	srv.AddUser("demo", "demo123")
	web := httptest.NewServer(srv.Engine())
	t.Cleanup(web.Close)

	cfg := config.Default()
	cfg.BackendURL = web.URL
	cfg.RequestTimeout = 5 * time.Second
	cfg.SessionCacheTTL = time.Millisecond // effectively uncached in tests
	cfg.SessionCheckEvery = 50 * time.Millisecond
	cfg.WS.BaseDelay = 10 * time.Millisecond
	cfg.WS.MaxDelay = 50 * time.Millisecond

	store := storage.NewMemStore()
	httpc := netclient.New(cfg.RequestTimeout, time.Minute, netclient.NewMemoryCache())
	return &testEnv{
		srv:   srv,
		web:   web,
		cfg:   cfg,
		httpc: httpc,
		store: store,
		ctl:   NewController(cfg, httpc, store),
	}
}

// registerDevice occupies a device slot through the raw login endpoint.
func (e *testEnv) registerDevice(t *testing.T, deviceID, deviceName string) {
	t.Helper()
	body, _ := json.Marshal(model.LoginRequest{
		Username: "demo", Password: "demo123",
		DeviceID: deviceID, DeviceName: deviceName,
	})
	resp, err := http.Post(e.web.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register device %s: status %d", deviceID, resp.StatusCode)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// ===== 登录 =====

func TestLoginHappyPath(t *testing.T) {
	e := newTestEnv(t, 3)
	defer func() { _ = e.ctl.Logout(context.Background()) }()

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if e.ctl.State() != StateLoggedIn {
		t.Fatalf("state = %v", e.ctl.State())
	}
	sess := e.ctl.Session()
	if !sess.IsAuthenticated || sess.Username != "demo" {
		t.Fatalf("session = %+v", sess)
	}
	if s := model.LoadSession(e.store); !s.IsAuthenticated {
		t.Fatal("session not persisted")
	}
	if devs := e.srv.Devices("demo"); len(devs) != 1 {
		t.Fatalf("backend registered %d devices", len(devs))
	}

	waitFor(t, "realtime channel open", func() bool {
		return e.ctl.ChannelState() == realtime.StateOpen
	})
}

func TestLoginBadCredentials(t *testing.T) {
	e := newTestEnv(t, 3)
	err := e.ctl.Login(context.Background(), "demo", "wrong")
	if !errors.Is(err, errs.ErrBadLogin) {
		t.Fatalf("expected ErrBadLogin, got %v", err)
	}
	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
}

func TestLoginMissingFields(t *testing.T) {
	e := newTestEnv(t, 3)
	if err := e.ctl.Login(context.Background(), "", "pw"); !errors.Is(err, errs.ErrBadLogin) {
		t.Fatalf("expected ErrBadLogin, got %v", err)
	}
}

func TestLoginWhileLoggedInIsNoop(t *testing.T) {
	e := newTestEnv(t, 3)
	defer func() { _ = e.ctl.Logout(context.Background()) }()

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}
	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if devs := e.srv.Devices("demo"); len(devs) != 1 {
		t.Fatalf("duplicate registration: %d devices", len(devs))
	}
}

// ===== 设备冲突 =====

func TestLoginConflictAndResolve(t *testing.T) {
	e := newTestEnv(t, 2)
	e.registerDevice(t, "device-a", "PC A")
	e.registerDevice(t, "device-b", "PC B")

	err := e.ctl.Login(context.Background(), "demo", "demo123")
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if e.ctl.State() != StateDeviceConflict {
		t.Fatalf("state = %v", e.ctl.State())
	}
	conflict := e.ctl.Conflict()
	if conflict == nil || len(conflict.Devices) != 2 {
		t.Fatalf("conflict = %+v", conflict)
	}

	if err := e.ctl.ResolveConflict(context.Background(), "device-a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer func() { _ = e.ctl.Logout(context.Background()) }()

	if e.ctl.State() != StateLoggedIn {
		t.Fatalf("state after resolve = %v", e.ctl.State())
	}
	devs := e.srv.Devices("demo")
	if len(devs) != 2 {
		t.Fatalf("devices = %+v", devs)
	}
	for _, d := range devs {
		if d.ID == "device-a" {
			t.Fatalf("evicted device still registered: %+v", devs)
		}
	}
}

func TestCancelConflict(t *testing.T) {
	e := newTestEnv(t, 1)
	e.registerDevice(t, "old-device", "Old PC")

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	e.ctl.CancelConflict()
	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
	if e.ctl.Conflict() != nil {
		t.Fatal("conflict not cleared")
	}
}

func TestResolveConflictWithoutPending(t *testing.T) {
	e := newTestEnv(t, 3)
	if err := e.ctl.ResolveConflict(context.Background(), "x"); err == nil {
		t.Fatal("expected error with no pending conflict")
	}
}

// ===== 登出 =====

func TestLogoutClearsEverything(t *testing.T) {
	e := newTestEnv(t, 3)
	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}

	if err := e.ctl.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("local session survived logout")
	}
	if devs := e.srv.Devices("demo"); len(devs) != 0 {
		t.Fatalf("backend slot not freed: %+v", devs)
	}

	// Idempotent.
	if err := e.ctl.Logout(context.Background()); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestForcedLogoutViaPush(t *testing.T) {
	e := newTestEnv(t, 3)
	forced := make(chan string, 1)
	e.ctl.OnForcedLogout = func(reason string) { forced <- reason }

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}
	deviceID := fingerprint.Get(e.store).DeviceID

	waitFor(t, "push connection registered", func() bool {
		return e.srv.ConnCount("demo", deviceID) > 0
	})
	e.srv.ForceLogout("demo", deviceID, "Thiết bị đã bị đăng xuất bởi quản trị viên")

	select {
	case reason := <-forced:
		if reason == "" {
			t.Fatal("empty reason")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forced logout never fired")
	}

	waitFor(t, "logged-out state", func() bool {
		return e.ctl.State() == StateLoggedOut
	})
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("local session survived forced logout")
	}
}

func TestForcedLogoutDuringDeviceConflict(t *testing.T) {
	e := newTestEnv(t, 1)
	// Keep the validator quiet so the push is the only revocation source.
	e.cfg.SessionCheckEvery = time.Hour

	forced := make(chan string, 1)
	e.ctl.OnForcedLogout = func(reason string) { forced <- reason }

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}
	deviceID := fingerprint.Get(e.store).DeviceID
	waitFor(t, "push connection registered", func() bool {
		return e.srv.ConnCount("demo", deviceID) > 0
	})

	// Another device took the slot mid-session: the validator callback moves
	// the controller into DeviceConflict without tearing the session down.
	e.ctl.mu.Lock()
	epoch := e.ctl.epoch
	e.ctl.mu.Unlock()
	e.ctl.handleValidatorConflict([]model.DeviceInfo{{ID: "intruder", Name: "Intruder PC"}}, epoch)
	if e.ctl.State() != StateDeviceConflict {
		t.Fatalf("state = %v", e.ctl.State())
	}

	// Revocation must still win while the conflict is pending.
	e.srv.ForceLogout("demo", deviceID, "Thiết bị đã bị đăng xuất bởi quản trị viên")

	select {
	case <-forced:
	case <-time.After(3 * time.Second):
		t.Fatal("forced logout never fired in device-conflict state")
	}
	waitFor(t, "logged-out state", func() bool {
		return e.ctl.State() == StateLoggedOut
	})
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("local session survived forced logout")
	}
}

func TestResolveConflictWithoutCredentials(t *testing.T) {
	e := newTestEnv(t, 1)
	e.registerDevice(t, "other-device", "Other PC")
	_ = fingerprint.Get(e.store)
	if err := model.SaveSession(e.store, "demo"); err != nil {
		t.Fatal(err)
	}

	// Resume surfaces the conflict but holds no password.
	if e.ctl.Resume(context.Background()) {
		t.Fatal("resume succeeded despite a full quota")
	}
	if e.ctl.State() != StateDeviceConflict {
		t.Fatalf("state = %v", e.ctl.State())
	}

	err := e.ctl.ResolveConflict(context.Background(), "other-device")
	if !errors.Is(err, errs.ErrBadLogin) {
		t.Fatalf("expected ErrBadLogin, got %v", err)
	}
	if e.ctl.State() != StateDeviceConflict {
		t.Fatalf("state after failed resolve = %v", e.ctl.State())
	}
	if devs := e.srv.Devices("demo"); len(devs) != 1 || devs[0].ID != "other-device" {
		t.Fatalf("devices touched without credentials: %+v", devs)
	}

	// Going back through Login retains the password and completes the flow.
	if err := e.ctl.Login(context.Background(), "demo", "demo123"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := e.ctl.ResolveConflict(context.Background(), "other-device"); err != nil {
		t.Fatalf("resolve after login: %v", err)
	}
	defer func() { _ = e.ctl.Logout(context.Background()) }()
	if e.ctl.State() != StateLoggedIn {
		t.Fatalf("state = %v", e.ctl.State())
	}
}

func TestValidatorRevocationLogsOut(t *testing.T) {
	e := newTestEnv(t, 3)
	forced := make(chan string, 1)
	e.ctl.OnForcedLogout = func(reason string) { forced <- reason }

	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}
	deviceID := fingerprint.Get(e.store).DeviceID

	// Free the slot through the endpoint that sends no push: only the polling
	// validator can notice.
	body, _ := json.Marshal(model.LogoutDeviceRequest{Username: "demo", DeviceID: deviceID})
	resp, err := http.Post(e.web.URL+"/api/logout-device-from-sheet", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	select {
	case <-forced:
	case <-time.After(3 * time.Second):
		t.Fatal("validator never revoked the session")
	}
	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("store not cleared on revocation")
	}
}

func TestForcedAndManualLogoutRace(t *testing.T) {
	e := newTestEnv(t, 3)
	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}

	// Both teardown paths at once must converge on one clean terminal state.
	done := make(chan struct{})
	go func() {
		e.ctl.ForceLogout("pushed revocation")
		close(done)
	}()
	if err := e.ctl.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	<-done

	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("local session survived")
	}
	if e.ctl.ChannelState() != realtime.StateClosed {
		t.Fatalf("channel state = %v", e.ctl.ChannelState())
	}
}

func TestForceLogoutCompletesOffline(t *testing.T) {
	e := newTestEnv(t, 3)
	if err := e.ctl.Login(context.Background(), "demo", "demo123"); err != nil {
		t.Fatal(err)
	}
	// Backend gone: revocation cleanup must still complete locally.
	e.web.Close()

	e.ctl.ForceLogout("network partition drill")
	if e.ctl.State() != StateLoggedOut {
		t.Fatalf("state = %v", e.ctl.State())
	}
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("local session survived")
	}
}

func TestEvictDevice(t *testing.T) {
	e := newTestEnv(t, 1)
	e.registerDevice(t, "old-device", "Old PC")

	if err := e.ctl.EvictDevice(context.Background(), "demo", "old-device"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	devs := e.srv.Devices("demo")
	if len(devs) != 1 || devs[0].ID == "old-device" {
		t.Fatalf("devices after evict = %+v", devs)
	}
	if devs[0].ID != fingerprint.Get(e.store).DeviceID {
		t.Fatalf("requesting device not registered: %+v", devs)
	}
}

// ===== 恢复会话 =====

func TestResumeValidSession(t *testing.T) {
	e := newTestEnv(t, 3)
	deviceID := fingerprint.Get(e.store).DeviceID
	e.registerDevice(t, deviceID, "This PC")
	if err := model.SaveSession(e.store, "demo"); err != nil {
		t.Fatal(err)
	}

	if !e.ctl.Resume(context.Background()) {
		t.Fatal("resume failed for a valid session")
	}
	defer func() { _ = e.ctl.Logout(context.Background()) }()
	if e.ctl.State() != StateLoggedIn {
		t.Fatalf("state = %v", e.ctl.State())
	}
}

func TestResumeRevokedSessionClearsState(t *testing.T) {
	e := newTestEnv(t, 3)
	// Persisted session but no backend slot: the stored state is stale.
	_ = fingerprint.Get(e.store)
	if err := model.SaveSession(e.store, "demo"); err != nil {
		t.Fatal(err)
	}

	if e.ctl.Resume(context.Background()) {
		t.Fatal("resume succeeded for a revoked session")
	}
	if s := model.LoadSession(e.store); s.IsAuthenticated {
		t.Fatal("stale session not cleared")
	}
}

func TestResumeWithoutStoredSession(t *testing.T) {
	e := newTestEnv(t, 3)
	if e.ctl.Resume(context.Background()) {
		t.Fatal("resume succeeded with nothing stored")
	}
}

// ===== 校验器 =====

func TestCheckOnceOutcomes(t *testing.T) {
	e := newTestEnv(t, 1)

	v := NewValidator(e.httpc, e.web.URL, "demo", "dev-1",
		time.Minute, time.Millisecond, 0, nil, nil)

	// No slot registered, quota free: explicit revocation message.
	outcome, resp, err := v.CheckOnce(context.Background())
	if err != nil || outcome != OutcomeRevoked {
		t.Fatalf("outcome = %v err = %v resp = %+v", outcome, err, resp)
	}
	if !model.IsRevocationMessage(resp.Message) {
		t.Fatalf("message %q not a revocation", resp.Message)
	}

	// Slot held by this device: valid.
	e.registerDevice(t, "dev-1", "PC 1")
	time.Sleep(5 * time.Millisecond) // let the cached revoked entry expire
	outcome, _, err = v.CheckOnce(context.Background())
	if err != nil || outcome != OutcomeValid {
		t.Fatalf("outcome = %v err = %v", outcome, err)
	}

	// Quota full with a different device: conflict with a device list.
	other := NewValidator(e.httpc, e.web.URL, "demo", "dev-2",
		time.Minute, time.Millisecond, 0, nil, nil)
	outcome, resp, err = other.CheckOnce(context.Background())
	if err != nil || outcome != OutcomeConflict {
		t.Fatalf("outcome = %v err = %v", outcome, err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].ID != "dev-1" {
		t.Fatalf("devices = %+v", resp.Devices)
	}
}

func TestCheckOnceBareFailureIsRevoked(t *testing.T) {
	// An explicit failure with no message and no device list still means the
	// backend no longer recognizes the session.
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer web.Close()

	httpc := netclient.New(time.Second, time.Minute, netclient.NewMemoryCache())
	v := NewValidator(httpc, web.URL, "demo", "dev-1",
		time.Minute, time.Millisecond, 0, nil, nil)
	outcome, resp, err := v.CheckOnce(context.Background())
	if err != nil || outcome != OutcomeRevoked {
		t.Fatalf("outcome = %v err = %v resp = %+v", outcome, err, resp)
	}
}

func TestCheckOnceOfflineIsForgiven(t *testing.T) {
	httpc := netclient.New(time.Second, time.Minute, netclient.NewMemoryCache())
	httpc.SetOnline(false)

	v := NewValidator(httpc, "http://127.0.0.1:1", "demo", "dev-1",
		time.Minute, time.Millisecond, 0, nil, nil)
	outcome, _, err := v.CheckOnce(context.Background())
	if err != nil || outcome != OutcomeValid {
		t.Fatalf("offline check: outcome = %v err = %v", outcome, err)
	}
}

func TestCheckOnceNetworkTroubleIsIndeterminate(t *testing.T) {
	httpc := netclient.New(time.Second, time.Minute, netclient.NewMemoryCache())

	v := NewValidator(httpc, "http://127.0.0.1:1", "demo", "dev-1",
		time.Minute, time.Millisecond, 0, nil, nil)
	outcome, _, err := v.CheckOnce(context.Background())
	if outcome != OutcomeIndeterminate || err == nil {
		t.Fatalf("outcome = %v err = %v", outcome, err)
	}
}

func TestSessionCacheKey(t *testing.T) {
	if got := SessionCacheKey("u", "d"); got != "session_u_d" {
		t.Fatalf("key = %q", got)
	}
}
