package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"PedMedClient/logger"
	"PedMedClient/module/auth/model"
	"PedMedClient/service/netclient"
	"PedMedClient/tools/errs"

	"github.com/pkg/errors"
)

// Outcome classifies one validation cycle.
type Outcome int

const (
	// OutcomeValid: the session still holds its device slot.
	OutcomeValid Outcome = iota
	// OutcomeConflict: another device holds the slot; the caller gets the
	// device list and must run the conflict flow, NOT log out.
	OutcomeConflict
	// OutcomeRevoked: the device was deauthorized server-side. Security
	// relevant, always wins over in-flight UI state.
	OutcomeRevoked
	// OutcomeIndeterminate: the check could not be classified (network
	// trouble, unexpected body). Provisionally valid, retried next tick.
	OutcomeIndeterminate
)

// Validator re-checks session validity on a fixed interval while the session
// is authenticated. One instance serves exactly one session epoch; a new
// login builds a new validator and stops the old one.
type Validator struct {
	client   *netclient.Client
	backend  string
	username string
	deviceID string

	interval time.Duration
	cacheTTL time.Duration
	epoch    uint64

	onConflict func(devices []model.DeviceInfo, epoch uint64)
	onRevoked  func(reason string, epoch uint64)

	inFlight atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewValidator(client *netclient.Client, backend, username, deviceID string,
	interval, cacheTTL time.Duration, epoch uint64,
	onConflict func([]model.DeviceInfo, uint64),
	onRevoked func(string, uint64)) *Validator {

	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Validator{
		client:     client,
		backend:    backend,
		username:   username,
		deviceID:   deviceID,
		interval:   interval,
		cacheTTL:   cacheTTL,
		epoch:      epoch,
		onConflict: onConflict,
		onRevoked:  onRevoked,
		stopCh:     make(chan struct{}),
	}
}

// SessionCacheKey is the shared-cache key for a user/device check-session
// response. The controller invalidates it on logout.
func SessionCacheKey(username, deviceID string) string {
	return fmt.Sprintf("session_%s_%s", username, deviceID)
}

// Run performs an immediate check, then one per interval until Stop. Meant to
// be launched via safe.SafeGo.
func (v *Validator) Run() {
	v.cycle()

	t := time.NewTicker(v.interval)
	defer t.Stop()
	for {
		select {
		case <-v.stopCh:
			return
		case <-t.C:
			v.cycle()
		}
	}
}

// Stop cancels the interval timer. Idempotent. Leaked validator timers from a
// previous session could force-logout a newly logged-in one, so the
// controller calls this on every teardown path.
func (v *Validator) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

// cycle runs one validation unless the previous one is still in flight.
func (v *Validator) cycle() {
	if !v.inFlight.CompareAndSwap(false, true) {
		logger.Debugf("[SessionValidator] previous cycle still running, skipped")
		return
	}
	defer v.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome, resp, err := v.CheckOnce(ctx)
	switch outcome {
	case OutcomeValid:
		logger.Debugf("[SessionValidator] session valid user=%s", v.username)
	case OutcomeConflict:
		logger.Warnf("[SessionValidator] device slot held elsewhere user=%s devices=%d", v.username, len(resp.Devices))
		if v.onConflict != nil {
			v.onConflict(resp.Devices, v.epoch)
		}
	case OutcomeRevoked:
		logger.Warnf("[SessionValidator] session revoked user=%s msg=%q", v.username, resp.Message)
		if v.onRevoked != nil {
			v.onRevoked(resp.Message, v.epoch)
		}
	case OutcomeIndeterminate:
		logger.Warnf("[SessionValidator] check indeterminate, retrying next tick: %v", err)
	}
}

// CheckOnce performs a single validation against the backend and classifies
// the result. The response is cached briefly so a page-load check and the
// first interval check don't double-hit the backend.
func (v *Validator) CheckOnce(ctx context.Context) (Outcome, *model.CheckSessionResponse, error) {
	var resp model.CheckSessionResponse
	res, err := v.client.PostJSON(ctx, v.backend+"/api/check-session",
		model.CheckSessionRequest{Username: v.username, DeviceID: v.deviceID},
		&resp,
		&netclient.Options{
			CacheKey: SessionCacheKey(v.username, v.deviceID),
			CacheTTL: v.cacheTTL,
		})
	if err != nil {
		if errors.Is(err, errs.ErrPayload) {
			return OutcomeIndeterminate, &resp, err
		}
		// Transport failure. A client that knows it is offline is forgiven;
		// one that believes it is online just retries next tick. Neither
		// case may log the user out.
		if !v.client.Online() {
			logger.Infof("[SessionValidator] offline, session provisionally valid")
			return OutcomeValid, &resp, nil
		}
		return OutcomeIndeterminate, &resp, err
	}

	if res.Success && resp.Success {
		return OutcomeValid, &resp, nil
	}
	if len(resp.Devices) > 0 {
		return OutcomeConflict, &resp, nil
	}
	// An explicit failure without a device list means the backend no longer
	// recognizes this session, revocation wording or not.
	return OutcomeRevoked, &resp, nil
}
