package fingerprint

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"PedMedClient/logger"
	"PedMedClient/service/storage"
)

// Identity is the client-derived pseudo-identifier for this machine, used by
// the backend for per-device session limits. Best effort: collisions and
// drift across reinstalls are accepted tradeoffs.
type Identity struct {
	DeviceID   string
	DeviceName string
	// Ephemeral is true when durable storage was unavailable and the ID was
	// derived from a reduced signal set. Lower quality, flagged not hidden.
	Ephemeral bool
}

// Get returns the device identity. The first computed ID is persisted and
// later calls return the stored value: the hash inputs have changed between
// client versions before, and a stored ID must win over a recomputation so
// the identity never drifts mid-session.
func Get(store storage.Store) Identity {
	name := deviceName()

	if store != nil {
		if id, ok := store.Get(storage.KeyFingerprint); ok && id != "" {
			return Identity{DeviceID: id, DeviceName: name}
		}
	}

	id := hashID(stableFactors())

	if store == nil {
		logger.Warnf("[Fingerprint] no durable storage, using ephemeral id %s", id)
		return Identity{DeviceID: hashID(reducedFactors()), DeviceName: name, Ephemeral: true}
	}
	if err := store.Set(storage.KeyFingerprint, id); err != nil {
		logger.Warnf("[Fingerprint] persist failed (%v), using ephemeral id", err)
		return Identity{DeviceID: hashID(reducedFactors()), DeviceName: name, Ephemeral: true}
	}

	logger.Debugf("[Fingerprint] generated and stored device id %s", id)
	return Identity{DeviceID: id, DeviceName: name}
}

// Reset drops the persisted fingerprint so the next Get recomputes it.
func Reset(store storage.Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(storage.KeyFingerprint)
}

// stableFactors collects host signals that do not change across restarts of
// the same machine. Kernel version and the like are deliberately excluded,
// they move on every OS update.
func stableFactors() []string {
	host, _ := os.Hostname()
	_, tzOffset := time.Now().Zone()
	return []string{
		host,
		runtime.GOOS,
		runtime.GOARCH,
		strconv.Itoa(runtime.NumCPU()),
		strconv.Itoa(tzOffset),
	}
}

// reducedFactors is the degraded signal set for the ephemeral fallback.
func reducedFactors() []string {
	_, tzOffset := time.Now().Zone()
	return []string{runtime.GOOS, runtime.GOARCH, strconv.Itoa(tzOffset)}
}

// hashID folds the joined factors through the same 32-bit rolling hash the
// web client has always used (h = h*31 + c over UTF-16 units there, bytes
// here), then renders it base36 padded to 8 chars.
func hashID(factors []string) string {
	s := strings.Join(factors, "|")
	var h int32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + int32(s[i])
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	id := strconv.FormatInt(v, 36)
	for len(id) < 8 {
		id = "0" + id
	}
	return id[:8]
}

func deviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	switch runtime.GOOS {
	case "darwin":
		return fmt.Sprintf("macOS (%s)", host)
	case "windows":
		return fmt.Sprintf("Windows PC (%s)", host)
	case "linux":
		return fmt.Sprintf("Linux PC (%s)", host)
	default:
		return fmt.Sprintf("%s Device (%s)", runtime.GOOS, host)
	}
}
