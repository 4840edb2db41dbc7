package fingerprint

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Snapshot is the composite of device/environment characteristics the
// fingerprint digest is derived from. Field order matters: the digest hashes
// the JSON serialization of this struct.
type Snapshot struct {
	UserAgent           string `json:"userAgent"`
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	DeviceMemory        string `json:"deviceMemory"`
	ScreenResolution    string `json:"screenResolution"`
	ScreenColorDepth    int    `json:"screenColorDepth"`
	Timezone            string `json:"timezone"`
	TimezoneOffsetMin   int    `json:"timezoneOffset"`
	SessionStorage      bool   `json:"sessionStorage"`
	LocalStorage        bool   `json:"localStorage"`
	IndexedDB           bool   `json:"indexedDb"`
	Plugins             string `json:"plugins"`
	Canvas              string `json:"canvas"`
	WebGL               string `json:"webGL"`
}

// Probe captures a Snapshot of the current environment. Implementations must
// be best-effort: a component that cannot be read is reported with a fixed
// sentinel value, never an error.
type Probe interface {
	Snapshot() Snapshot
}

// Sentinel values substituted when a snapshot component is unavailable.
const (
	sentinelUnknown          = "unknown"
	sentinelCanvasError      = "canvas-error"
	sentinelWebGLUnsupported = "webgl-unsupported"
)

// HostProbe implements Probe against the local host. Rendering signatures
// have no host equivalent and always report their unsupported sentinels; the
// consistency-check algorithm downstream is indifferent to which components
// carry real entropy.
type HostProbe struct{}

func (HostProbe) Snapshot() Snapshot {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = sentinelUnknown
	}

	lang := os.Getenv("LANG")
	if lang == "" {
		lang = sentinelUnknown
	}

	zone, offsetSec := time.Now().Zone()

	return Snapshot{
		UserAgent:           fmt.Sprintf("%s/%s %s", runtime.GOOS, runtime.GOARCH, runtime.Version()),
		Language:            lang,
		Platform:            hostname,
		HardwareConcurrency: runtime.NumCPU(),
		DeviceMemory:        sentinelUnknown,
		ScreenResolution:    sentinelUnknown,
		ScreenColorDepth:    0,
		Timezone:            zone,
		TimezoneOffsetMin:   -offsetSec / 60,
		SessionStorage:      true,
		LocalStorage:        true,
		IndexedDB:           false,
		Plugins:             "",
		Canvas:              sentinelCanvasError,
		WebGL:               sentinelWebGLUnsupported,
	}
}
