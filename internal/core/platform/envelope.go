package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// HeaderInstanceID is the header carrying the caller identity on GET
// requests that have no body.
const HeaderInstanceID = "Fos-instance-id"

// Envelope is the decoded JSON body shared by every VM-originated request
// and by lifecycle notifications relayed from the platform.
type Envelope struct {
	InstanceID     string          `json:"instance-id"`
	Interval       json.RawMessage `json:"interval,omitempty"`
	Status         string          `json:"status,omitempty"`
	LifecycleEvent string          `json:"lifecycle-event,omitempty"`
	Product        string          `json:"product,omitempty"`

	// Device-reported heartbeat payload, passed through to the monitor
	// record.
	SendTime           string `json:"send-time,omitempty"`
	DeviceSyncTime     string `json:"sync-time,omitempty"`
	DeviceSyncFailTime string `json:"sync-fail-time,omitempty"`
	DeviceSyncStatus   string `json:"sync-status,omitempty"`
	DeviceIsPrimary    bool   `json:"is-primary,omitempty"`
	DeviceChecksum     string `json:"checksum,omitempty"`
}

// DecodeEnvelope parses the request body. An empty body decodes to the
// zero envelope so that header-only GET requests still normalize.
func DecodeEnvelope(req *IncomingRequest) (*Envelope, error) {
	env := &Envelope{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, env); err != nil {
			return nil, fmt.Errorf("decode request envelope: %w", err)
		}
	}
	if env.InstanceID == "" && req.Headers != nil {
		env.InstanceID = req.Headers[HeaderInstanceID]
	}
	return env, nil
}

// EnvelopeRequestType classifies a request from its envelope, path and
// method. Adapters that receive requests through the shared HTTP-like
// front delegate here.
func EnvelopeRequestType(req *IncomingRequest) RequestType {
	env, err := DecodeEnvelope(req)
	if err != nil {
		return RequestUnknown
	}
	switch env.LifecycleEvent {
	case "launching":
		return RequestLaunchingVM
	case "launched":
		return RequestLaunchedVM
	case "terminating":
		return RequestTerminatingVM
	case "terminated":
		return RequestTerminatedVM
	}
	if strings.HasSuffix(strings.TrimRight(req.Path, "/"), "/license") {
		return RequestServiceForwarding
	}
	if req.Method == http.MethodGet {
		return RequestBootstrapConfig
	}
	if env.Status != "" {
		return RequestStatusMessage
	}
	if env.InstanceID != "" {
		return RequestHeartbeatSync
	}
	return RequestUnknown
}

// EnvelopeVMID extracts the caller identity.
func EnvelopeVMID(req *IncomingRequest) (string, error) {
	env, err := DecodeEnvelope(req)
	if err != nil {
		return "", err
	}
	if env.InstanceID == "" {
		return "", fmt.Errorf("%w: instance id not provided", ErrUnauthorized)
	}
	return env.InstanceID, nil
}

// EnvelopeHeartbeatInterval extracts the reported interval in seconds.
// The literal "use-existing" (and an absent field) map to
// IntervalUseExisting.
func EnvelopeHeartbeatInterval(req *IncomingRequest) (int, error) {
	env, err := DecodeEnvelope(req)
	if err != nil {
		return 0, err
	}
	if len(env.Interval) == 0 {
		return IntervalUseExisting, nil
	}
	raw := strings.Trim(string(env.Interval), `"`)
	if raw == "use-existing" {
		return IntervalUseExisting, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid heartbeat interval %q", raw)
	}
	return n, nil
}
