// Package autoscale hosts the request dispatcher: the single entry point
// that maps a typed request onto the lifecycle, heartbeat, bootstrap and
// licensing flows.
package autoscale

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/zentinel/autoscale/internal/core/bootstrap"
	"github.com/zentinel/autoscale/internal/core/election"
	"github.com/zentinel/autoscale/internal/core/health"
	"github.com/zentinel/autoscale/internal/core/heartbeat"
	"github.com/zentinel/autoscale/internal/core/license"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/proxy"
	"github.com/zentinel/autoscale/internal/core/settings"
)

// Config tunes dispatcher behavior.
type Config struct {
	// ProductName scopes license stock and usage rows.
	ProductName string
	// DevelopmentMode includes stack traces in 500 bodies.
	DevelopmentMode bool
}

func DefaultConfig() Config {
	return Config{ProductName: "fortigate"}
}

// Hooks are the platform-defined lifecycle extension points. Both default
// to no-ops.
type Hooks struct {
	OnLaunching func(ctx context.Context, req *platform.IncomingRequest) error
	OnLaunched  func(ctx context.Context, req *platform.IncomingRequest) error
}

// Dispatcher routes one normalized request to its handler. All
// dependencies are injected at construction; per-request state (settings
// registry, orchestrators) is built inside Handle.
type Dispatcher struct {
	platform  platform.Platform
	bootstrap bootstrap.Strategy
	logger    log.Log
	config    Config
	hooks     Hooks
}

func New(p platform.Platform, strategy bootstrap.Strategy, logger log.Log, config Config) *Dispatcher {
	if config.ProductName == "" {
		config.ProductName = DefaultConfig().ProductName
	}
	return &Dispatcher{
		platform:  p,
		bootstrap: strategy,
		logger:    logger,
		config:    config,
	}
}

// WithHooks installs the lifecycle hooks.
func (d *Dispatcher) WithHooks(hooks Hooks) *Dispatcher {
	d.hooks = hooks
	return d
}

// Handle normalizes req, checks the deployment gate, and dispatches.
func (d *Dispatcher) Handle(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy) proxy.Response {
	reg := settings.New(d.platform)

	saved, err := reg.SettingsSaved(ctx)
	if err != nil {
		return d.errorResponse(px, err)
	}
	if !saved {
		return d.errorResponse(px, errors.Join(platform.ErrConfigurationMissing,
			errors.New("deployment settings are not saved")))
	}

	reqType := d.platform.RequestType(req)
	logger := d.logger.With(log.String("request_type", reqType.String()))
	logger.Debug("dispatching request")

	switch reqType {
	case platform.RequestLaunchingVM:
		return d.runHook(ctx, req, px, logger, d.hooks.OnLaunching)
	case platform.RequestLaunchedVM:
		return d.runHook(ctx, req, px, logger, d.hooks.OnLaunched)
	case platform.RequestBootstrapConfig:
		return d.handleBootstrap(ctx, req, px, reg, logger)
	case platform.RequestHeartbeatSync:
		return heartbeat.New(d.platform, px, reg, logger).Handle(ctx, req)
	case platform.RequestStatusMessage:
		return d.handleStatus(req, px, logger)
	case platform.RequestTerminatingVM:
		return d.handleTerminating(ctx, req, px, logger)
	case platform.RequestTerminatedVM:
		return d.handleTerminated(ctx, req, px, logger)
	case platform.RequestServiceForwarding:
		return d.handleLicense(ctx, req, px, reg, logger)
	default:
		logger.Warn("unknown request type")
		return d.errorResponse(px, errors.New("unable to handle unknown request"))
	}
}

func (d *Dispatcher) runHook(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy, logger log.Log, hook func(context.Context, *platform.IncomingRequest) error) proxy.Response {
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			logger.Error("lifecycle hook failed", log.Error(err))
			return d.errorResponse(px, err)
		}
	}
	return px.FormatResponse(http.StatusOK, "", nil)
}

// handleBootstrap runs the election first so a booting VM knows its role,
// then renders the configuration.
func (d *Dispatcher) handleBootstrap(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy, reg *settings.Registry, logger log.Log) proxy.Response {
	vmID, err := d.platform.RequestVMID(req)
	if err != nil {
		return px.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}
	vm, err := d.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: vmID})
	if err != nil {
		return d.errorResponse(px, err)
	}
	if vm == nil {
		return px.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}

	engine, err := health.EngineFromSettings(ctx, reg)
	if err != nil {
		return d.errorResponse(px, err)
	}
	outcome, err := election.New(d.platform, px, reg, engine, logger).Run(ctx, vm)
	if err != nil {
		return d.errorResponse(px, err)
	}
	if outcome.TimedOut {
		return d.errorResponse(px, platform.ErrElectionTimeout)
	}

	config, err := d.bootstrap.Configuration(ctx, reg, bootstrap.Params{
		VM:        vm,
		Primary:   outcome.Record,
		IsPrimary: outcome.IsPrimary,
	})
	if err != nil {
		return d.errorResponse(px, err)
	}
	logger.Info("bootstrap configuration served",
		log.String("vm_id", vmID),
		log.Bool("is_primary", outcome.IsPrimary))
	return px.FormatResponse(http.StatusOK, config, nil)
}

func (d *Dispatcher) handleStatus(req *platform.IncomingRequest, px proxy.Proxy, logger log.Log) proxy.Response {
	env, err := platform.DecodeEnvelope(req)
	if err == nil {
		logger.Info("status message received",
			log.String("vm_id", env.InstanceID),
			log.String("status", env.Status))
	}
	return px.FormatResponse(http.StatusOK, "", nil)
}

// handleTerminating detaches a leaving VM: its monitor record flips
// out-of-sync and is removed, and a primary leaver has its election
// record purged so the next heartbeat starts a fresh vote.
func (d *Dispatcher) handleTerminating(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy, logger log.Log) proxy.Response {
	vmID, err := d.platform.RequestVMID(req)
	if err != nil {
		return px.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}
	logger = logger.With(log.String("vm_id", vmID))

	if rec, herr := d.platform.HealthCheckRecord(ctx, vmID); herr != nil {
		return d.errorResponse(px, herr)
	} else if rec != nil {
		rec.SyncState = platform.OutOfSync
		rec.Healthy = false
		if uerr := d.platform.UpdateHealthCheckRecord(ctx, rec); uerr != nil {
			logger.Warn("failed to mark leaver out-of-sync", log.Error(uerr))
		}
		if derr := d.platform.DeleteHealthCheckRecord(ctx, vmID); derr != nil {
			return d.errorResponse(px, derr)
		}
	}

	primary, perr := d.platform.PrimaryRecord(ctx)
	if perr != nil {
		return d.errorResponse(px, perr)
	}
	if primary != nil && primary.VMID == vmID {
		if derr := d.platform.DeletePrimaryRecord(ctx, primary); derr != nil && !errors.Is(derr, platform.ErrRaceLost) {
			return d.errorResponse(px, derr)
		}
		logger.Info("primary record purged for terminating primary")
	}

	if cerr := d.platform.CompleteLifecycleAction(ctx, vmID, "terminating", false); cerr != nil {
		logger.Warn("terminating lifecycle completion failed", log.Error(cerr))
	}
	logger.Info("vm detached from the cluster")
	return px.FormatResponse(http.StatusOK, "", nil)
}

func (d *Dispatcher) handleTerminated(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy, logger log.Log) proxy.Response {
	vmID, err := d.platform.RequestVMID(req)
	if err != nil {
		return px.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}
	if derr := d.platform.DeleteHealthCheckRecord(ctx, vmID); derr != nil {
		return d.errorResponse(px, derr)
	}
	logger.Info("vm teardown finalized", log.String("vm_id", vmID))
	return px.FormatResponse(http.StatusOK, "", nil)
}

// handleLicense serves the reusable license file for a BYOL member. The
// body is marked secret so the transport masks it.
func (d *Dispatcher) handleLicense(ctx context.Context, req *platform.IncomingRequest, px proxy.Proxy, reg *settings.Registry, logger log.Log) proxy.Response {
	vmID, err := d.platform.RequestVMID(req)
	if err != nil {
		return px.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}
	env, err := platform.DecodeEnvelope(req)
	if err != nil {
		return d.errorResponse(px, err)
	}
	product := env.Product
	if product == "" {
		product = d.config.ProductName
	}

	file, err := license.New(d.platform, px, reg, logger).Assign(ctx, product, vmID)
	if err != nil {
		if errors.Is(err, platform.ErrLicenseExhausted) {
			logger.Error("license pool exhausted", log.String("vm_id", vmID))
			return px.FormatResponse(http.StatusInternalServerError, "No license available", nil)
		}
		return d.errorResponse(px, err)
	}

	resp := px.FormatResponse(http.StatusOK, file.Content, nil)
	resp.Secret = true
	return resp
}

func (d *Dispatcher) errorResponse(px proxy.Proxy, err error) proxy.Response {
	d.logger.Error("request failed", log.Error(err))
	body := err.Error()
	if d.config.DevelopmentMode {
		encoded, jerr := json.Marshal(map[string]string{
			"message": err.Error(),
			"stack":   string(debug.Stack()),
		})
		if jerr == nil {
			body = string(encoded)
		}
	}
	return px.FormatResponse(http.StatusInternalServerError, body, nil)
}
