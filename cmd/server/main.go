package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zentinel/autoscale/internal/core/autoscale"
	"github.com/zentinel/autoscale/internal/core/bootstrap"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/injector"
	local "github.com/zentinel/autoscale/internal/platform/local"
	"github.com/zentinel/autoscale/internal/server"
)

func main() {
	var (
		configPath string
		listenAddr string
		dataDir    string
		blobDir    string
		natsURL    string
		devMode    bool
	)

	root := &cobra.Command{
		Use:   "autoscale-server",
		Short: "Autoscale control plane handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				config.ListenAddr = listenAddr
			}
			if dataDir != "" {
				config.Platform.DataDir = dataDir
			}
			if blobDir != "" {
				config.Platform.BlobDir = blobDir
			}
			if natsURL != "" {
				config.Platform.NATSUrl = natsURL
			}
			if devMode {
				config.DevelopmentMode = true
			}
			return run(cmd.Context(), config)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	root.Flags().StringVar(&listenAddr, "listen", "", "handler listen address")
	root.Flags().StringVar(&dataDir, "data-dir", "", "badger database directory")
	root.Flags().StringVar(&blobDir, "blob-dir", "", "blob store root directory")
	root.Flags().StringVar(&natsURL, "nats-url", "", "NATS broker for event egress")
	root.Flags().BoolVar(&devMode, "dev", false, "include stack traces in error responses")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config server.Config) error {
	logger := log.New(parseLevel(config.LogLevel))

	adapter, err := local.New(config.Platform, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := adapter.Close(); cerr != nil {
			logger.Warn("platform close failed", log.Error(cerr))
		}
	}()

	if err := seed(ctx, adapter, config); err != nil {
		return err
	}

	template := ""
	if config.BootstrapTemplateFile != "" {
		data, rerr := os.ReadFile(config.BootstrapTemplateFile)
		if rerr != nil {
			return fmt.Errorf("read bootstrap template: %w", rerr)
		}
		template = string(data)
	}

	dispatcher := injector.InitializeDispatcher(
		adapter,
		bootstrap.NewTemplateStrategy(template),
		logger,
		autoscale.Config{
			ProductName:     config.ProductName,
			DevelopmentMode: config.DevelopmentMode,
		},
	).WithHooks(autoscale.Hooks{
		OnLaunching: registerLaunchingVM(adapter, logger),
	})

	srv := server.New(config, dispatcher, adapter, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stopCh:
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// seed pushes the configured settings rows and static VM inventory into
// the store on startup. Existing rows are overwritten; the settings table
// stays authoritative afterwards.
func seed(ctx context.Context, adapter *local.Adapter, config server.Config) error {
	for key, value := range config.Settings {
		item := platform.SettingItem{Key: key, Value: value, Editable: true}
		if err := adapter.SetSettingItem(ctx, item); err != nil {
			return err
		}
	}
	for i := range config.VMs {
		if err := adapter.RegisterVM(ctx, &config.VMs[i]); err != nil {
			return err
		}
	}
	return nil
}

// registerLaunchingVM is the launching lifecycle hook for the local
// platform: the notification body carries the VM attributes, which feed
// the inventory table DescribeVM answers from.
func registerLaunchingVM(adapter *local.Adapter, logger log.Log) func(context.Context, *platform.IncomingRequest) error {
	type launchPayload struct {
		InstanceID       string `json:"instance-id"`
		ScalingGroupName string `json:"scaling-group"`
		PrivateIP        string `json:"private-ip"`
		PublicIP         string `json:"public-ip"`
		VirtualNetworkID string `json:"vnet-id"`
		SubnetID         string `json:"subnet-id"`
	}
	return func(ctx context.Context, req *platform.IncomingRequest) error {
		var payload launchPayload
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			return err
		}
		if payload.InstanceID == "" {
			return fmt.Errorf("%w: instance id not provided", platform.ErrUnauthorized)
		}
		vm := &platform.VirtualMachine{
			VMID:             payload.InstanceID,
			ScalingGroupName: payload.ScalingGroupName,
			PrimaryPrivateIP: payload.PrivateIP,
			PrimaryPublicIP:  payload.PublicIP,
			VirtualNetworkID: payload.VirtualNetworkID,
			SubnetID:         payload.SubnetID,
		}
		logger.Info("vm joining the fleet",
			log.String("vm_id", vm.VMID),
			log.String("scaling_group", vm.ScalingGroupName))
		return adapter.RegisterVM(ctx, vm)
	}
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
