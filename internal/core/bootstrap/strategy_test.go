package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/platform/platformtest"
	"github.com/zentinel/autoscale/internal/core/settings"
)

func testRegistry() (*platformtest.Fake, *settings.Registry) {
	f := platformtest.New()
	f.SeedSetting(settings.KeySyncInterface, "port2")
	f.SeedSetting(settings.KeyPSKSecret, "s3cret")
	f.SeedSetting(settings.KeyAdminPort, "8443")
	f.SeedSetting(settings.KeyHandlerURL, "https://handler.example/fgt")
	return f, settings.New(f)
}

func TestConfiguration_Primary(t *testing.T) {
	_, reg := testRegistry()
	s := NewTemplateStrategy("")

	config, err := s.Configuration(context.Background(), reg, Params{
		VM:        &platform.VirtualMachine{VMID: "i-a", PrimaryPrivateIP: "10.0.0.10"},
		IsPrimary: true,
	})
	require.NoError(t, err)

	assert.Contains(t, config, "set role master")
	assert.Contains(t, config, "set sync-interface port2")
	assert.Contains(t, config, "set psksecret s3cret")
	assert.Contains(t, config, "set callback-url https://handler.example/fgt")
	assert.NotContains(t, config, "{")
}

func TestConfiguration_SecondaryNamesPrimary(t *testing.T) {
	_, reg := testRegistry()
	s := NewTemplateStrategy("")

	config, err := s.Configuration(context.Background(), reg, Params{
		VM: &platform.VirtualMachine{VMID: "i-b", PrimaryPrivateIP: "10.0.1.20"},
		Primary: &platform.PrimaryRecord{
			VMID: "i-a", IP: "10.0.0.10", VoteState: platform.VoteDone,
		},
	})
	require.NoError(t, err)

	assert.Contains(t, config, "set role slave")
	assert.Contains(t, config, "set master-ip 10.0.0.10")
}

func TestConfiguration_CustomTemplate(t *testing.T) {
	_, reg := testRegistry()
	s := NewTemplateStrategy("hostname {VM_ID}\n{ROLE_SECTION}\n")

	config, err := s.Configuration(context.Background(), reg, Params{
		VM:        &platform.VirtualMachine{VMID: "i-c"},
		IsPrimary: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hostname i-c\nset role master\n", config)
}
