// Package bootstrap produces the day-zero configuration a VM receives
// during its bootstrap exchange. The core only depends on the Strategy
// interface; the template renderer below is the stock implementation.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/settings"
)

// Params carries the election outcome into the rendering.
type Params struct {
	VM        *platform.VirtualMachine
	Primary   *platform.PrimaryRecord
	IsPrimary bool
}

// Strategy renders the final configuration string for a booting VM.
type Strategy interface {
	Configuration(ctx context.Context, reg *settings.Registry, params Params) (string, error)
}

// DefaultTemplate is the baseline device configuration. Deployments
// override it with their own template file.
const DefaultTemplate = `config system global
    set admin-sport {ADMIN_PORT}
end
config system auto-scale
    set status enable
    set sync-interface {SYNC_INTERFACE}
    {ROLE_SECTION}
    set callback-url {CALLBACK_URL}
    set psksecret {PSK_SECRET}
end
config system dns
    unset primary
    unset secondary
end
`

var _ Strategy = (*TemplateStrategy)(nil)

// TemplateStrategy substitutes settings and election state into a
// configuration template.
type TemplateStrategy struct {
	Template string
}

func NewTemplateStrategy(template string) *TemplateStrategy {
	if template == "" {
		template = DefaultTemplate
	}
	return &TemplateStrategy{Template: template}
}

func (s *TemplateStrategy) Configuration(ctx context.Context, reg *settings.Registry, params Params) (string, error) {
	syncInterface, _, err := reg.Get(ctx, settings.KeySyncInterface)
	if err != nil {
		return "", err
	}
	if syncInterface == "" {
		syncInterface = "port1"
	}
	psk, _, err := reg.Get(ctx, settings.KeyPSKSecret)
	if err != nil {
		return "", err
	}
	adminPort, _, err := reg.Get(ctx, settings.KeyAdminPort)
	if err != nil {
		return "", err
	}
	if adminPort == "" {
		adminPort = "8443"
	}
	callbackURL, err := reg.HandlerURL(ctx)
	if err != nil {
		return "", err
	}

	roleSection := "set role master"
	if !params.IsPrimary {
		primaryIP := ""
		if params.Primary.Settled() {
			primaryIP = params.Primary.IP
		}
		roleSection = fmt.Sprintf("set role slave\n    set master-ip %s", primaryIP)
	}

	replacer := strings.NewReplacer(
		"{SYNC_INTERFACE}", syncInterface,
		"{PSK_SECRET}", psk,
		"{ADMIN_PORT}", adminPort,
		"{CALLBACK_URL}", callbackURL,
		"{ROLE_SECTION}", roleSection,
		"{VM_ID}", params.VM.VMID,
	)
	return replacer.Replace(s.Template), nil
}
