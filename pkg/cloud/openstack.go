package cloud

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/pagination"
	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

const osActiveTimeout = 600 // seconds to wait for ACTIVE

// OpenStackProvider runs worker hosts as Nova servers
type OpenStackProvider struct {
	cfg     config.CloudConfig
	compute *gophercloud.ServiceClient
	logger  zerolog.Logger
}

// NewOpenStackProvider authenticates against the configured identity endpoint
func NewOpenStackProvider(cfg config.CloudConfig) (*OpenStackProvider, error) {
	provider, err := openstack.AuthenticatedClient(gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TenantName:       cfg.TenantName,
		DomainName:       cfg.DomainName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: cfg.OSRegion})
	if err != nil {
		return nil, fmt.Errorf("failed to build compute client: %w", err)
	}

	return &OpenStackProvider{
		cfg:     cfg,
		compute: compute,
		logger:  log.WithComponent("cloud-openstack"),
	}, nil
}

// Name implements Provider
func (p *OpenStackProvider) Name() string { return "openstack" }

// Capacity implements Provider. Rows already provisioning count against the
// configured budget.
func (p *OpenStackProvider) Capacity(current []types.Node) (int, error) {
	free := p.cfg.MaxNodes - countNodes(current, p.Name())
	if free < 0 {
		free = 0
	}
	return free, nil
}

// Provision creates one server and waits until it is ACTIVE with an address
func (p *OpenStackProvider) Provision(ctx context.Context) (Host, error) {
	opts := servers.CreateOpts{
		Name:      "muster-" + uuid.NewString()[:8],
		ImageRef:  p.cfg.ImageRef,
		FlavorRef: p.cfg.FlavorRef,
	}
	if p.cfg.NetworkID != "" {
		opts.Networks = []servers.Network{{UUID: p.cfg.NetworkID}}
	}

	server, err := servers.Create(p.compute, opts).Extract()
	if err != nil {
		return Host{}, fmt.Errorf("server create: %w", err)
	}
	p.logger.Info().Str("server", server.ID).Str("name", opts.Name).Msg("Server launched")

	if err := servers.WaitForStatus(p.compute, server.ID, "ACTIVE", osActiveTimeout); err != nil {
		return Host{}, fmt.Errorf("server %s never became active: %w", server.ID, err)
	}

	server, err = servers.Get(p.compute, server.ID).Extract()
	if err != nil {
		return Host{}, fmt.Errorf("server get: %w", err)
	}

	ip := serverAddress(server)
	if ip == "" {
		return Host{}, fmt.Errorf("server %s has no address", server.ID)
	}
	return Host{IP: ip, NCPUs: p.cfg.NCPUs}, nil
}

// Teardown deletes the server behind the given address
func (p *OpenStackProvider) Teardown(ctx context.Context, ip string) error {
	var serverID string
	err := servers.List(p.compute, servers.ListOpts{}).EachPage(func(page pagination.Page) (bool, error) {
		list, err := servers.ExtractServers(page)
		if err != nil {
			return false, err
		}
		for _, server := range list {
			if serverAddress(&server) == ip {
				serverID = server.ID
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("server list: %w", err)
	}
	if serverID == "" {
		return fmt.Errorf("no server found for %s", ip)
	}

	if err := servers.Delete(p.compute, serverID).ExtractErr(); err != nil {
		return fmt.Errorf("server delete: %w", err)
	}
	p.logger.Info().Str("node", ip).Str("server", serverID).Msg("Server deleted")
	return nil
}

// serverAddress pulls the first v4 address out of a server's address map,
// preferring the access address when Nova set one
func serverAddress(server *servers.Server) string {
	if server.AccessIPv4 != "" {
		return server.AccessIPv4
	}
	for _, network := range server.Addresses {
		addrs, ok := network.([]interface{})
		if !ok {
			continue
		}
		for _, entry := range addrs {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			if version, ok := fields["version"].(float64); ok && version != 4 {
				continue
			}
			if addr, ok := fields["addr"].(string); ok && addr != "" {
				return addr
			}
		}
	}
	return ""
}
