package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

const ec2PollInterval = 5 * time.Second

// EC2Provider runs worker hosts as EC2 instances
type EC2Provider struct {
	cfg    config.CloudConfig
	client *ec2.Client
	logger zerolog.Logger
}

// NewEC2Provider builds the backend from the standard AWS credential chain
func NewEC2Provider(ctx context.Context, cfg config.CloudConfig) (*EC2Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &EC2Provider{
		cfg:    cfg,
		client: ec2.NewFromConfig(awsCfg),
		logger: log.WithComponent("cloud-ec2"),
	}, nil
}

// Name implements Provider
func (p *EC2Provider) Name() string { return "ec2" }

// Capacity implements Provider. Rows already provisioning count against the
// configured budget.
func (p *EC2Provider) Capacity(current []types.Node) (int, error) {
	free := p.cfg.MaxNodes - countNodes(current, p.Name())
	if free < 0 {
		free = 0
	}
	return free, nil
}

// Provision launches one instance and waits for its private address
func (p *EC2Provider) Provision(ctx context.Context) (Host, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.ImageID),
		InstanceType: ec2types.InstanceType(p.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return Host{}, fmt.Errorf("RunInstances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return Host{}, fmt.Errorf("RunInstances returned no instance")
	}
	instanceID := *out.Instances[0].InstanceId
	p.logger.Info().Str("instance", instanceID).Msg("Instance launched")

	for {
		desc, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return Host{}, fmt.Errorf("DescribeInstances: %w", err)
		}

		for _, reservation := range desc.Reservations {
			for _, inst := range reservation.Instances {
				if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning &&
					inst.PrivateIpAddress != nil {
					return Host{IP: *inst.PrivateIpAddress, NCPUs: p.cfg.NCPUs}, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return Host{}, fmt.Errorf("instance %s never became running: %w", instanceID, ctx.Err())
		case <-time.After(ec2PollInterval):
		}
	}
}

// Teardown terminates the instance behind the given private address
func (p *EC2Provider) Teardown(ctx context.Context, ip string) error {
	desc, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("private-ip-address"), Values: []string{ip}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return fmt.Errorf("DescribeInstances: %w", err)
	}

	var ids []string
	for _, reservation := range desc.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId != nil {
				ids = append(ids, *inst.InstanceId)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no instance found for %s", ip)
	}

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("TerminateInstances: %w", err)
	}
	p.logger.Info().Str("node", ip).Strs("instances", ids).Msg("Instance terminated")
	return nil
}
