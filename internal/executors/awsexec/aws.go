// Package awsexec carries out network and identity containment in AWS.
//
// block_ip and unblock_ip manage deny entries on a network ACL. disable_user
// deactivates the active IAM access keys of a user and records their ids in
// a user tag; enable_user reactivates only the recorded keys.
package awsexec

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/netip"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// EC2API defines the EC2 operations used by the executor.
type EC2API interface {
	DescribeNetworkAcls(ctx context.Context, params *ec2.DescribeNetworkAclsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
	CreateNetworkAclEntry(ctx context.Context, params *ec2.CreateNetworkAclEntryInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error)
	DeleteNetworkAclEntry(ctx context.Context, params *ec2.DeleteNetworkAclEntryInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error)
}

// IAMAPI defines the IAM operations used by the executor.
type IAMAPI interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	TagUser(ctx context.Context, params *iam.TagUserInput, optFns ...func(*iam.Options)) (*iam.TagUserOutput, error)
	UntagUser(ctx context.Context, params *iam.UntagUserInput, optFns ...func(*iam.Options)) (*iam.UntagUserOutput, error)
}

// DisabledKeysTag is the IAM user tag listing the access keys that
// disable_user deactivated, separated by spaces.
const DisabledKeysTag = "responseforge:disabled-keys"

// Config configures the executor
type Config struct {
	Region         string `yaml:"region"`
	NetworkACLID   string `yaml:"network_acl_id"`
	RuleNumberBase int32  `yaml:"rule_number_base"`
	RuleNumberSpan int32  `yaml:"rule_number_span"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Region:         "us-east-1",
		RuleNumberBase: 1000,
		RuleNumberSpan: 20000,
	}
}

// Executor handles IP blocking and IAM user containment
type Executor struct {
	ec2    EC2API
	iam    IAMAPI
	config Config
	logger *zap.Logger
	kinds  execution.KindSet
}

// New creates an executor from pre-built clients
func New(ec2Client EC2API, iamClient IAMAPI, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RuleNumberSpan <= 0 {
		config.RuleNumberSpan = DefaultConfig().RuleNumberSpan
	}
	if config.RuleNumberBase <= 0 {
		config.RuleNumberBase = DefaultConfig().RuleNumberBase
	}
	return &Executor{
		ec2:    ec2Client,
		iam:    iamClient,
		config: config,
		logger: logger,
		kinds: execution.NewKindSet(
			remediation.KindBlockIP, remediation.KindUnblockIP,
			remediation.KindDisableUser, remediation.KindEnableUser,
		),
	}
}

// NewFromConfig loads the default AWS credential chain for cfg.Region
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Executor, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(ec2.NewFromConfig(awsCfg), iam.NewFromConfig(awsCfg), cfg, logger), nil
}

// Name implements execution.Executor
func (e *Executor) Name() string { return "aws" }

// CanExecute implements execution.Executor
func (e *Executor) CanExecute(kind remediation.Kind) bool { return e.kinds.Has(kind) }

// CheckFeasibility implements execution.Executor
func (e *Executor) CheckFeasibility(ctx context.Context, a remediation.PlannedAction, _ execution.Context) (execution.Feasibility, error) {
	switch a.Kind {
	case remediation.KindBlockIP, remediation.KindUnblockIP:
		if _, _, err := cidrFor(a.Param(remediation.ParamSrcIP)); err != nil {
			return execution.Feasibility{Message: err.Error()}, nil
		}
		if _, err := e.describeACL(ctx); err != nil {
			return execution.Feasibility{Message: err.Error()}, nil
		}
		return execution.Feasibility{CanExecute: true, Message: "network ACL " + e.config.NetworkACLID + " reachable"}, nil

	case remediation.KindDisableUser, remediation.KindEnableUser:
		user := a.Param(remediation.ParamUsername)
		if user == "" {
			return execution.Feasibility{Message: "IAM containment requires a username"}, nil
		}
		if _, err := e.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(user)}); err != nil {
			return execution.Feasibility{Message: fmt.Sprintf("IAM user %s not found: %v", user, err)}, nil
		}
		return execution.Feasibility{CanExecute: true, Message: "IAM user " + user + " exists"}, nil
	}
	return execution.Feasibility{Message: fmt.Sprintf("unsupported kind %s", a.Kind)}, nil
}

// Execute implements execution.Executor
func (e *Executor) Execute(ctx context.Context, a remediation.PlannedAction, _ execution.Context) (execution.Outcome, error) {
	switch a.Kind {
	case remediation.KindBlockIP:
		return e.blockIP(ctx, a.Param(remediation.ParamSrcIP))
	case remediation.KindUnblockIP:
		return e.unblockIP(ctx, a.Param(remediation.ParamSrcIP))
	case remediation.KindDisableUser:
		return e.disableUser(ctx, a.Param(remediation.ParamUsername))
	case remediation.KindEnableUser:
		return e.enableUser(ctx, a.Param(remediation.ParamUsername))
	}
	return execution.Outcome{Message: fmt.Sprintf("unsupported kind %s", a.Kind)}, nil
}

func (e *Executor) describeACL(ctx context.Context) (*ec2types.NetworkAcl, error) {
	if e.config.NetworkACLID == "" {
		return nil, fmt.Errorf("no network ACL configured")
	}
	out, err := e.ec2.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		NetworkAclIds: []string{e.config.NetworkACLID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe network ACL %s: %w", e.config.NetworkACLID, err)
	}
	if len(out.NetworkAcls) == 0 {
		return nil, fmt.Errorf("network ACL %s not found", e.config.NetworkACLID)
	}
	return &out.NetworkAcls[0], nil
}

func (e *Executor) blockIP(ctx context.Context, ip string) (execution.Outcome, error) {
	cidr, v6, err := cidrFor(ip)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	acl, err := e.describeACL(ctx)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	rule := e.RuleNumber(cidr)
	ref := fmt.Sprintf("%s#%d", e.config.NetworkACLID, rule)

	if entry, ok := findEntry(acl, rule); ok {
		if entryCIDR(entry) == cidr && entry.RuleAction == ec2types.RuleActionDeny {
			return execution.Outcome{Succeeded: true, Message: cidr + " already blocked", ExternalReference: ref}, nil
		}
		return execution.Outcome{Message: fmt.Sprintf("rule %d on %s is used by %s", rule, e.config.NetworkACLID, entryCIDR(entry))}, nil
	}

	input := &ec2.CreateNetworkAclEntryInput{
		NetworkAclId: aws.String(e.config.NetworkACLID),
		RuleNumber:   aws.Int32(rule),
		Protocol:     aws.String("-1"),
		RuleAction:   ec2types.RuleActionDeny,
		Egress:       aws.Bool(false),
	}
	if v6 {
		input.Ipv6CidrBlock = aws.String(cidr)
	} else {
		input.CidrBlock = aws.String(cidr)
	}
	if _, err := e.ec2.CreateNetworkAclEntry(ctx, input); err != nil {
		return execution.Outcome{Message: fmt.Sprintf("create ACL entry: %v", err)}, nil
	}
	e.logger.Info("IP blocked",
		zap.String("cidr", cidr),
		zap.String("network_acl_id", e.config.NetworkACLID),
		zap.Int32("rule_number", rule),
	)
	return execution.Outcome{Succeeded: true, Message: cidr + " blocked", ExternalReference: ref}, nil
}

func (e *Executor) unblockIP(ctx context.Context, ip string) (execution.Outcome, error) {
	cidr, _, err := cidrFor(ip)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	acl, err := e.describeACL(ctx)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	rule := e.RuleNumber(cidr)
	ref := fmt.Sprintf("%s#%d", e.config.NetworkACLID, rule)

	entry, ok := findEntry(acl, rule)
	if !ok || entryCIDR(entry) != cidr {
		return execution.Outcome{Succeeded: true, Message: cidr + " was not blocked", ExternalReference: ref}, nil
	}
	if _, err := e.ec2.DeleteNetworkAclEntry(ctx, &ec2.DeleteNetworkAclEntryInput{
		NetworkAclId: aws.String(e.config.NetworkACLID),
		RuleNumber:   aws.Int32(rule),
		Egress:       aws.Bool(false),
	}); err != nil {
		return execution.Outcome{Message: fmt.Sprintf("delete ACL entry: %v", err)}, nil
	}
	e.logger.Info("IP unblocked",
		zap.String("cidr", cidr),
		zap.String("network_acl_id", e.config.NetworkACLID),
		zap.Int32("rule_number", rule),
	)
	return execution.Outcome{Succeeded: true, Message: cidr + " unblocked", ExternalReference: ref}, nil
}

func (e *Executor) disableUser(ctx context.Context, user string) (execution.Outcome, error) {
	if user == "" {
		return execution.Outcome{Message: "IAM containment requires a username"}, nil
	}
	recorded, err := e.recordedKeys(ctx, user)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	keys, err := e.listKeys(ctx, user)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}

	var active []string
	for _, key := range keys {
		if key.Status == iamtypes.StatusTypeActive {
			active = append(active, aws.ToString(key.AccessKeyId))
		}
	}
	// the record is written before any key changes so a rollback never loses track
	if len(active) > 0 {
		merged := mergeKeyIDs(recorded, active)
		if _, err := e.iam.TagUser(ctx, &iam.TagUserInput{
			UserName: aws.String(user),
			Tags:     []iamtypes.Tag{{Key: aws.String(DisabledKeysTag), Value: aws.String(strings.Join(merged, " "))}},
		}); err != nil {
			return execution.Outcome{Message: fmt.Sprintf("record disabled keys of %s: %v", user, err)}, nil
		}
	}
	for _, id := range active {
		if err := e.updateKey(ctx, user, id, iamtypes.StatusTypeInactive); err != nil {
			return execution.Outcome{Message: err.Error()}, nil
		}
	}

	e.logger.Info("IAM access keys disabled",
		zap.String("user", user),
		zap.Strings("access_key_ids", active),
	)
	return execution.Outcome{
		Succeeded:         true,
		Message:           fmt.Sprintf("set %d access key(s) of %s to Inactive", len(active), user),
		ExternalReference: "iam-user/" + user,
	}, nil
}

func (e *Executor) enableUser(ctx context.Context, user string) (execution.Outcome, error) {
	if user == "" {
		return execution.Outcome{Message: "IAM containment requires a username"}, nil
	}
	recorded, err := e.recordedKeys(ctx, user)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}
	if len(recorded) == 0 {
		return execution.Outcome{
			Succeeded:         true,
			Message:           fmt.Sprintf("no access keys of %s were disabled by containment", user),
			ExternalReference: "iam-user/" + user,
		}, nil
	}
	keys, err := e.listKeys(ctx, user)
	if err != nil {
		return execution.Outcome{Message: err.Error()}, nil
	}

	want := make(map[string]bool, len(recorded))
	for _, id := range recorded {
		want[id] = true
	}
	var restored []string
	for _, key := range keys {
		id := aws.ToString(key.AccessKeyId)
		if !want[id] || key.Status == iamtypes.StatusTypeActive {
			continue
		}
		if err := e.updateKey(ctx, user, id, iamtypes.StatusTypeActive); err != nil {
			return execution.Outcome{Message: err.Error()}, nil
		}
		restored = append(restored, id)
	}
	if _, err := e.iam.UntagUser(ctx, &iam.UntagUserInput{
		UserName: aws.String(user),
		TagKeys:  []string{DisabledKeysTag},
	}); err != nil {
		e.logger.Warn("Failed to clear disabled key record", zap.String("user", user), zap.Error(err))
	}

	e.logger.Info("IAM access keys restored",
		zap.String("user", user),
		zap.Strings("access_key_ids", restored),
	)
	return execution.Outcome{
		Succeeded:         true,
		Message:           fmt.Sprintf("set %d access key(s) of %s to Active", len(restored), user),
		ExternalReference: "iam-user/" + user,
	}, nil
}

// recordedKeys reads the key ids stored under DisabledKeysTag
func (e *Executor) recordedKeys(ctx context.Context, user string) ([]string, error) {
	out, err := e.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(user)})
	if err != nil {
		return nil, fmt.Errorf("get IAM user %s: %w", user, err)
	}
	if out.User == nil {
		return nil, nil
	}
	for _, tag := range out.User.Tags {
		if aws.ToString(tag.Key) == DisabledKeysTag {
			return strings.Fields(aws.ToString(tag.Value)), nil
		}
	}
	return nil, nil
}

func (e *Executor) listKeys(ctx context.Context, user string) ([]iamtypes.AccessKeyMetadata, error) {
	var keys []iamtypes.AccessKeyMetadata
	paginator := iam.NewListAccessKeysPaginator(e.iam, &iam.ListAccessKeysInput{UserName: aws.String(user)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list access keys: %w", err)
		}
		keys = append(keys, page.AccessKeyMetadata...)
	}
	return keys, nil
}

func (e *Executor) updateKey(ctx context.Context, user, id string, status iamtypes.StatusType) error {
	if _, err := e.iam.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		AccessKeyId: aws.String(id),
		UserName:    aws.String(user),
		Status:      status,
	}); err != nil {
		return fmt.Errorf("update access key %s: %w", id, err)
	}
	return nil
}

func mergeKeyIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RuleNumber maps a CIDR to a stable ACL rule number inside the configured range
func (e *Executor) RuleNumber(cidr string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cidr))
	return e.config.RuleNumberBase + int32(h.Sum32()%uint32(e.config.RuleNumberSpan))
}

func cidrFor(ip string) (cidr string, v6 bool, err error) {
	ip = strings.TrimSpace(ip)
	if strings.Contains(ip, "/") {
		p, err := netip.ParsePrefix(ip)
		if err != nil {
			return "", false, fmt.Errorf("invalid src_ip %q", ip)
		}
		p = p.Masked()
		return p.String(), p.Addr().Is6() && !p.Addr().Is4In6(), nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false, fmt.Errorf("invalid src_ip %q", ip)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()).String(), addr.Is6(), nil
}

func findEntry(acl *ec2types.NetworkAcl, rule int32) (ec2types.NetworkAclEntry, bool) {
	for _, entry := range acl.Entries {
		if aws.ToBool(entry.Egress) {
			continue
		}
		if aws.ToInt32(entry.RuleNumber) == rule {
			return entry, true
		}
	}
	return ec2types.NetworkAclEntry{}, false
}

func entryCIDR(entry ec2types.NetworkAclEntry) string {
	if entry.CidrBlock != nil {
		return *entry.CidrBlock
	}
	return aws.ToString(entry.Ipv6CidrBlock)
}
