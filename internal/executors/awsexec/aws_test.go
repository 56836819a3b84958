package awsexec

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

const aclID = "acl-0123456789"

// fakeEC2 keeps one network ACL in memory
type fakeEC2 struct {
	entries []ec2types.NetworkAclEntry
	creates int
	deletes int
}

func (f *fakeEC2) DescribeNetworkAcls(_ context.Context, in *ec2.DescribeNetworkAclsInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error) {
	if len(in.NetworkAclIds) != 1 || in.NetworkAclIds[0] != aclID {
		return &ec2.DescribeNetworkAclsOutput{}, nil
	}
	return &ec2.DescribeNetworkAclsOutput{NetworkAcls: []ec2types.NetworkAcl{{
		NetworkAclId: aws.String(aclID),
		Entries:      append([]ec2types.NetworkAclEntry(nil), f.entries...),
	}}}, nil
}

func (f *fakeEC2) CreateNetworkAclEntry(_ context.Context, in *ec2.CreateNetworkAclEntryInput, _ ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error) {
	f.creates++
	f.entries = append(f.entries, ec2types.NetworkAclEntry{
		RuleNumber:    in.RuleNumber,
		RuleAction:    in.RuleAction,
		Egress:        in.Egress,
		CidrBlock:     in.CidrBlock,
		Ipv6CidrBlock: in.Ipv6CidrBlock,
		Protocol:      in.Protocol,
	})
	return &ec2.CreateNetworkAclEntryOutput{}, nil
}

func (f *fakeEC2) DeleteNetworkAclEntry(_ context.Context, in *ec2.DeleteNetworkAclEntryInput, _ ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error) {
	f.deletes++
	kept := f.entries[:0]
	for _, e := range f.entries {
		if aws.ToInt32(e.RuleNumber) == aws.ToInt32(in.RuleNumber) && aws.ToBool(e.Egress) == aws.ToBool(in.Egress) {
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return &ec2.DeleteNetworkAclEntryOutput{}, nil
}

// fakeIAM holds access keys and tags per user
type fakeIAM struct {
	keys    map[string][]iamtypes.AccessKeyMetadata
	tags    map[string]map[string]string
	updates int
	tagErr  error
}

func (f *fakeIAM) GetUser(_ context.Context, in *iam.GetUserInput, _ ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	user := aws.ToString(in.UserName)
	if _, ok := f.keys[user]; !ok {
		return nil, errors.New("NoSuchEntity")
	}
	out := &iamtypes.User{UserName: in.UserName}
	for k, v := range f.tags[user] {
		out.Tags = append(out.Tags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return &iam.GetUserOutput{User: out}, nil
}

func (f *fakeIAM) TagUser(_ context.Context, in *iam.TagUserInput, _ ...func(*iam.Options)) (*iam.TagUserOutput, error) {
	if f.tagErr != nil {
		return nil, f.tagErr
	}
	user := aws.ToString(in.UserName)
	if f.tags == nil {
		f.tags = map[string]map[string]string{}
	}
	if f.tags[user] == nil {
		f.tags[user] = map[string]string{}
	}
	for _, tag := range in.Tags {
		f.tags[user][aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return &iam.TagUserOutput{}, nil
}

func (f *fakeIAM) UntagUser(_ context.Context, in *iam.UntagUserInput, _ ...func(*iam.Options)) (*iam.UntagUserOutput, error) {
	for _, k := range in.TagKeys {
		delete(f.tags[aws.ToString(in.UserName)], k)
	}
	return &iam.UntagUserOutput{}, nil
}

func (f *fakeIAM) status(user, id string) iamtypes.StatusType {
	for _, k := range f.keys[user] {
		if aws.ToString(k.AccessKeyId) == id {
			return k.Status
		}
	}
	return ""
}

func (f *fakeIAM) ListAccessKeys(_ context.Context, in *iam.ListAccessKeysInput, _ ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: append([]iamtypes.AccessKeyMetadata(nil), f.keys[aws.ToString(in.UserName)]...)}, nil
}

func (f *fakeIAM) UpdateAccessKey(_ context.Context, in *iam.UpdateAccessKeyInput, _ ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	f.updates++
	user := aws.ToString(in.UserName)
	for i, k := range f.keys[user] {
		if aws.ToString(k.AccessKeyId) == aws.ToString(in.AccessKeyId) {
			f.keys[user][i].Status = in.Status
		}
	}
	return &iam.UpdateAccessKeyOutput{}, nil
}

func newTestExecutor() (*Executor, *fakeEC2, *fakeIAM) {
	e2 := &fakeEC2{}
	im := &fakeIAM{keys: map[string][]iamtypes.AccessKeyMetadata{
		"jdoe": {
			{AccessKeyId: aws.String("AKIA1"), Status: iamtypes.StatusTypeActive},
			{AccessKeyId: aws.String("AKIA2"), Status: iamtypes.StatusTypeInactive},
		},
	}}
	cfg := DefaultConfig()
	cfg.NetworkACLID = aclID
	return New(e2, im, cfg, nil), e2, im
}

func ipAction(kind remediation.Kind, ip string) remediation.PlannedAction {
	return remediation.NewPlannedAction(kind, map[string]string{remediation.ParamSrcIP: ip}, "")
}

func userAction(kind remediation.Kind, params map[string]string) remediation.PlannedAction {
	return remediation.NewPlannedAction(kind, params, "")
}

// =============================================================================
// Network ACL Tests
// =============================================================================

// TestBlockIP_Idempotent verifies blocking twice creates one entry.
func TestBlockIP_Idempotent(t *testing.T) {
	ex, e2, _ := newTestExecutor()
	ctx := context.Background()

	out, err := ex.Execute(ctx, ipAction(remediation.KindBlockIP, "203.0.113.7"), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "203.0.113.7/32 blocked", out.Message)

	out, err = ex.Execute(ctx, ipAction(remediation.KindBlockIP, "203.0.113.7"), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "203.0.113.7/32 already blocked", out.Message)
	assert.Equal(t, 1, e2.creates)

	require.Len(t, e2.entries, 1)
	entry := e2.entries[0]
	assert.Equal(t, ec2types.RuleActionDeny, entry.RuleAction)
	assert.Equal(t, "203.0.113.7/32", aws.ToString(entry.CidrBlock))
	assert.Equal(t, ex.RuleNumber("203.0.113.7/32"), aws.ToInt32(entry.RuleNumber))
}

// TestUnblockIP verifies the entry is removed once and later calls are no-ops.
func TestUnblockIP(t *testing.T) {
	ex, e2, _ := newTestExecutor()
	ctx := context.Background()

	_, err := ex.Execute(ctx, ipAction(remediation.KindBlockIP, "2001:db8::1"), execution.Context{})
	require.NoError(t, err)
	require.Len(t, e2.entries, 1)
	assert.Equal(t, "2001:db8::1/128", aws.ToString(e2.entries[0].Ipv6CidrBlock))

	out, err := ex.Execute(ctx, ipAction(remediation.KindUnblockIP, "2001:db8::1"), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "2001:db8::1/128 unblocked", out.Message)
	assert.Empty(t, e2.entries)

	out, err = ex.Execute(ctx, ipAction(remediation.KindUnblockIP, "2001:db8::1"), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "2001:db8::1/128 was not blocked", out.Message)
	assert.Equal(t, 1, e2.deletes)
}

// TestBlockIP_RuleCollision verifies a rule number held by another CIDR is not overwritten.
func TestBlockIP_RuleCollision(t *testing.T) {
	ex, e2, _ := newTestExecutor()
	e2.entries = []ec2types.NetworkAclEntry{{
		RuleNumber: aws.Int32(ex.RuleNumber("198.51.100.1/32")),
		RuleAction: ec2types.RuleActionAllow,
		Egress:     aws.Bool(false),
		CidrBlock:  aws.String("0.0.0.0/0"),
	}}

	out, err := ex.Execute(context.Background(), ipAction(remediation.KindBlockIP, "198.51.100.1"), execution.Context{})
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Message, "is used by 0.0.0.0/0")
	assert.Equal(t, 0, e2.creates)
}

// TestCheckFeasibility_Network verifies address and ACL checks.
func TestCheckFeasibility_Network(t *testing.T) {
	ex, _, _ := newTestExecutor()
	ctx := context.Background()

	f, err := ex.CheckFeasibility(ctx, ipAction(remediation.KindBlockIP, "10.0.0.1"), execution.Context{})
	require.NoError(t, err)
	assert.True(t, f.CanExecute)

	f, _ = ex.CheckFeasibility(ctx, ipAction(remediation.KindBlockIP, "not-an-ip"), execution.Context{})
	assert.False(t, f.CanExecute)
	assert.Equal(t, `invalid src_ip "not-an-ip"`, f.Message)

	unconfigured := New(&fakeEC2{}, &fakeIAM{}, DefaultConfig(), nil)
	f, _ = unconfigured.CheckFeasibility(ctx, ipAction(remediation.KindBlockIP, "10.0.0.1"), execution.Context{})
	assert.False(t, f.CanExecute)
	assert.Equal(t, "no network ACL configured", f.Message)
}

// TestCidrFor verifies address normalisation.
func TestCidrFor(t *testing.T) {
	tests := []struct {
		in   string
		cidr string
		v6   bool
		err  bool
	}{
		{"192.0.2.1", "192.0.2.1/32", false, false},
		{" 192.0.2.1 ", "192.0.2.1/32", false, false},
		{"10.1.2.3/8", "10.0.0.0/8", false, false},
		{"::ffff:192.0.2.9", "192.0.2.9/32", false, false},
		{"2001:db8::1", "2001:db8::1/128", true, false},
		{"2001:db8::/32", "2001:db8::/32", true, false},
		{"", "", false, true},
		{"300.1.1.1", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cidr, v6, err := cidrFor(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cidr, cidr)
			assert.Equal(t, tt.v6, v6)
		})
	}
}

// TestRuleNumber_InRange verifies rule numbers stay inside the configured window.
func TestRuleNumber_InRange(t *testing.T) {
	ex := New(nil, nil, Config{RuleNumberBase: 500, RuleNumberSpan: 10}, nil)
	for _, cidr := range []string{"10.0.0.1/32", "10.0.0.2/32", "2001:db8::1/128", "0.0.0.0/0"} {
		n := ex.RuleNumber(cidr)
		assert.GreaterOrEqual(t, n, int32(500))
		assert.Less(t, n, int32(510))
		assert.Equal(t, n, ex.RuleNumber(cidr))
	}
}

// =============================================================================
// IAM Tests
// =============================================================================

// TestDisableEnableUser verifies the rollback reactivates only the keys
// containment turned off, leaving a key inactive before the incident alone.
func TestDisableEnableUser(t *testing.T) {
	ex, _, im := newTestExecutor()
	ctx := context.Background()
	params := map[string]string{remediation.ParamUsername: "jdoe"}

	out, err := ex.Execute(ctx, userAction(remediation.KindDisableUser, params), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "set 1 access key(s) of jdoe to Inactive", out.Message)
	assert.Equal(t, "iam-user/jdoe", out.ExternalReference)
	assert.Equal(t, iamtypes.StatusTypeInactive, im.status("jdoe", "AKIA1"))
	assert.Equal(t, iamtypes.StatusTypeInactive, im.status("jdoe", "AKIA2"))
	assert.Equal(t, "AKIA1", im.tags["jdoe"][DisabledKeysTag])

	out, err = ex.Execute(ctx, userAction(remediation.KindEnableUser, params), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "set 1 access key(s) of jdoe to Active", out.Message)
	assert.Equal(t, iamtypes.StatusTypeActive, im.status("jdoe", "AKIA1"))
	assert.Equal(t, iamtypes.StatusTypeInactive, im.status("jdoe", "AKIA2"))
	assert.NotContains(t, im.tags["jdoe"], DisabledKeysTag)
	assert.Equal(t, 2, im.updates)
}

// TestDisableUser_RepeatKeepsRecord verifies a second disable does not
// forget the keys the first one deactivated.
func TestDisableUser_RepeatKeepsRecord(t *testing.T) {
	ex, _, im := newTestExecutor()
	ctx := context.Background()
	params := map[string]string{remediation.ParamUsername: "jdoe"}

	_, err := ex.Execute(ctx, userAction(remediation.KindDisableUser, params), execution.Context{})
	require.NoError(t, err)
	out, err := ex.Execute(ctx, userAction(remediation.KindDisableUser, params), execution.Context{})
	require.NoError(t, err)
	assert.Equal(t, "set 0 access key(s) of jdoe to Inactive", out.Message)
	assert.Equal(t, "AKIA1", im.tags["jdoe"][DisabledKeysTag])

	_, err = ex.Execute(ctx, userAction(remediation.KindEnableUser, params), execution.Context{})
	require.NoError(t, err)
	assert.Equal(t, iamtypes.StatusTypeActive, im.status("jdoe", "AKIA1"))
	assert.Equal(t, iamtypes.StatusTypeInactive, im.status("jdoe", "AKIA2"))
}

// TestEnableUser_WithoutRecord verifies enable touches nothing when no
// containment was recorded.
func TestEnableUser_WithoutRecord(t *testing.T) {
	ex, _, im := newTestExecutor()

	out, err := ex.Execute(context.Background(), userAction(remediation.KindEnableUser, map[string]string{remediation.ParamUsername: "jdoe"}), execution.Context{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "no access keys of jdoe were disabled by containment", out.Message)
	assert.Equal(t, 0, im.updates)
	assert.Equal(t, iamtypes.StatusTypeInactive, im.status("jdoe", "AKIA2"))
}

// TestDisableUser_RecordFailure verifies no key changes when the record
// cannot be written.
func TestDisableUser_RecordFailure(t *testing.T) {
	ex, _, im := newTestExecutor()
	im.tagErr = errors.New("AccessDenied")

	out, err := ex.Execute(context.Background(), userAction(remediation.KindDisableUser, map[string]string{remediation.ParamUsername: "jdoe"}), execution.Context{})
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Message, "record disabled keys of jdoe")
	assert.Equal(t, 0, im.updates)
	assert.Equal(t, iamtypes.StatusTypeActive, im.status("jdoe", "AKIA1"))
}

// TestCheckFeasibility_Identity verifies the username requirement and lookup.
func TestCheckFeasibility_Identity(t *testing.T) {
	ex, _, _ := newTestExecutor()
	ctx := context.Background()

	f, _ := ex.CheckFeasibility(ctx, userAction(remediation.KindDisableUser, map[string]string{remediation.ParamUserID: "u-1"}), execution.Context{})
	assert.False(t, f.CanExecute)
	assert.Equal(t, "IAM containment requires a username", f.Message)

	f, _ = ex.CheckFeasibility(ctx, userAction(remediation.KindDisableUser, map[string]string{remediation.ParamUsername: "ghost"}), execution.Context{})
	assert.False(t, f.CanExecute)
	assert.Contains(t, f.Message, "IAM user ghost not found")

	f, _ = ex.CheckFeasibility(ctx, userAction(remediation.KindEnableUser, map[string]string{remediation.ParamUsername: "jdoe"}), execution.Context{})
	assert.True(t, f.CanExecute)
}
