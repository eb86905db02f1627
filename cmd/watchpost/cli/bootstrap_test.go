package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchpost/watchpost/internal/auth"
	"github.com/watchpost/watchpost/internal/entitlements"
	"github.com/watchpost/watchpost/internal/rbac"
	"github.com/watchpost/watchpost/internal/shared"
	"github.com/watchpost/watchpost/jobs"
)

type stubPrincipals struct {
	err   error
	input auth.CreatePrincipalInput
}

func (s *stubPrincipals) CreatePrincipal(ctx context.Context, input auth.CreatePrincipalInput) (auth.Principal, error) {
	s.input = input
	if s.err != nil {
		return auth.Principal{}, s.err
	}
	return auth.Principal{ID: 1, Username: input.Username}, nil
}

type stubRoles struct {
	err   error
	input rbac.AssignInput
}

func (s *stubRoles) AssignRole(ctx context.Context, input rbac.AssignInput) (rbac.Assignment, error) {
	s.input = input
	return rbac.Assignment{PrincipalID: input.PrincipalID}, s.err
}

type stubPlans struct {
	input entitlements.ChangeInput
}

func (s *stubPlans) ChangeSubscription(ctx context.Context, input entitlements.ChangeInput) (entitlements.Subscription, error) {
	s.input = input
	return entitlements.Subscription{PrincipalID: input.PrincipalID}, nil
}

func TestBootstrapCommandJSON(t *testing.T) {
	principals, roles, plans := &stubPrincipals{}, &stubRoles{}, &stubPlans{}
	cli := NewBootstrapCLI(principals, roles, plans)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.BootstrapCommand(context.Background(), BootstrapOptions{
		Username:   "root",
		Password:   "a-very-long-password",
		Plan:       "enterprise",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 0, code, stderr.String())

	var summary BootstrapSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, BootstrapSummary{PrincipalID: 1, Username: "root", Role: rbac.RoleSuperAdmin, Plan: "enterprise"}, summary)
	require.Equal(t, int64(1), roles.input.ActorID)
	require.Equal(t, entitlements.StatusActive, plans.input.Status)
	require.True(t, plans.input.PeriodEnd.After(plans.input.PeriodStart))
}

func TestBootstrapCommandExitCodes(t *testing.T) {
	stderr := new(bytes.Buffer)
	cli := NewBootstrapCLI(&stubPrincipals{err: shared.ErrValidation}, &stubRoles{}, nil)
	require.Equal(t, 1, cli.BootstrapCommand(context.Background(), BootstrapOptions{Username: "x", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "create principal")

	stderr.Reset()
	cli = NewBootstrapCLI(&stubPrincipals{}, &stubRoles{err: errors.New("role inactive")}, nil)
	require.Equal(t, 2, cli.BootstrapCommand(context.Background(), BootstrapOptions{Username: "root", Role: rbac.RoleAdmin, Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "assign role admin")
}

func TestBuildTaskSupportsPeriodicJobsOnly(t *testing.T) {
	task, err := BuildTask(jobs.TaskCommandsSweep, jobs.CleanupPayload{})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskCommandsSweep, task.Type())

	task, err = BuildTask(jobs.TaskMaintenanceCleanup, jobs.CleanupPayload{})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskMaintenanceCleanup, task.Type())

	_, err = BuildTask(jobs.TaskNotifyDeliver, jobs.CleanupPayload{})
	require.Error(t, err)
}
