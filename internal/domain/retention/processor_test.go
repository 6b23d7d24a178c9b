package retention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/lgpd"
	"github.com/ehr/compliance/internal/platform/notification"
)

type processorFixture struct {
	repo    *mockRepo
	exec    *mockExecutor
	sender  *notification.MockEmailSender
	proc    *Processor
	svc     *Service
	emitted []string
}

func (f *processorFixture) Emit(_ context.Context, _, _, eventType string, _ interface{}) error {
	f.emitted = append(f.emitted, eventType)
	return nil
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	f := &processorFixture{repo: newMockRepo(), exec: newMockExecutor(), sender: &notification.MockEmailSender{}}
	f.svc = NewService(f.repo, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return fixedNow })
	f.proc = NewProcessor(f.repo, f.exec, zerolog.Nop())
	f.proc.SetClock(func() time.Time { return fixedNow })
	f.proc.SetMailer(notification.NewMailer(f.sender, nil, zerolog.Nop()))
	f.proc.SetFallbackRecipient("dpo@hospital.local")
	f.proc.SetEmitter(f)
	return f
}

func (f *processorFixture) policy(t *testing.T, name string, method string, manual bool) *Policy {
	t.Helper()
	p := validPolicy()
	p.Name = name
	p.DeletionMethod = method
	p.RequiresManualApproval = manual
	if method == MethodDelete {
		p.DataCategory = lgpd.TargetAccessLog
	}
	require.NoError(t, f.svc.CreatePolicy(context.Background(), p))
	return p
}

// schedule creates a schedule whose deletion date is offset from fixedNow.
func (f *processorFixture) schedule(t *testing.T, p *Policy, deletionIn time.Duration) *Schedule {
	t.Helper()
	ref := fixedNow.Add(deletionIn).Add(-time.Duration(p.RetentionDays) * day)
	sc, err := f.svc.ScheduleTarget(context.Background(), p.ID, uuid.New(), ref)
	require.NoError(t, err)
	return sc
}

func (f *processorFixture) status(id uuid.UUID) string {
	return f.repo.schedules[id].Status
}

func TestRun_SendsWarnings(t *testing.T) {
	f := newProcessorFixture(t)
	auto := f.policy(t, "auto", MethodAnonymize, false)
	manual := f.policy(t, "manual", MethodAnonymize, true)
	manual.NotifyEmail = strPtr("records@hospital.local")
	require.NoError(t, f.svc.UpdatePolicy(context.Background(), manual))

	inWindow := f.schedule(t, auto, 10*day)
	needsApproval := f.schedule(t, manual, 5*day)
	notYet := f.schedule(t, auto, 60*day)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.WarningsSent)
	assert.Zero(t, res.Errors)

	assert.Equal(t, StatusWarningSent, f.status(inWindow.ID))
	assert.Equal(t, StatusWarningSent, f.status(needsApproval.ID))
	assert.Equal(t, StatusActive, f.status(notYet.ID))
	require.NotNil(t, f.repo.schedules[inWindow.ID].WarningSentAt)

	calls := f.sender.Calls()
	require.Len(t, calls, 2)
	byRecipient := map[string]string{}
	for _, c := range calls {
		byRecipient[c.To] = c.Subject
	}
	assert.Contains(t, byRecipient, "dpo@hospital.local")
	assert.Contains(t, byRecipient, "records@hospital.local")
	assert.Contains(t, byRecipient["records@hospital.local"], "pprov", "manual policy asks for approval")

	res, err = f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.WarningsSent, "warnings are sent once")
}

func TestRun_WarningMailFailureIsRetried(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "auto", MethodAnonymize, false)
	sc := f.schedule(t, p, 3*day)
	f.sender.ShouldFail = true

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, StatusActive, f.status(sc.ID))

	f.sender.ShouldFail = false
	res, err = f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.WarningsSent)
}

func TestRun_ExecutesDueSchedules(t *testing.T) {
	f := newProcessorFixture(t)
	anon := f.policy(t, "anon", MethodAnonymize, false)
	del := f.policy(t, "del", MethodDelete, false)

	a := f.schedule(t, anon, -time.Hour)
	d := f.schedule(t, del, -48*time.Hour)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Anonymized)
	assert.Equal(t, 1, res.Deleted)

	assert.Equal(t, StatusAnonymized, f.status(a.ID))
	assert.Equal(t, StatusDeleted, f.status(d.ID))
	assert.NotNil(t, f.repo.schedules[a.ID].ProcessedAt)
	require.Len(t, f.exec.calls, 2)
	assert.Equal(t, []string{"retention.processed", "retention.processed"}, f.emitted)
}

func TestRun_ManualApprovalGate(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "manual", MethodAnonymize, true)
	sc := f.schedule(t, p, -day)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AwaitingApproval)
	assert.Zero(t, res.Anonymized)
	assert.Empty(t, f.exec.calls)
	assert.Equal(t, StatusWarningSent, f.status(sc.ID))

	_, err = f.svc.Approve(context.Background(), sc.ID, "dpo-2")
	require.NoError(t, err)

	res, err = f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Anonymized)
	final := f.repo.schedules[sc.ID]
	assert.Equal(t, StatusAnonymized, final.Status)
	assert.Equal(t, "dpo-2", *final.ApprovedBy)
}

func TestRun_OverdueUnapprovedScheduleAsksForApprovalOnce(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "manual", MethodAnonymize, true)
	sc := f.schedule(t, p, -time.Hour)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.WarningsSent)
	assert.Equal(t, 1, res.AwaitingApproval)
	assert.Equal(t, StatusWarningSent, f.status(sc.ID))

	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dpo@hospital.local", calls[0].To)
	assert.Contains(t, calls[0].Subject, "pprov")

	for pass := 0; pass < 2; pass++ {
		res, err = f.proc.Run(context.Background(), false)
		require.NoError(t, err)
		assert.Zero(t, res.WarningsSent)
		assert.Equal(t, 1, res.AwaitingApproval)
	}
	assert.Len(t, f.sender.Calls(), 1)
	assert.Empty(t, f.exec.calls)
}

func TestRun_UnapprovedBacklogDoesNotStallBatch(t *testing.T) {
	f := newProcessorFixture(t)
	manual := f.policy(t, "manual", MethodAnonymize, true)
	auto := f.policy(t, "auto", MethodAnonymize, false)
	for i := 0; i < processBatchSize; i++ {
		f.schedule(t, manual, -time.Duration(i+10)*day)
	}
	ready := f.schedule(t, auto, -time.Hour)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Anonymized)
	assert.Equal(t, processBatchSize, res.AwaitingApproval)
	assert.Equal(t, StatusAnonymized, f.status(ready.ID))
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", truncateError("short", 10))

	msg := strings.Repeat("a", 9) + "ção"
	assert.Equal(t, "aaaaaaaaa... (14 bytes)", truncateError(msg, 10), "never splits ç")
	assert.Equal(t, "aaaaaaaaaç... (14 bytes)", truncateError(msg, 11))

	got := truncateError(strings.Repeat("é", 600), maxErrorLen)
	assert.True(t, utf8.ValidString(got))
}

// A schedule never reaches a final status while approval is required and
// missing, whatever mix of schedules is processed.
func TestRun_NeverExecutesUnapproved(t *testing.T) {
	f := newProcessorFixture(t)
	manualDel := f.policy(t, "manual-del", MethodDelete, true)
	auto := f.policy(t, "auto", MethodAnonymize, false)

	var manual []*Schedule
	for i := 0; i < 5; i++ {
		manual = append(manual, f.schedule(t, manualDel, -time.Duration(i+1)*day))
		f.schedule(t, auto, -time.Duration(i+1)*day)
	}
	for pass := 0; pass < 3; pass++ {
		_, err := f.proc.Run(context.Background(), false)
		require.NoError(t, err)
	}
	for _, sc := range manual {
		got := f.repo.schedules[sc.ID]
		assert.NotEqual(t, StatusDeleted, got.Status)
		assert.Nil(t, got.ApprovedBy)
	}
	for _, c := range f.exec.calls {
		assert.NotEqual(t, MethodDelete, c.method)
	}
}

func TestRun_HeldSchedulesAreNotProcessed(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "auto", MethodAnonymize, false)
	sc := f.schedule(t, p, -day)
	_, err := f.svc.PlaceLegalHold(context.Background(), sc.ID, "court order", "dpo")
	require.NoError(t, err)

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.Anonymized)
	assert.Equal(t, StatusLegalHold, f.status(sc.ID))
}

func TestRun_DryRunChangesNothing(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "auto", MethodAnonymize, false)
	warn := f.schedule(t, p, 2*day)
	due := f.schedule(t, p, -day)

	res, err := f.proc.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.WarningsSent)
	assert.Equal(t, 1, res.Anonymized)

	assert.Equal(t, StatusActive, f.status(warn.ID))
	assert.Equal(t, StatusActive, f.status(due.ID))
	assert.Empty(t, f.exec.calls)
	assert.Empty(t, f.sender.Calls())
	assert.Empty(t, f.emitted)
}

func TestRun_ErrorsAreCountedAndRecorded(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "auto", MethodAnonymize, false)
	broken := f.schedule(t, p, -day)
	gone := f.schedule(t, p, -2*day)
	ok := f.schedule(t, p, -3*day)

	f.exec.fail[broken.TargetID] = errors.New("deadlock detected")
	f.exec.missing[gone.TargetID] = true

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Anonymized)

	b := f.repo.schedules[broken.ID]
	assert.Equal(t, StatusActive, b.Status)
	require.NotNil(t, b.LastError)
	assert.Contains(t, *b.LastError, "deadlock")

	g := f.repo.schedules[gone.ID]
	assert.Equal(t, StatusAnonymized, g.Status)
	require.NotNil(t, g.LastError)

	assert.Equal(t, StatusAnonymized, f.status(ok.ID))
}

func TestRun_InactivePolicySkipped(t *testing.T) {
	f := newProcessorFixture(t)
	p := f.policy(t, "auto", MethodAnonymize, false)
	sc := f.schedule(t, p, -day)
	p.Active = false
	require.NoError(t, f.svc.UpdatePolicy(context.Background(), p))

	res, err := f.proc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, StatusActive, f.status(sc.ID))
}

func TestRunResult_Add(t *testing.T) {
	total := RunResult{Deleted: 1}
	total.Add(RunResult{Deleted: 2, Anonymized: 3, Errors: 1, WarningsSent: 4, AwaitingApproval: 5, Skipped: 6})
	assert.Equal(t, RunResult{Deleted: 3, Anonymized: 3, Errors: 1, WarningsSent: 4, AwaitingApproval: 5, Skipped: 6}, total)
}
