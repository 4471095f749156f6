package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/escrow"
)

type stubJobStore struct {
	jobs     map[string]*model.Job
	attempts map[string]*model.JobAttempt // jobID/workerID
	runs     []*model.VerificationRun

	completeErr error // forced result for CompleteWithWorker
}

func newStubJobStore() *stubJobStore {
	return &stubJobStore{
		jobs:     make(map[string]*model.Job),
		attempts: make(map[string]*model.JobAttempt),
	}
}

func attemptKey(jobID, workerID string) string { return jobID + "/" + workerID }

func (s *stubJobStore) Create(_ context.Context, j *model.Job) error {
	s.jobs[j.ID] = j
	return nil
}

func (s *stubJobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	if j, ok := s.jobs[id]; ok {
		copied := *j
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubJobStore) List(_ context.Context, _ model.JobListFilter) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *stubJobStore) MarkFunded(_ context.Context, id, fundingTx string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobCreated || j.EscrowStatus != model.EscrowUnfunded {
		return repository.ErrConflict
	}
	j.Status = model.JobOpen
	j.EscrowStatus = model.EscrowFunded
	j.EscrowTx = fundingTx
	return nil
}

func (s *stubJobStore) AssignWorker(_ context.Context, id, workerID string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobOpen {
		return repository.ErrConflict
	}
	j.Status = model.JobInProgress
	j.WorkerID = workerID
	return nil
}

func (s *stubJobStore) CompleteWithWorker(_ context.Context, id, workerID string) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobOpen && j.Status != model.JobInProgress {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	deadline := now.Add(model.EscrowReviewWindow)
	j.Status = model.JobCompleted
	j.WorkerID = workerID
	j.CompletedAt = &now
	j.EscrowStatus = model.EscrowPendingReview
	j.EscrowReviewDeadline = &deadline
	return nil
}

func (s *stubJobStore) MarkPendingVerification(_ context.Context, id, workerID string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobInProgress || j.WorkerID != workerID {
		return repository.ErrConflict
	}
	j.Status = model.JobPendingVerification
	return nil
}

func (s *stubJobStore) ApproveManual(_ context.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobPendingVerification {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	j.Status = model.JobCompleted
	j.CompletedAt = &now
	j.EscrowStatus = model.EscrowPendingReview
	return nil
}

func (s *stubJobStore) MarkPaid(_ context.Context, id, releaseTx string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobCompleted && j.Status != model.JobDisputed {
		return repository.ErrConflict
	}
	j.Status = model.JobPaid
	j.EscrowStatus = model.EscrowReleased
	j.EscrowReleaseTx = releaseTx
	return nil
}

func (s *stubJobStore) MarkRefunded(_ context.Context, id, refundTx string, to model.JobStatus) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = to
	j.EscrowStatus = model.EscrowRefunded
	j.EscrowRefundTx = refundTx
	return nil
}

func (s *stubJobStore) Cancel(_ context.Context, id, posterID string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.PosterID != posterID || (j.Status != model.JobCreated && j.Status != model.JobOpen) {
		return repository.ErrConflict
	}
	j.Status = model.JobCancelled
	return nil
}

func (s *stubJobStore) MarkDisputed(_ context.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobCompleted {
		return repository.ErrConflict
	}
	j.Status = model.JobDisputed
	return nil
}

func (s *stubJobStore) ReopenAfterReject(_ context.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != model.JobPendingVerification {
		return repository.ErrConflict
	}
	j.Status = model.JobOpen
	j.WorkerID = ""
	return nil
}

func (s *stubJobStore) UpsertAttempt(_ context.Context, a *model.JobAttempt) error {
	s.attempts[attemptKey(a.JobID, a.WorkerID)] = a
	return nil
}

func (s *stubJobStore) GetAttempt(_ context.Context, jobID, workerID string) (*model.JobAttempt, error) {
	if a, ok := s.attempts[attemptKey(jobID, workerID)]; ok {
		return a, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubJobStore) ListAttempts(_ context.Context, jobID string) ([]*model.JobAttempt, error) {
	var out []*model.JobAttempt
	for _, a := range s.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubJobStore) TransitionAttempt(_ context.Context, jobID, workerID string, from, to model.AttemptStatus, submission string) error {
	a, ok := s.attempts[attemptKey(jobID, workerID)]
	if !ok || a.Status != from {
		return repository.ErrConflict
	}
	a.Status = to
	if submission != "" {
		a.Submission = submission
	}
	return nil
}

func (s *stubJobStore) MarkOtherAttemptsLost(_ context.Context, jobID, winnerID string) ([]string, error) {
	var losers []string
	for _, a := range s.attempts {
		if a.JobID == jobID && a.WorkerID != winnerID &&
			(a.Status == model.AttemptWorking || a.Status == model.AttemptSubmitted || a.Status == model.AttemptPendingReview) {
			a.Status = model.AttemptLost
			losers = append(losers, a.WorkerID)
		}
	}
	return losers, nil
}

func (s *stubJobStore) ListAwaitingWallet(_ context.Context, workerID string) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range s.jobs {
		if j.WorkerID == workerID && j.Status == model.JobCompleted &&
			(j.EscrowStatus == model.EscrowFunded || j.EscrowStatus == model.EscrowPendingReview) &&
			j.EscrowAddress != "" && j.EscrowReleaseTx == "" {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *stubJobStore) HasPendingReview(_ context.Context, jobID string) (bool, error) {
	for _, a := range s.attempts {
		if a.JobID == jobID && a.Status == model.AttemptPendingReview {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubJobStore) RecordVerificationRun(_ context.Context, run *model.VerificationRun) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *stubJobStore) ListVerificationRuns(_ context.Context, jobID string, _ int) ([]*model.VerificationRun, error) {
	var out []*model.VerificationRun
	for _, r := range s.runs {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubChain struct {
	deriveErr  error
	releaseSig string
	refundSig  string
	info       *escrow.Info
}

func (c *stubChain) BuildCreateTx(_ context.Context, _, _ string, _ uint64, _ int64) (*escrow.UnsignedTx, error) {
	return &escrow.UnsignedTx{Base64: "dW5zaWduZWQ=", EscrowAddress: "pda111", Signer: "poster"}, nil
}

func (c *stubChain) BuildSubmitTx(_ context.Context, _, _, _, _ string) (*escrow.UnsignedTx, error) {
	return &escrow.UnsignedTx{Base64: "c3VibWl0", EscrowAddress: "pda111", Signer: "worker"}, nil
}

func (c *stubChain) ReleaseToWorker(_ context.Context, _, _, _ string, amount uint64) (string, *escrow.FeeBreakdown, error) {
	fee := amount / 100
	return c.releaseSig, &escrow.FeeBreakdown{Total: amount, PlatformFee: fee, ToWorker: amount - fee}, nil
}

func (c *stubChain) RefundToPoster(_ context.Context, _, _ string) (string, error) {
	return c.refundSig, nil
}

func (c *stubChain) AutoRelease(_ context.Context, _, _, _ string, amount uint64) (string, *escrow.FeeBreakdown, error) {
	fee := amount / 100
	return c.releaseSig, &escrow.FeeBreakdown{Total: amount, PlatformFee: fee, ToWorker: amount - fee}, nil
}

func (c *stubChain) GetInfo(_ context.Context, _, _ string) (*escrow.Info, error) {
	if c.info != nil {
		return c.info, nil
	}
	return &escrow.Info{Exists: true, Status: escrow.StatusActive}, nil
}

func (c *stubChain) DeriveAddressString(jobID, _ string) (string, error) {
	if c.deriveErr != nil {
		return "", c.deriveErr
	}
	return "pda-" + jobID, nil
}

type stubVerifier struct {
	result *VerifyResult
	err    error
}

func (v *stubVerifier) Verify(_ context.Context, _ *model.Job, _, _ string) (*VerifyResult, error) {
	return v.result, v.err
}

type stubTrust struct{ tiers map[string]model.Tier }

func (s *stubTrust) Evaluate(_ context.Context, agentID string, _ bool) (*model.TierEvaluation, error) {
	return &model.TierEvaluation{Tier: s.tiers[agentID]}, nil
}

type stubAudit struct{ events []*model.EscrowEvent }

func (s *stubAudit) RecordEvent(_ context.Context, e *model.EscrowEvent) error {
	s.events = append(s.events, e)
	return nil
}

type jobFixture struct {
	svc      *JobService
	jobs     *stubJobStore
	agents   *stubAgentStore
	chain    *stubChain
	verify   *stubVerifier
	trust    *stubTrust
	audit    *stubAudit
	notifier *recordingNotifier
}

func newJobFixture() *jobFixture {
	f := &jobFixture{
		jobs:     newStubJobStore(),
		agents:   newStubAgentStore(),
		chain:    &stubChain{releaseSig: "sigRelease", refundSig: "sigRefund"},
		verify:   &stubVerifier{result: &VerifyResult{Passed: true, Detail: json.RawMessage(`{}`)}},
		trust:    &stubTrust{tiers: make(map[string]model.Tier)},
		audit:    &stubAudit{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewJobService(f.jobs, f.agents, f.audit, f.chain, f.verify, f.trust, testLogger)
	f.svc.SetNotifier(f.notifier)
	return f
}

func (f *jobFixture) addPoster() {
	f.agents.add(&model.Agent{ID: "poster", Name: "Poster",
		WalletAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"})
	f.trust.tiers["poster"] = model.TierResident
}

func (f *jobFixture) addWorker(id string) {
	f.agents.add(&model.Agent{ID: id, Name: id,
		WalletAddress: "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"})
	f.trust.tiers[id] = model.TierVerified
}

func (f *jobFixture) openJob(template, params string) *model.Job {
	j := &model.Job{
		ID:                   "job1",
		PosterID:             "poster",
		Title:                "Index the archive",
		Status:               model.JobOpen,
		RewardLamports:       10_000_000,
		VerificationTemplate: template,
		VerificationParams:   json.RawMessage(params),
		EscrowStatus:         model.EscrowFunded,
		EscrowAddress:        "pda-job1",
		CreatedAt:            time.Now().UTC().Add(-time.Hour),
	}
	f.jobs.jobs[j.ID] = j
	return j
}

func (f *jobFixture) addAttempt(jobID, workerID string) {
	f.jobs.attempts[attemptKey(jobID, workerID)] = &model.JobAttempt{
		ID: "att-" + workerID, JobID: jobID, WorkerID: workerID,
		Status: model.AttemptWorking, CreatedAt: time.Now().UTC(),
	}
}

func validJobRequest() *model.CreateJobRequest {
	return &model.CreateJobRequest{
		Title:                "Index the archive",
		Description:          "Crawl every public site and produce a searchable index of them.",
		RewardLamports:       10_000_000,
		VerificationTemplate: "wallet_verified",
	}
}

func TestCreateJob_tierGate(t *testing.T) {
	f := newJobFixture()
	f.agents.add(&model.Agent{ID: "poster", Name: "Poster"})
	f.trust.tiers["poster"] = model.TierVerified

	_, err := f.svc.Create(context.Background(), "poster", validJobRequest())
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("tier 1 poster accepted: %v", err)
	}
}

func TestCreateJob_selfFundedNeedsWallet(t *testing.T) {
	f := newJobFixture()
	f.agents.add(&model.Agent{ID: "poster", Name: "Poster"})
	f.trust.tiers["poster"] = model.TierResident

	_, err := f.svc.Create(context.Background(), "poster", validJobRequest())
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("walletless self-funded job accepted: %v", err)
	}

	req := validJobRequest()
	req.PlatformFunded = true
	if _, err := f.svc.Create(context.Background(), "poster", req); err != nil {
		t.Fatalf("platform-funded job should not need a wallet: %v", err)
	}
}

func TestCreateJob_selfFunded(t *testing.T) {
	f := newJobFixture()
	f.addPoster()

	res, err := f.svc.Create(context.Background(), "poster", validJobRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Job.Status != model.JobCreated || res.Job.EscrowStatus != model.EscrowUnfunded {
		t.Errorf("job state = %s/%s", res.Job.Status, res.Job.EscrowStatus)
	}
	if res.Job.EscrowAddress != "pda-"+res.Job.ID {
		t.Errorf("escrow address = %q", res.Job.EscrowAddress)
	}
	if res.FundingTx == nil || res.FundingTx.Base64 == "" {
		t.Error("funding transaction missing")
	}
}

func TestCreateJob_platformFunded(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	req := validJobRequest()
	req.PlatformFunded = true

	res, err := f.svc.Create(context.Background(), "poster", req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Job.Status != model.JobOpen || res.Job.EscrowStatus != model.EscrowFunded {
		t.Errorf("job state = %s/%s, want open/funded", res.Job.Status, res.Job.EscrowStatus)
	}
	if res.FundingTx != nil {
		t.Error("platform-funded job should not return a funding tx")
	}
}

func TestConfirmFunding(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	j := f.openJob("wallet_verified", `{}`)
	j.Status = model.JobCreated
	j.EscrowStatus = model.EscrowUnfunded

	got, err := f.svc.ConfirmFunding(context.Background(), "job1", "sigFund", "webhook")
	if err != nil {
		t.Fatalf("ConfirmFunding: %v", err)
	}
	if got.Status != model.JobOpen || got.EscrowTx != "sigFund" {
		t.Errorf("job = %s tx=%q", got.Status, got.EscrowTx)
	}
	if f.notifier.broadcastCount("job.open") != 1 {
		t.Error("job.open not broadcast")
	}
	if len(f.audit.events) != 1 || f.audit.events[0].Kind != model.EscrowEventFunded {
		t.Error("funded event not audited")
	}

	// Webhook replay is idempotent.
	if _, err := f.svc.ConfirmFunding(context.Background(), "job1", "sigFund", "webhook"); err != nil {
		t.Fatalf("replayed ConfirmFunding: %v", err)
	}
}

func TestSubmit_winsRace(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	f.addWorker("w2")
	f.openJob("wallet_verified", `{}`)
	f.addAttempt("job1", "w1")
	f.addAttempt("job1", "w2")

	res, err := f.svc.Submit(context.Background(), "job1", "w1", "done")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Won {
		t.Fatal("verified submission should win")
	}
	if res.Job.Status != model.JobCompleted || res.Job.WorkerID != "w1" {
		t.Errorf("job = %s worker=%q", res.Job.Status, res.Job.WorkerID)
	}
	if f.jobs.attempts[attemptKey("job1", "w1")].Status != model.AttemptWon {
		t.Error("winner attempt not marked won")
	}
	if f.jobs.attempts[attemptKey("job1", "w2")].Status != model.AttemptLost {
		t.Error("loser attempt not marked lost")
	}
	if len(f.notifier.personalFor("w2", "job.lost")) != 1 {
		t.Error("loser not notified")
	}
	if len(f.notifier.personalFor("poster", "job.completed")) != 1 {
		t.Error("poster not notified")
	}
	if len(f.jobs.runs) != 1 || !f.jobs.runs[0].Passed {
		t.Error("verification run not recorded")
	}
	if res.SubmitTx == nil {
		t.Error("winner should receive the on-chain submit tx")
	}
}

func TestSubmit_failedVerification(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	f.openJob("wallet_verified", `{}`)
	f.addAttempt("job1", "w1")
	f.verify.result = &VerifyResult{Passed: false, Detail: json.RawMessage(`{"reason":"no wallet"}`)}

	res, err := f.svc.Submit(context.Background(), "job1", "w1", "done")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Won {
		t.Fatal("failed verification should not win")
	}
	if f.jobs.jobs["job1"].Status != model.JobOpen {
		t.Error("job should stay open after a failed submission")
	}
	if f.jobs.attempts[attemptKey("job1", "w1")].Status != model.AttemptFailed {
		t.Error("attempt not marked failed")
	}
}

func TestSubmit_raceLost(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	f.openJob("wallet_verified", `{}`)
	f.addAttempt("job1", "w1")
	f.jobs.completeErr = repository.ErrConflict

	_, err := f.svc.Submit(context.Background(), "job1", "w1", "done")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error on lost race, got %v", err)
	}
}

func TestSubmit_requiresAttempt(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	f.openJob("wallet_verified", `{}`)

	_, err := f.svc.Submit(context.Background(), "job1", "w1", "done")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("submission without attempt accepted: %v", err)
	}
}

func TestSubmit_posterCannotWork(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.openJob("wallet_verified", `{}`)
	f.addAttempt("job1", "poster")

	_, err := f.svc.Submit(context.Background(), "job1", "poster", "done")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("poster self-work accepted: %v", err)
	}
}

func TestSubmit_manualApprovalParks(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	f.addWorker("w2")
	f.openJob("manual_approval", `{"instructions":"check the report"}`)
	f.addAttempt("job1", "w1")
	f.addAttempt("job1", "w2")

	res, err := f.svc.Submit(context.Background(), "job1", "w1", "report attached")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Pending || res.Won {
		t.Fatalf("manual submission should park, got %+v", res)
	}
	if res.Job.Status != model.JobPendingVerification {
		t.Errorf("job = %s", res.Job.Status)
	}
	if len(f.notifier.personalFor("poster", "job.review")) != 1 {
		t.Error("poster not asked to review")
	}

	// Second submitter is locked out while review is pending.
	_, err = f.svc.Submit(context.Background(), "job1", "w2", "mine too")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("second manual submission accepted during review: %v", err)
	}
}

func TestApprove(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("manual_approval", `{"instructions":"check"}`)
	j.Status = model.JobPendingVerification
	j.WorkerID = "w1"
	f.addAttempt("job1", "w1")
	f.jobs.attempts[attemptKey("job1", "w1")].Status = model.AttemptPendingReview

	got, err := f.svc.Approve(context.Background(), "job1", "poster")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != model.JobPaid {
		t.Errorf("job = %s, want paid after approval release", got.Status)
	}
	if f.jobs.attempts[attemptKey("job1", "w1")].Status != model.AttemptWon {
		t.Error("attempt not marked won")
	}
	if len(f.notifier.personalFor("w1", "job.paid")) != 1 {
		t.Error("worker not notified of payment")
	}
}

func TestApprove_notPoster(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("manual_approval", `{"instructions":"check"}`)
	j.Status = model.JobPendingVerification
	j.WorkerID = "w1"

	_, err := f.svc.Approve(context.Background(), "job1", "w1")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("non-poster approval accepted: %v", err)
	}
}

func TestReject_reopens(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("manual_approval", `{"instructions":"check"}`)
	j.Status = model.JobPendingVerification
	j.WorkerID = "w1"
	f.addAttempt("job1", "w1")
	f.jobs.attempts[attemptKey("job1", "w1")].Status = model.AttemptPendingReview

	got, err := f.svc.Reject(context.Background(), "job1", "poster")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != model.JobOpen || got.WorkerID != "" {
		t.Errorf("job = %s worker=%q, want reopened", got.Status, got.WorkerID)
	}
	if f.jobs.attempts[attemptKey("job1", "w1")].Status != model.AttemptFailed {
		t.Error("rejected attempt not marked failed")
	}
}

func TestCancel_onlyEarlyStates(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	j := f.openJob("wallet_verified", `{}`)

	if err := f.svc.Cancel(context.Background(), "job1", "poster"); err != nil {
		t.Fatalf("Cancel open job: %v", err)
	}
	j.Status = model.JobCompleted
	err := f.svc.Cancel(context.Background(), "job1", "poster")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("cancelling a completed job accepted: %v", err)
	}
}

func TestDispute(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("wallet_verified", `{}`)
	j.Status = model.JobCompleted
	j.WorkerID = "w1"

	got, err := f.svc.Dispute(context.Background(), "job1", "poster")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got.Status != model.JobDisputed {
		t.Errorf("job = %s", got.Status)
	}
	if len(f.notifier.personalFor("w1", "job.disputed")) != 1 {
		t.Error("counterparty not notified")
	}

	_, err = f.svc.Dispute(context.Background(), "job1", "w2")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("third party dispute accepted: %v", err)
	}
}

func TestRelease(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("wallet_verified", `{}`)
	j.Status = model.JobCompleted
	j.WorkerID = "w1"

	fees, err := f.svc.Release(context.Background(), "job1", "admin")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if fees.PlatformFee != 100_000 || fees.ToWorker != 9_900_000 {
		t.Errorf("fees = %+v", fees)
	}
	if f.jobs.jobs["job1"].Status != model.JobPaid {
		t.Error("job not marked paid")
	}
	if len(f.audit.events) != 1 || f.audit.events[0].Kind != model.EscrowEventReleased {
		t.Error("release not audited")
	}
}

func TestRelease_workerWithoutWallet(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.agents.add(&model.Agent{ID: "w1", Name: "Worker"})
	j := f.openJob("wallet_verified", `{}`)
	j.Status = model.JobCompleted
	j.WorkerID = "w1"

	_, err := f.svc.Release(context.Background(), "job1", "admin")
	var verr *model.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("release to walletless worker accepted: %v", err)
	}
}

func TestReleaseAwaitingWallet(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.addWorker("w1")
	j := f.openJob("wallet_verified", `{}`)
	j.Status = model.JobCompleted
	j.WorkerID = "w1"
	j.EscrowStatus = model.EscrowPendingReview
	other := &model.Job{
		ID: "job2", PosterID: "poster", WorkerID: "w2",
		Status: model.JobCompleted, EscrowStatus: model.EscrowPendingReview,
		EscrowAddress: "pda-job2", RewardLamports: 5_000_000,
	}
	f.jobs.jobs[other.ID] = other
	f.addWorker("w2")

	released, err := f.svc.ReleaseAwaitingWallet(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ReleaseAwaitingWallet: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if f.jobs.jobs["job1"].Status != model.JobPaid {
		t.Error("held job not paid out")
	}
	if f.jobs.jobs["job2"].Status != model.JobCompleted {
		t.Error("another worker's job must not move")
	}
	if len(f.notifier.personalFor("w1", "job.paid")) != 1 {
		t.Error("worker not notified of payment")
	}
}

func TestRefund(t *testing.T) {
	f := newJobFixture()
	f.addPoster()
	f.openJob("wallet_verified", `{}`)

	if err := f.svc.Refund(context.Background(), "job1", model.JobExpired, "sweeper"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	j := f.jobs.jobs["job1"]
	if j.Status != model.JobExpired || j.EscrowStatus != model.EscrowRefunded {
		t.Errorf("job = %s/%s", j.Status, j.EscrowStatus)
	}
	if len(f.notifier.personalFor("poster", "job.refunded")) != 1 {
		t.Error("poster not notified of refund")
	}
}
