package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLedgerAudit_CleanLedger(t *testing.T) {
	// GIVEN: the pay-later scenario
	s := setupTestServer(t)
	s.load("pay-later")
	audit := NewLedgerAuditScheduler(s.store, s.svc, zap.NewNop())
	assert.Nil(t, audit.LastRun())

	// WHEN: running one pass
	run := audit.RunNow(context.Background())

	// THEN: every grant balances
	assert.Equal(t, 1, run.Students)
	assert.Equal(t, 1, run.Grants)
	assert.Empty(t, run.Drifted)
	assert.Zero(t, run.Errors)
	require.NotNil(t, audit.LastRun())
	assert.Equal(t, run.Grants, audit.LastRun().Grants)
}

func TestLedgerAudit_StartStop(t *testing.T) {
	s := setupTestServer(t)
	audit := NewLedgerAuditScheduler(s.store, s.svc, zap.NewNop())
	audit.CheckInterval = time.Hour
	assert.True(t, audit.GetNextRunTime().IsZero())

	audit.Start()
	require.Eventually(t, func() bool { return !audit.GetNextRunTime().IsZero() }, time.Second, 10*time.Millisecond)
	require.NotNil(t, audit.LastRun())
	assert.WithinDuration(t, time.Now().Add(time.Hour), audit.GetNextRunTime(), time.Minute)
	audit.Stop()
	audit.Stop() // second stop is a no-op
	assert.True(t, audit.GetNextRunTime().IsZero())

	// The scheduler can be restarted after a stop
	audit.Start()
	assert.NotPanics(t, audit.Stop)
}

func TestLedgerAudit_Endpoints(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodGet, "/api/audit/ledger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := NewHandler(s.svc, s.store, zap.NewNop())
	h.Audit = NewLedgerAuditScheduler(s.store, s.svc, zap.NewNop())
	s.router = NewRouter(h, RouterOptions{})
	s.load("new-package")

	rec = s.do(http.MethodPost, "/api/audit/ledger/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[AuditRun](t, rec)
	assert.Equal(t, 1, run.Grants)

	rec = s.do(http.MethodGet, "/api/audit/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[AuditStatus](t, rec)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, 1, status.LastRun.Students)
	assert.Nil(t, status.NextRunAt, "not scheduled")
}
