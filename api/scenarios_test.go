/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Students, catalog and timetable are created
	- Purchases and bookings go through the real engine
	- Balances match expected values

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/academy-ledger/credits"
)

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, listed, len(Scenarios()))

	for _, sc := range listed {
		t.Run(sc.ID, func(t *testing.T) {
			s.load(sc.ID)

			rec := s.do(http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, sc.ID, decodeBody[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestScenario_UnknownIsRejected(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestScenario_NewPackage(t *testing.T) {
	s := setupTestServer(t)
	s.load("new-package")

	summary, err := s.svc.Balance(context.Background(), "stu-lucia")
	require.NoError(t, err)
	require.Len(t, summary.Grants, 1)
	g := summary.Grants[0]
	assert.Equal(t, credits.GrantPendingActivation, g.Grant.Status)
	assert.Equal(t, 8, g.Grant.RemainingCredits)
	assert.True(t, g.UsableNow)
	assert.False(t, g.Outstanding)
}

func TestScenario_PayLater(t *testing.T) {
	s := setupTestServer(t)
	s.load("pay-later")
	ctx := context.Background()

	bookings, err := s.svc.Bookings(ctx, "stu-nora")
	require.NoError(t, err)
	require.Len(t, bookings, 4)
	for _, b := range bookings {
		assert.Equal(t, bookings[0].GrantID, b.GrantID)
	}

	summary, err := s.svc.Balance(ctx, "stu-nora")
	require.NoError(t, err)
	require.Len(t, summary.Grants, 1)
	assert.Equal(t, "80", summary.OutstandingDebt.String())
	assert.Equal(t, 4, summary.Grants[0].Grant.RemainingCredits)
}

func TestScenario_FullClass(t *testing.T) {
	s := setupTestServer(t)
	s.load("full-class")

	first := s.timetable()[0]
	var booked int
	require.NoError(t, s.store.WithTx(context.Background(), func(uow credits.UnitOfWork) error {
		var err error
		booked, err = uow.Bookings().CountActiveForSession(context.Background(), first.ID)
		return err
	}))
	assert.Equal(t, first.Capacity, booked)
}

func TestScenario_Reload(t *testing.T) {
	// Loading twice resets the data first
	s := setupTestServer(t)
	s.load("pay-later")
	s.load("pay-later")

	bookings, err := s.svc.Bookings(context.Background(), "stu-nora")
	require.NoError(t, err)
	assert.Len(t, bookings, 4)
}
