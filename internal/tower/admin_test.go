package tower

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/towergate/towergate/internal/policy"
)

func TestAdmin_GrantLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/policies", PolicyCreateRequest{
		PersonID:  6,
		ServerID:  1,
		Protocol:  "ssh",
		SSHLogins: []string{"root"},
	}, gateToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[policy.AccessPolicy](t, resp)
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)

	resp = f.do(t, http.MethodGet, "/api/v1/policies", nil, gateToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[struct {
		Policies []policy.AccessPolicy `json:"policies"`
	}](t, resp)
	assert.Len(t, list.Policies, 2) // the seeded policy plus ours

	// Revocation time-bounds the grant; the row stays for the audit
	// trail.
	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/policies/%d", created.ID), nil, gateToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/policies", nil, gateToken)
	list = decodeBody[struct {
		Policies []policy.AccessPolicy `json:"policies"`
	}](t, resp)
	assert.Len(t, list.Policies, 2)
	for _, p := range list.Policies {
		if p.ID == created.ID {
			assert.NotNil(t, p.EndTime, "revoked grant must carry an end time")
		}
	}

	resp = f.do(t, http.MethodDelete, "/api/v1/policies/9999", nil, gateToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_GrantValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/policies", PolicyCreateRequest{ServerID: 1}, gateToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/v1/policies", PolicyCreateRequest{PersonID: 6}, gateToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_AllocationLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/allocations", AllocationRequest{
		IP: "100.64.0.21", GateID: 1, ServerID: 1,
	}, gateToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Same IP on the same gate conflicts.
	resp = f.do(t, http.MethodPost, "/api/v1/allocations", AllocationRequest{
		IP: "100.64.0.21", GateID: 1, ServerID: 1,
	}, gateToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/allocations?gate_id=1", nil, gateToken)
	list := decodeBody[struct {
		Allocations []policy.IPAllocation `json:"allocations"`
	}](t, resp)
	require.Len(t, list.Allocations, 1)
	assert.Equal(t, "100.64.0.21", list.Allocations[0].IP)

	resp = f.do(t, http.MethodDelete, "/api/v1/allocations?ip=100.64.0.21&gate_id=1", nil, gateToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/v1/allocations?ip=100.64.0.21&gate_id=1", nil, gateToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAdmin_AllocationCleanup(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/allocations", AllocationRequest{
		IP: "100.64.0.21", GateID: 1, ServerID: 1, TTLMinutes: 30,
	}, gateToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	*f.now = apiNow.Add(31 * time.Minute)

	resp = f.do(t, http.MethodPost, "/api/v1/allocations/cleanup", nil, gateToken)
	body := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 1, body["removed"])
}
