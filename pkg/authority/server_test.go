package authority

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/models"
)

// requireClientDomain and pagingParams are pure enough to exercise without
// a live store or CA; the handlers that touch authoritystore.Store need a
// live PostgreSQL instance, which no test in this repository starts (the
// store's own tests in pkg/authoritystore/store_test.go check only the
// embedded schema), so those handlers are not exercised by any test.

func TestRequireClientDomainRejectsMissingClient(t *testing.T) {
	s := &Server{}
	called := false
	h := s.requireClientDomain(func(w http.ResponseWriter, r *http.Request) { called = true }, domainAdmin)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireClientDomainRejectsWrongDomain(t *testing.T) {
	s := &Server{}
	called := false
	h := s.requireClientDomain(func(w http.ResponseWriter, r *http.Request) { called = true }, domainAdmin)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	client := &models.Client{ClientID: "tenant-1", Domain: "tenant/acme"}
	req = req.WithContext(withClient(req.Context(), client))
	rec := httptest.NewRecorder()
	h(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireClientDomainAllowsMatchingDomain(t *testing.T) {
	s := &Server{}
	called := false
	h := s.requireClientDomain(func(w http.ResponseWriter, r *http.Request) { called = true }, domainAdmin, domainWorker)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	client := &models.Client{ClientID: "svc-worker-1", Domain: domainWorker}
	req = req.WithContext(withClient(req.Context(), client))
	rec := httptest.NewRecorder()
	h(rec, req)

	require.True(t, called)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	body := strings.NewReader(`{"client_id":"tenant-1","unexpected_field":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/messages/register", body)

	var out struct {
		ClientID string `json:"client_id"`
	}
	err := decodeJSON(req, &out)
	require.Error(t, err)
}

func TestPagingParamsDefaultsAndParses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/portal/messages", nil)
	limit, offset := pagingParams(req)
	require.Equal(t, 100, limit)
	require.Equal(t, 0, offset)

	req = httptest.NewRequest(http.MethodGet, "/portal/messages?limit=25&offset=50", nil)
	limit, offset = pagingParams(req)
	require.Equal(t, 25, limit)
	require.Equal(t, 50, offset)
}
