package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/store"
)

type fakeMemberStore struct {
	members  map[string]*models.Member
	imported int
	nextID   int
}

func newFakeMemberStore() *fakeMemberStore {
	return &fakeMemberStore{members: map[string]*models.Member{}}
}

func (f *fakeMemberStore) CreateMember(ctx context.Context, m *models.Member) error {
	f.nextID++
	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d", f.nextID)
	}
	f.members[m.ID] = m
	return nil
}

func (f *fakeMemberStore) ImportMembers(ctx context.Context, orgID string, members []*models.Member) (int, error) {
	for _, m := range members {
		if err := f.CreateMember(ctx, m); err != nil {
			return 0, err
		}
	}
	f.imported += len(members)
	return len(members), nil
}

func (f *fakeMemberStore) GetMember(ctx context.Context, orgID, id string) (*models.Member, error) {
	m, ok := f.members[id]
	if !ok || m.OrganizationID != orgID || m.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMemberStore) ListMembers(ctx context.Context, orgID string, filter store.MemberFilter) ([]models.Member, error) {
	if filter.Offset > 0 {
		return nil, nil
	}
	var out []models.Member
	for _, m := range f.members {
		if m.OrganizationID != orgID {
			continue
		}
		if m.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeMemberStore) UpdateMember(ctx context.Context, m *models.Member) error {
	if _, ok := f.members[m.ID]; !ok {
		return store.ErrNotFound
	}
	f.members[m.ID] = m
	return nil
}

func (f *fakeMemberStore) SoftDeleteMember(ctx context.Context, orgID, id string) error {
	m, err := f.GetMember(ctx, orgID, id)
	if err != nil {
		return err
	}
	now := time.Now()
	m.DeletedAt = &now
	return nil
}

func (f *fakeMemberStore) RestoreMember(ctx context.Context, orgID, id string) error {
	m, ok := f.members[id]
	if !ok || m.OrganizationID != orgID || m.DeletedAt == nil {
		return store.ErrNotFound
	}
	m.DeletedAt = nil
	return nil
}

func (f *fakeMemberStore) GetMemberStats(ctx context.Context, orgID string, now time.Time) (*models.MemberStats, error) {
	stats := &models.MemberStats{ByStatus: map[models.MembershipStatus]int{}}
	for _, m := range f.members {
		if m.OrganizationID == orgID && m.DeletedAt == nil {
			stats.Total++
			stats.ByStatus[m.MembershipStatus]++
		}
	}
	return stats, nil
}

func newMemberRouter(st *fakeMemberStore) chi.Router {
	h := NewMemberHandler(st)
	router := chi.NewRouter()
	router.Route("/api/members", func(r chi.Router) {
		h.RegisterReportingRoutes(r)
		h.RegisterRoutes(r)
	})
	return router
}

func TestImportMembersCSV(t *testing.T) {
	st := newFakeMemberStore()
	router := newMemberRouter(st)

	body := strings.Join([]string{
		"firstName,lastName,email,membershipStatus,joinedDate",
		"Ama,Mensah,ama@example.com,ACTIVE_MEMBER,2024-03-01",
		"Kofi,Boateng,,VISITOR,",
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/api/members/import", strings.NewReader(body))
	ctx := middleware.WithClaims(req.Context(), testClaims(models.RoleAdmin))
	ctx = middleware.WithOrg(ctx, testOrg())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req.WithContext(ctx))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, 2, st.imported)

	var ama *models.Member
	for _, m := range st.members {
		if m.FirstName == "Ama" {
			ama = m
		}
	}
	require.NotNil(t, ama)
	require.Equal(t, models.MemberActive, ama.MembershipStatus)
	require.NotNil(t, ama.JoinedDate)
	require.Equal(t, "ama@example.com", *ama.Email)
}

func TestImportMembersRejectsMissingNameColumns(t *testing.T) {
	router := newMemberRouter(newFakeMemberStore())

	body := "email,phone\nanon@example.com,555-0100\n"
	req := httptest.NewRequest(http.MethodPost, "/api/members/import", strings.NewReader(body))
	ctx := middleware.WithClaims(req.Context(), testClaims(models.RoleAdmin))
	ctx = middleware.WithOrg(ctx, testOrg())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req.WithContext(ctx))

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImportMembersRequiresAdmin(t *testing.T) {
	router := newMemberRouter(newFakeMemberStore())

	req := httptest.NewRequest(http.MethodPost, "/api/members/import", strings.NewReader("firstName,lastName\nA,B\n"))
	ctx := middleware.WithClaims(req.Context(), testClaims(models.RoleUsher))
	ctx = middleware.WithOrg(ctx, testOrg())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req.WithContext(ctx))

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestExportMembersRoundTrips(t *testing.T) {
	st := newFakeMemberStore()
	email := "ama@example.com"
	joined := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	st.members["m-1"] = &models.Member{
		ID:               "m-1",
		OrganizationID:   "org-1",
		FirstName:        "Ama",
		LastName:         "Mensah",
		Email:            &email,
		MembershipStatus: models.MemberActive,
		JoinedDate:       &joined,
	}
	router := newMemberRouter(st)

	req := authedRequest(t, http.MethodGet, "/api/members/export", nil, models.RolePastor)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/csv", rr.Header().Get("Content-Type"))

	records, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, "Ama", records[1][0])
	require.Equal(t, "2024-03-01", records[1][8])
}

func TestSoftDeleteAndRestoreMember(t *testing.T) {
	st := newFakeMemberStore()
	st.members["m-1"] = &models.Member{
		ID:             "m-1",
		OrganizationID: "org-1",
		FirstName:      "Kofi",
		LastName:       "Boateng",
	}
	router := newMemberRouter(st)

	req := authedRequest(t, http.MethodDelete, "/api/members/m-1", nil, models.RolePastor)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, st.members["m-1"].DeletedAt)

	// deleted members are hidden from reads
	req = authedRequest(t, http.MethodGet, "/api/members/m-1", nil, models.RoleUsher)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)

	req = authedRequest(t, http.MethodPost, "/api/members/m-1/restore", nil, models.RolePastor)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Nil(t, st.members["m-1"].DeletedAt)
}
