package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/store"
)

const (
	csvDateLayout   = "2006-01-02"
	maxImportRows   = 5000
	exportBatchSize = 200
)

// MemberStore is the subset of the store the member endpoints need.
type MemberStore interface {
	CreateMember(ctx context.Context, m *models.Member) error
	ImportMembers(ctx context.Context, orgID string, members []*models.Member) (int, error)
	GetMember(ctx context.Context, orgID, id string) (*models.Member, error)
	ListMembers(ctx context.Context, orgID string, filter store.MemberFilter) ([]models.Member, error)
	UpdateMember(ctx context.Context, m *models.Member) error
	SoftDeleteMember(ctx context.Context, orgID, id string) error
	RestoreMember(ctx context.Context, orgID, id string) error
	GetMemberStats(ctx context.Context, orgID string, now time.Time) (*models.MemberStats, error)
}

// MemberHandler manages the congregation roll.
type MemberHandler struct {
	store MemberStore
	now   func() time.Time
}

func NewMemberHandler(st MemberStore) *MemberHandler {
	return &MemberHandler{store: st, now: time.Now}
}

func (h *MemberHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.List)
	router.Post("/", h.Create)
	router.Get("/{id}", h.Get)
	router.Patch("/{id}", h.Update)
	router.Delete("/{id}", h.Delete)
	router.Post("/{id}/restore", h.Restore)
}

// RegisterReportingRoutes holds the bulk and reporting endpoints. Wired
// behind the pro plan gate.
func (h *MemberHandler) RegisterReportingRoutes(router chi.Router) {
	router.Post("/import", h.Import)
	router.Get("/export", h.Export)
	router.Get("/stats", h.Stats)
}

type memberRequest struct {
	FirstName        *string `json:"firstName"`
	LastName         *string `json:"lastName"`
	Email            *string `json:"email"`
	Phone            *string `json:"phone"`
	DateOfBirth      *string `json:"dateOfBirth"`
	Gender           *string `json:"gender"`
	MaritalStatus    *string `json:"maritalStatus"`
	Occupation       *string `json:"occupation"`
	Address          *string `json:"address"`
	City             *string `json:"city"`
	State            *string `json:"state"`
	PostalCode       *string `json:"postalCode"`
	Country          *string `json:"country"`
	MembershipStatus *string `json:"membershipStatus"`
	JoinedDate       *string `json:"joinedDate"`
	BaptismDate      *string `json:"baptismDate"`
	Notes            *string `json:"notes"`
	PhotoURL         *string `json:"photoUrl"`
	UserID           *string `json:"userId"`
}

func (h *MemberHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.FirstName == nil || *req.FirstName == "" || req.LastName == nil || *req.LastName == "" {
		respond.Error(w, apperr.BadRequest("firstName and lastName are required"))
		return
	}
	m := &models.Member{
		OrganizationID:   org.ID,
		MembershipStatus: models.MemberVisitor,
	}
	if err := applyMemberRequest(m, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.CreateMember(r.Context(), m); err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	respond.JSON(w, http.StatusCreated, m)
}

func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	filter := memberFilterFromQuery(r)
	members, err := h.store.ListMembers(r.Context(), org.ID, filter)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *MemberHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	m, err := h.store.GetMember(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	respond.JSON(w, http.StatusOK, m)
}

func (h *MemberHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	m, err := h.store.GetMember(r.Context(), org.ID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if req.FirstName != nil && *req.FirstName == "" {
		respond.Error(w, apperr.BadRequest("firstName cannot be empty"))
		return
	}
	if req.LastName != nil && *req.LastName == "" {
		respond.Error(w, apperr.BadRequest("lastName cannot be empty"))
		return
	}
	if err := applyMemberRequest(m, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.UpdateMember(r.Context(), m); err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	respond.JSON(w, http.StatusOK, m)
}

// Delete soft-deletes so giving history tied to the member survives.
func (h *MemberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.SoftDeleteMember(r.Context(), org.ID, chi.URLParam(r, "id")); err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "member deleted"})
}

func (h *MemberHandler) Restore(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.RestoreMember(r.Context(), org.ID, chi.URLParam(r, "id")); err != nil {
		respond.Error(w, storeError(err, "member not found"))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "member restored"})
}

var csvHeader = []string{
	"firstName", "lastName", "email", "phone", "dateOfBirth", "gender",
	"maritalStatus", "membershipStatus", "joinedDate", "baptismDate",
	"address", "city", "state", "postalCode", "country", "notes",
}

// Import reads a CSV roll. The first row must be a header naming a
// subset of the export columns; firstName and lastName are required.
// The whole file is applied in one transaction.
func (h *MemberHandler) Import(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleAdmin); err != nil {
		respond.Error(w, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 8<<20)
	reader := csv.NewReader(body)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		respond.Error(w, apperr.BadRequest("csv header row is required"))
		return
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["firstname"]; !ok {
		respond.Error(w, apperr.BadRequest("csv must have firstName and lastName columns"))
		return
	}
	if _, ok := columns["lastname"]; !ok {
		respond.Error(w, apperr.BadRequest("csv must have firstName and lastName columns"))
		return
	}

	var members []*models.Member
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			respond.Error(w, apperr.BadRequest(fmt.Sprintf("csv line %d: %v", line, err)))
			return
		}
		if len(members) >= maxImportRows {
			respond.Error(w, apperr.BadRequest(fmt.Sprintf("import is limited to %d rows", maxImportRows)))
			return
		}
		m, err := memberFromRecord(org.ID, columns, record, line)
		if err != nil {
			respond.Error(w, err)
			return
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		respond.Error(w, apperr.BadRequest("csv has no data rows"))
		return
	}

	imported, err := h.store.ImportMembers(r.Context(), org.ID, members)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]int{"imported": imported})
}

// Export streams the live roll as CSV using the same columns Import
// accepts, so an export can round-trip into another organization.
func (h *MemberHandler) Export(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RolePastor); err != nil {
		respond.Error(w, err)
		return
	}
	filter := memberFilterFromQuery(r)
	filter.Limit = exportBatchSize
	filter.Offset = 0

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "members-"+h.now().UTC().Format(csvDateLayout)+".csv"))
	writer := csv.NewWriter(w)
	_ = writer.Write(csvHeader)
	for {
		members, err := h.store.ListMembers(r.Context(), org.ID, filter)
		if err != nil {
			// headers are out already, only log from here
			log.Printf("[members] export page at offset %d: %v", filter.Offset, err)
			return
		}
		for i := range members {
			_ = writer.Write(memberToRecord(&members[i]))
		}
		if len(members) < filter.Limit {
			break
		}
		filter.Offset += filter.Limit
	}
	writer.Flush()
}

func (h *MemberHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	org := middleware.OrgFromContext(r.Context())
	if err := auth.Authorize(claims, org.ID, models.RoleUsher); err != nil {
		respond.Error(w, err)
		return
	}
	stats, err := h.store.GetMemberStats(r.Context(), org.ID, h.now().UTC())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func memberFilterFromQuery(r *http.Request) store.MemberFilter {
	q := r.URL.Query()
	limit, offset := pageParams(r)
	return store.MemberFilter{
		Status:         models.MembershipStatus(q.Get("status")),
		Search:         q.Get("search"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
		Limit:          limit,
		Offset:         offset,
	}
}

func applyMemberRequest(m *models.Member, req *memberRequest) error {
	if req.FirstName != nil && *req.FirstName != "" {
		m.FirstName = *req.FirstName
	}
	if req.LastName != nil && *req.LastName != "" {
		m.LastName = *req.LastName
	}
	if req.Email != nil {
		m.Email = nilIfEmpty(strings.ToLower(*req.Email))
	}
	if req.Phone != nil {
		m.Phone = nilIfEmpty(*req.Phone)
	}
	if req.Gender != nil {
		m.Gender = nilIfEmpty(*req.Gender)
	}
	if req.MaritalStatus != nil {
		m.MaritalStatus = nilIfEmpty(*req.MaritalStatus)
	}
	if req.Occupation != nil {
		m.Occupation = nilIfEmpty(*req.Occupation)
	}
	if req.Address != nil {
		m.Address = nilIfEmpty(*req.Address)
	}
	if req.City != nil {
		m.City = nilIfEmpty(*req.City)
	}
	if req.State != nil {
		m.State = nilIfEmpty(*req.State)
	}
	if req.PostalCode != nil {
		m.PostalCode = nilIfEmpty(*req.PostalCode)
	}
	if req.Country != nil {
		m.Country = nilIfEmpty(*req.Country)
	}
	if req.Notes != nil {
		m.Notes = nilIfEmpty(*req.Notes)
	}
	if req.PhotoURL != nil {
		m.PhotoURL = nilIfEmpty(*req.PhotoURL)
	}
	if req.UserID != nil {
		m.UserID = nilIfEmpty(*req.UserID)
	}
	if req.MembershipStatus != nil && *req.MembershipStatus != "" {
		status, err := parseMembershipStatus(*req.MembershipStatus)
		if err != nil {
			return err
		}
		m.MembershipStatus = status
	}
	if req.DateOfBirth != nil {
		t, err := parseOptionalDate(*req.DateOfBirth, "dateOfBirth")
		if err != nil {
			return err
		}
		m.DateOfBirth = t
	}
	if req.JoinedDate != nil {
		t, err := parseOptionalDate(*req.JoinedDate, "joinedDate")
		if err != nil {
			return err
		}
		m.JoinedDate = t
	}
	if req.BaptismDate != nil {
		t, err := parseOptionalDate(*req.BaptismDate, "baptismDate")
		if err != nil {
			return err
		}
		m.BaptismDate = t
	}
	return nil
}

func memberFromRecord(orgID string, columns map[string]int, record []string, line int) (*models.Member, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	m := &models.Member{
		OrganizationID:   orgID,
		FirstName:        field("firstname"),
		LastName:         field("lastname"),
		Email:            nilIfEmpty(strings.ToLower(field("email"))),
		Phone:            nilIfEmpty(field("phone")),
		Gender:           nilIfEmpty(field("gender")),
		MaritalStatus:    nilIfEmpty(field("maritalstatus")),
		Address:          nilIfEmpty(field("address")),
		City:             nilIfEmpty(field("city")),
		State:            nilIfEmpty(field("state")),
		PostalCode:       nilIfEmpty(field("postalcode")),
		Country:          nilIfEmpty(field("country")),
		Notes:            nilIfEmpty(field("notes")),
		MembershipStatus: models.MemberVisitor,
	}
	if m.FirstName == "" || m.LastName == "" {
		return nil, apperr.BadRequest(fmt.Sprintf("csv line %d: firstName and lastName are required", line))
	}
	if raw := field("membershipstatus"); raw != "" {
		status, err := parseMembershipStatus(raw)
		if err != nil {
			return nil, apperr.BadRequest(fmt.Sprintf("csv line %d: unknown membershipStatus %q", line, raw))
		}
		m.MembershipStatus = status
	}
	for _, date := range []struct {
		column string
		dst    **time.Time
	}{
		{"dateofbirth", &m.DateOfBirth},
		{"joineddate", &m.JoinedDate},
		{"baptismdate", &m.BaptismDate},
	} {
		raw := field(date.column)
		if raw == "" {
			continue
		}
		t, err := time.Parse(csvDateLayout, raw)
		if err != nil {
			return nil, apperr.BadRequest(fmt.Sprintf("csv line %d: %s must be YYYY-MM-DD", line, date.column))
		}
		*date.dst = &t
	}
	return m, nil
}

func memberToRecord(m *models.Member) []string {
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	date := func(p *time.Time) string {
		if p == nil {
			return ""
		}
		return p.Format(csvDateLayout)
	}
	return []string{
		m.FirstName, m.LastName, str(m.Email), str(m.Phone),
		date(m.DateOfBirth), str(m.Gender), str(m.MaritalStatus),
		string(m.MembershipStatus), date(m.JoinedDate), date(m.BaptismDate),
		str(m.Address), str(m.City), str(m.State), str(m.PostalCode),
		str(m.Country), str(m.Notes),
	}
}

func parseMembershipStatus(raw string) (models.MembershipStatus, error) {
	status := models.MembershipStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case models.MemberVisitor, models.MemberRegularAttendee, models.MemberActive,
		models.MemberInactive, models.MemberTransferred:
		return status, nil
	}
	return "", apperr.BadRequest("unknown membershipStatus")
}

func parseOptionalDate(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(csvDateLayout, raw)
	if err != nil {
		return nil, apperr.BadRequest(field + " must be YYYY-MM-DD")
	}
	return &t, nil
}
