package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/mapjob"
	"github.com/agendaanalytics/agenda-analytics/internal/metrics"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/security"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status     string     `json:"status"`
	Version    string     `json:"version"`
	LastRender *time.Time `json:"last_render,omitempty"`
	Agendas    int        `json:"agendas"`
	Failed     []string   `json:"failed,omitempty"`
}

// handleHealth reports the outcome of the last map render. Failed agendas
// degrade the status without failing the health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.cfg.Version}
	if st, err := mapjob.LoadState(s.cfg.MapsDir); err == nil {
		resp.LastRender = &st.RenderedAt
		resp.Agendas = len(st.Agendas)
		resp.Failed = st.Failed()
		if len(resp.Failed) > 0 {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AgendaInfo is one entry of /v1/agendas.
type AgendaInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MapURL   string `json:"map_url"`
	Rendered bool   `json:"rendered"`
}

func (s *Server) handleAgendas(w http.ResponseWriter, r *http.Request) {
	agendas, err := broker.Agendas(r.Context(), s.store)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("Listing agendas failed")
		apperrors.WriteError(w, apperrors.BrokerError("listing agendas", err))
		return
	}
	out := make([]AgendaInfo, 0, len(agendas))
	for _, a := range agendas {
		name := mapjob.MapFileName(a.ID)
		_, statErr := os.Stat(filepath.Join(s.cfg.MapsDir, name))
		out = append(out, AgendaInfo{
			ID:       a.ID,
			Name:     a.Name,
			MapURL:   "/maps/" + url.PathEscape(name),
			Rendered: statErr == nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agendas": out})
}

// defaultHistoryWindow is the render history returned without ?window.
const defaultHistoryWindow = 7 * 24 * time.Hour

// HistoryResponse is the /v1/agendas/{id}/history body.
type HistoryResponse struct {
	AgendaID string              `json:"agenda_id"`
	Since    time.Time           `json:"since"`
	Points   []metrics.DataPoint `json:"points"`
}

// handleHistory returns the marker counts of recent renders of one agenda.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := security.ValidateEntityID("id", id); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}
	window := defaultHistoryWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			apperrors.WriteError(w, apperrors.ValidationError("window must be a positive duration such as 24h"))
			return
		}
		window = d
	}

	since := time.Now().Add(-window).UTC()
	points, err := s.metrics.RenderHistory(r.Context(), id, since)
	if err != nil {
		s.log.WithContext(r.Context()).WithAgenda(id).WithError(err).Error("Loading render history failed")
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("render history"))
		return
	}
	if points == nil {
		points = []metrics.DataPoint{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{AgendaID: id, Since: since, Points: points})
}

// ReportRequest selects the workbook to build.
type ReportRequest struct {
	AgendaID       string `validate:"required,max=512"`
	OrganizationID string `validate:"required,max=512"`
}

// handleReport builds the workbook of one organization and streams it.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ReportRequest{AgendaID: q.Get("agenda_id"), OrganizationID: q.Get("organization_id")}
	if err := validate.Struct(req); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("agenda_id and organization_id are required"))
		return
	}
	for field, id := range map[string]string{"agenda_id": req.AgendaID, "organization_id": req.OrganizationID} {
		if err := security.ValidateEntityID(field, id); err != nil {
			apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
			return
		}
	}
	if s.reports == nil {
		apperrors.WriteError(w, apperrors.ServiceUnavailableError("report"))
		return
	}

	log := s.log.WithContext(r.Context()).WithAgenda(req.AgendaID).WithOrganization(req.OrganizationID)
	res, err := s.reports.ForOrganization(r.Context(), req.AgendaID, req.OrganizationID)
	if err != nil {
		log.WithError(err).Warn("Report request failed")
		apperrors.WriteError(w, err)
		return
	}

	f, err := os.Open(res.Path)
	if err != nil {
		apperrors.WriteError(w, apperrors.ReportError("opening report", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		apperrors.WriteError(w, apperrors.ReportError("opening report", err))
		return
	}

	name := filepath.Base(res.Path)
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}
