package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/token-distributor/internal/errors"
	"github.com/token-distributor/internal/job"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

const (
	defaultRecipientLimit = 100
	maxRecipientLimit     = 1000
)

// ExecuteResponse is returned when a distribution run is accepted
type ExecuteResponse struct {
	CampaignID  string               `json:"campaignId"`
	RunID       string               `json:"runId"`
	Distributor string               `json:"distributor"`
	Network     string               `json:"network"`
	Status      types.CampaignStatus `json:"status"`
	State       types.RunState       `json:"state"`
}

// RecipientPage is one page of a campaign's recipients
type RecipientPage struct {
	Recipients  []*models.Recipient `json:"recipients"`
	NextAfterID *int64              `json:"nextAfterId,omitempty"`
}

// campaignID extracts and validates the {id} path variable
func campaignID(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		return "", apperrors.NewInvalidParameterError("id", "campaign id must be a UUID")
	}
	return id, nil
}

// handleExecuteCampaign validates the campaign and starts a background run.
// ?resumeStale=true takes over a campaign stuck IN_PROGRESS.
func (s *Server) handleExecuteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var opts job.StartOptions
	if v := r.URL.Query().Get("resumeStale"); v != "" {
		resume, err := strconv.ParseBool(v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("resumeStale", "must be a boolean"))
			return
		}
		opts.ResumeStale = resume
	}

	handle, err := s.runs.Start(r.Context(), id, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	// Start returns once the campaign is claimed; the run may already be further along
	snap := handle.Snapshot()
	respondJSON(w, http.StatusOK, ExecuteResponse{
		CampaignID:  snap.CampaignID,
		RunID:       snap.RunID,
		Distributor: snap.Distributor,
		Network:     snap.Network,
		Status:      types.CampaignInProgress,
		State:       snap.State,
	})
}

// handleGetCampaign returns a campaign's status and counters
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	campaign, err := s.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, campaign)
}

// handleListRecipients pages through a campaign's recipients by ID
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	filter, err := parseRecipientFilter(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if _, err := s.campaigns.GetCampaign(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}

	recipients, err := s.campaigns.ListRecipients(r.Context(), id, filter)
	if err != nil {
		respondServiceError(w, r, apperrors.NewDatabaseError("list recipients", err))
		return
	}

	page := RecipientPage{Recipients: recipients}
	if page.Recipients == nil {
		page.Recipients = []*models.Recipient{}
	}
	if len(recipients) == filter.Limit {
		next := recipients[len(recipients)-1].ID
		page.NextAfterID = &next
	}
	respondJSON(w, http.StatusOK, page)
}

func parseRecipientFilter(r *http.Request) (storage.RecipientFilter, error) {
	q := r.URL.Query()
	filter := storage.RecipientFilter{Limit: defaultRecipientLimit}

	if v := q.Get("status"); v != "" {
		status := types.RecipientStatus(v)
		if !status.IsValid() {
			return filter, apperrors.NewInvalidParameterError("status", "must be PENDING, COMPLETED or FAILED")
		}
		filter.Status = status
	}

	if v := q.Get("afterId"); v != "" {
		afterID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || afterID < 0 {
			return filter, apperrors.NewInvalidParameterError("afterId", "must be a non-negative integer")
		}
		filter.AfterID = afterID
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxRecipientLimit {
			return filter, apperrors.NewInvalidParameterError("limit", "must be between 1 and 1000")
		}
		filter.Limit = limit
	}

	return filter, nil
}
