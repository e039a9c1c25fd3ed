package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/evchat/internal/usage"
)

const defaultUsageWindow = 24 * time.Hour

// UsageResponse is the body of GET /v1/usage. Totals is set without a by
// parameter, Groups with one (omitted when no turns matched).
type UsageResponse struct {
	Start  time.Time                 `json:"start"`
	End    time.Time                 `json:"end"`
	By     string                    `json:"by,omitempty"`
	Totals *usage.Summary            `json:"totals,omitempty"`
	Groups map[string]*usage.Summary `json:"groups,omitempty"`
}

// parseSince accepts a Go duration ("6h") measured back from now or an
// RFC 3339 timestamp.
func parseSince(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return now.Add(-defaultUsageWindow), true
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil && t.Before(now) {
		return t, true
	}
	return time.Time{}, false
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger is not enabled")
		return
	}

	now := time.Now().UTC()
	start, ok := parseSince(r.URL.Query().Get("since"), now)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration or an RFC 3339 time in the past")
		return
	}
	// The ledger stores whole seconds; round the end up so this second's
	// turns are included.
	end := now.Truncate(time.Second).Add(time.Second)
	by := r.URL.Query().Get("by")
	resp := UsageResponse{Start: start, End: end, By: by}

	var group func(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error)
	switch by {
	case "":
	case "user":
		group = s.ledger.SummaryByUser
	case "model":
		group = s.ledger.SummaryByModel
	case "channel":
		group = s.ledger.SummaryByChannel
	default:
		s.errorResponse(w, http.StatusBadRequest, "by must be one of user, model or channel")
		return
	}

	var err error
	if group != nil {
		resp.Groups, err = group(r.Context(), start, end)
	} else {
		resp.Totals, err = s.ledger.Summary(r.Context(), start, end)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
