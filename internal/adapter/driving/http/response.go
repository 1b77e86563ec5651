package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/mailgate/internal/application"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ScheduleResponse is the JSON form of a domain's check schedule.
type ScheduleResponse struct {
	DomainID    int64  `json:"domain_id"`
	Tier        string `json:"tier"`
	NextCheckAt string `json:"next_check_at"`
	LastChecked string `json:"last_checked"`
}

// RefreshResponse is the body of a successful manual refresh.
type RefreshResponse struct {
	DomainID int64             `json:"domain_id"`
	Status   string            `json:"status"`
	Schedule *ScheduleResponse `json:"schedule,omitempty"`
}

func toScheduleResponse(id int64, info application.ScheduleInfo) ScheduleResponse {
	return ScheduleResponse{
		DomainID:    id,
		Tier:        info.Tier.String(),
		NextCheckAt: info.NextCheckAt.UTC().Format(time.RFC3339),
		LastChecked: info.LastChecked.UTC().Format(time.RFC3339),
	}
}
