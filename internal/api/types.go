package api

import (
	"time"

	"mitmctl/internal/apps"
	"mitmctl/internal/journal"
	"mitmctl/internal/session"
)

// Public JSON types returned by the API.

// ToggleRequest is the body of POST /v1/toggle.  An empty package
// means the last target.
type ToggleRequest struct {
	Package string `json:"package"`
}

// GrantRequest is the body of POST /v1/grants/{kind}.
type GrantRequest struct {
	Granted *bool `json:"granted"`
}

// ResetRequest is the optional body of POST /v1/reset.
type ResetRequest struct {
	Reason string `json:"reason"`
}

// ActionResponse answers every state-changing call.
type ActionResponse struct {
	Outcome session.Outcome `json:"outcome"`
	Status  session.Status  `json:"status"`
}

// ResetResponse answers POST /v1/reset.
type ResetResponse struct {
	Reset  bool           `json:"reset"`
	Status session.Status `json:"status"`
}

// AppView is one chooser entry.
type AppView struct {
	Package string `json:"package"`
	Label   string `json:"label"`
	Choice  string `json:"choice"`
}

// AppsResponse is the payload of GET /v1/apps.
type AppsResponse struct {
	Apps       []AppView `json:"apps"`
	LastTarget string    `json:"last_target,omitempty"`
}

// HistoryResponse is the payload of GET /v1/history.
type HistoryResponse struct {
	Entries []journal.Entry `json:"entries"`
}

// APIError is a standard error payload.
type APIError struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// TimeNow abstracts time for tests.
var TimeNow = func() time.Time { return time.Now() }

func fromApps(list []apps.App) []AppView {
	out := make([]AppView, 0, len(list))
	for _, a := range list {
		out = append(out, AppView{Package: a.Package, Label: a.Label, Choice: a.ChoiceLabel()})
	}
	return out
}
