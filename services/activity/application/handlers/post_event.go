package handlers

import (
	"errors"
	"net/http"

	"github.com/ghuser/activitypipeline/pkg/errhttp"
	"github.com/ghuser/activitypipeline/pkg/httpx"
	pkgvalidator "github.com/ghuser/activitypipeline/pkg/validator"
	appsvcs "github.com/ghuser/activitypipeline/services/activity/application/services"
	activitydomain "github.com/ghuser/activitypipeline/services/activity/domain"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
)

// InvalidPayloadMessage is the top-level message of every 400 from this endpoint.
const InvalidPayloadMessage = "Invalid UserActivityEvent payload"

func init() {
	pkgvalidator.RegisterStringRule("iso8601", func(s string) error {
		_, err := models.ParseTimestamp(s)
		return err
	})
}

// TrackEventRequest is the request body for POST /v1/events/track.
type TrackEventRequest struct {
	SubjectID *int64         `json:"subject_id" validate:"required,gt=0"`
	EventKind string         `json:"event_kind" validate:"required,min=1"`
	Timestamp string         `json:"timestamp" validate:"required,iso8601"`
	Metadata  map[string]any `json:"metadata"`
}

// TrackEventResponse is returned once the event has been handed to the queue.
type TrackEventResponse struct {
	Status string `json:"status"`
}

// PostEventHandler handles POST /v1/events/track requests.
type PostEventHandler struct {
	svc *appsvcs.Services
}

// NewPostEventHandler returns a PostEventHandler backed by the given services.
func NewPostEventHandler(svc *appsvcs.Services) *PostEventHandler {
	return &PostEventHandler{svc: svc}
}

// Execute validates the event and publishes it. 202 means queued, not stored.
func (h *PostEventHandler) Execute(w http.ResponseWriter, r *http.Request) {
	req, ok := pkgvalidator.ValidateRequest[TrackEventRequest](w, r, InvalidPayloadMessage)
	if !ok {
		return
	}

	ts, err := models.ParseTimestamp(req.Timestamp)
	if err != nil {
		pkgvalidator.WriteInvalid(w, InvalidPayloadMessage, []pkgvalidator.FieldError{{
			Loc: []string{"body", "timestamp"}, Msg: err.Error(), Type: "datetime_parsing",
		}})
		return
	}

	if _, err := h.svc.Activity.Track(r.Context(), *req.SubjectID, req.EventKind, ts, req.Metadata); err != nil {
		if errors.Is(err, activitydomain.ErrInvalidEvent) {
			pkgvalidator.WriteInvalid(w, InvalidPayloadMessage, []pkgvalidator.FieldError{{
				Loc: []string{"body"}, Msg: err.Error(), Type: "value_error",
			}})
			return
		}
		errhttp.WriteError(w, err)
		return
	}

	httpx.JSON(w, http.StatusAccepted, TrackEventResponse{Status: "accepted"})
}
