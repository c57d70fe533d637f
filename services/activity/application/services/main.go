package services

import (
	"github.com/ghuser/activitypipeline/pkg/app"
)

// Services is the application-layer service container for this bounded context.
type Services struct {
	Activity *ActivityService
}

// New wires the activity services with infrastructure from the Application container.
func New(a *app.Application) *Services {
	return &Services{
		Activity: NewActivityService(a.Publisher, a.Logger),
	}
}
