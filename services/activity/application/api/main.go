package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/ghuser/activitypipeline/pkg/app"
	"github.com/ghuser/activitypipeline/services/activity/application/handlers"
	appsvcs "github.com/ghuser/activitypipeline/services/activity/application/services"
)

// ActivityRoutes registers activity endpoints on the provided chi router.
func ActivityRoutes(r chi.Router, a *app.Application) {
	svcs := appsvcs.New(a)
	r.Route("/v1/events", func(r chi.Router) {
		r.Post("/track", handlers.NewPostEventHandler(svcs).Execute)
	})
}
