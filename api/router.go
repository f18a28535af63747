package api

import (
	"compress/flate"

	"github.com/aidss/lisbridge/api/mllp"
	api_middleware "github.com/aidss/lisbridge/api/middleware"
	"github.com/aidss/lisbridge/api/outbox"
	"github.com/aidss/lisbridge/api/routes"
	"github.com/aidss/lisbridge/config"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// Services are the components the admin API reports on.
type Services struct {
	Dispatcher routes.Dispatcher
	Ledger     routes.Ledger
	Orders     mllp.Handler
	// Outbox is nil when results are not delivered to the LIS.
	Outbox *outbox.Outbox
	Models int
}

// NewRouter returns a chi router with endpoints registered.
func NewRouter(cfg config.Config, services Services) (chi.Router, error) {

	// Setup the router and configure baseline middleware
	r := chi.NewRouter()

	r.Use(api_middleware.Logger(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(flate.DefaultCompression))

	// Configure CORS handling
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	var box routes.Outbox
	if services.Outbox != nil {
		box = services.Outbox
	}

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/status", routes.StatusRequest(&cfg, services.Dispatcher, box, services.Models))
		r.Get("/jobs", routes.JobsRequest(&cfg, services.Dispatcher, services.Ledger))
		r.Get("/results/{sample}/{model}", routes.ResultRequest(&cfg, services.Ledger))
	})
	r.Post("/orders", routes.EnqueueRequest(&cfg, services.Orders))

	if services.Outbox != nil {
		r.Route("/outbox", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Get("/", routes.Waiting(&cfg, box))
			r.Put("/start", routes.StartRequest(&cfg, box))
			r.Put("/stop", routes.StopRequest(&cfg, box))
			r.Put("/deliver", routes.ForceDeliverRequest(&cfg, services.Outbox))
			r.Delete("/", routes.ClearRequest(&cfg, box))
		})
	}

	return r, nil
}
