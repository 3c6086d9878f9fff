package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (c controller) GetMux() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(c.requestIdMw)
	r.Use(c.requestLoggingMw)
	r.Use(cors.AllowAll().Handler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			})
			r.Handle("/sync/ws", c.syncHub)
		})

		r.Get("/health", c.health)
		r.Get("/status", c.status)
		r.Get("/files", c.listFiles)

		r.Post("/play", c.play)
		r.Post("/pause", c.pause)
		r.Post("/resume", c.resume)
		r.Post("/stop", c.stop)
		r.Post("/seek", c.seek)
		r.Post("/skip", c.skip)
		r.Post("/volume", c.volume)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/", c.syncStatus)
			r.Get("/slaves", c.listSlaves)
			r.Post("/master", c.becomeMaster)
			r.Post("/slave", c.connectToMaster)
			r.Post("/standalone", c.disconnect)
		})
	})

	return r
}
