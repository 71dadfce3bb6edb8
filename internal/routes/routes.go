package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mongoferry/mongoferry/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(conn *handlers.ConnectionHandler, jobs *handlers.JobHandler, stream *handlers.StreamHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Connection registry
	router.HandleFunc("/api/connections", conn.List).Methods(http.MethodGet)
	router.HandleFunc("/api/connections", conn.Create).Methods(http.MethodPost)
	router.HandleFunc("/api/connections/test", conn.TestConnection).Methods(http.MethodPost)
	router.HandleFunc("/api/connections/{id}", conn.Delete).Methods(http.MethodDelete)
	router.HandleFunc("/api/db-stats", conn.DBStats).Methods(http.MethodPost)

	// Migration jobs
	router.HandleFunc("/api/preflight", jobs.Preflight).Methods(http.MethodPost)
	router.HandleFunc("/api/migrations", jobs.Start).Methods(http.MethodPost)
	router.HandleFunc("/api/migrations", jobs.List).Methods(http.MethodGet)
	router.HandleFunc("/api/migrations/{jobID}", jobs.Get).Methods(http.MethodGet)
	router.HandleFunc("/api/migrations/{jobID}/cancel", jobs.Cancel).Methods(http.MethodPost)
	router.HandleFunc("/api/migrations/{jobID}/events", stream.Events).Methods(http.MethodGet)

	return router
}
