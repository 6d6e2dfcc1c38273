package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// NewRouter mounts the websocket endpoint and health check on a gorilla/mux
// router and delegates /api/ to a gin engine carrying the REST routes.
func NewRouter(ws *WSHandler, api *HTTPHandler, logger zerolog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), pkglog.GinMiddleware(logger))
	api.RegisterRoutes(engine)

	router := mux.NewRouter()
	router.HandleFunc("/ws", ws.HandleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/health", HealthCheck).Methods(http.MethodGet)
	router.PathPrefix("/api/").Handler(engine)

	return router
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
