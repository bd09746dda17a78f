package router

import (
	"net/http"

	"collabcore/config"
	"collabcore/middleware"
	"collabcore/socket"
)

func Setup(cfg config.Config, hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(cfg.JWTSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(middleware.UserIDKey).(string)
		socket.ServeWs(hub, w, r, userID)
	})
	mux.Handle("/ws", auth(wsHandler))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return middleware.CORSMiddleware(mux)
}
