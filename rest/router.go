package rest

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	f := HandleError

	// Devices
	router.Methods("GET").Path("/v1/devices").Handler(f(s.ListDevices))
	router.Methods("GET").Path("/v1/devices/{name}").Handler(f(s.GetDevice))
	router.Methods("POST").Path("/v1/devices/{name}").Queries("action", "reopen").Handler(f(s.ReopenDevice))
	router.Methods("POST").Path("/v1/devices/{name}").Queries("action", "lock").Handler(f(s.LockDevice))

	router.Handle("/metrics", promhttp.Handler())

	return router
}
