package app

import (
	"net/http"
	"net/http/pprof"
)

// mountPprof registers the standard pprof endpoints on mux. Left off by
// default (observability.Config.EnablePprofTrace); an operator debugging a
// live process opts in rather than exposing profiling on every deployment.
func mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
