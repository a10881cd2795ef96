// Package profiler exposes net/http/pprof on its own listener (loopback by
// default; Start binds whatever address it is given), kept off the main mux
// so profiling endpoints never appear on the proxy's public routes.
package profiler

import (
	"log"
	"net/http"
	"net/http/pprof"
	"time"
)

const DefaultAddress = "localhost:19841"

// Start serves the pprof handlers on address (DefaultAddress when empty)
// in a background goroutine. Intended for debugging sessions; enable it
// with LUNAROUTE_PROFILER=true.
func Start(address string) {
	if address == "" {
		address = DefaultAddress
	}
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{
			Addr:         address,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		log.Println("Profiler is running on", address)
		log.Println(server.ListenAndServe())
	}()
}
