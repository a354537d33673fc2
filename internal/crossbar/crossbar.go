// Package crossbar serves the engine's monitors over websockets,
// along with publish, status and metrics endpoints
package crossbar

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Crossbar creates and runs a new crossbar instance until closed is closed
func Crossbar(config Config, closed <-chan struct{}, parentwg *sync.WaitGroup) {

	defer parentwg.Done()

	if config.Buffer <= 0 {
		config.Buffer = 256
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Listen),
		Handler: newRouter(config, closed),
	}

	go func() {
		// returns ErrServerClosed on graceful close
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err).Error("http.ListenAndServe")
		}
		log.Debug("exiting http.Server")
	}()

	log.WithField("port", config.Listen).Info("crossbar listening")

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("could not gracefully shutdown http.Server")
	}

	log.Debug("stopped http.Server")
}

func newRouter(config Config, closed <-chan struct{}) *mux.Router {

	router := mux.NewRouter()

	started := time.Now()

	for _, m := range config.Engine.Monitors.List() {
		router.HandleFunc(m.Key, func(w http.ResponseWriter, r *http.Request) {
			serveWs(closed, w, r, config)
		})
		log.WithFields(log.Fields{"path": m.Key, "address": m.Address}).Debug("monitor route added")
	}

	if config.Publisher != nil {
		router.HandleFunc("/publish/{address:.+}", handlePublish(config)).Methods("POST", "PUT")
	}

	router.HandleFunc("/status", handleStatus(config, started)).Methods("GET")

	reg := config.Engine.Registry()

	for _, c := range []prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			log.WithField("error", err).Debug("collector not registered")
		}
	}

	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	return router
}
