package crossbar

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/practable/rtmonitor/internal/rtmonitor"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Status is the body of a /status response
type Status struct {
	Version    string                    `json:"version"`
	Started    time.Time                 `json:"started"`
	Uptime     string                    `json:"uptime"`
	Goroutines int                       `json:"goroutines"`
	Process    *ProcessStatus            `json:"process,omitempty"`
	Monitors   []rtmonitor.MonitorReport `json:"monitors"`
}

// ProcessStatus describes this process's resource use
type ProcessStatus struct {
	RSS        uint64  `json:"rss"`
	VMS        uint64  `json:"vms"`
	Threads    int32   `json:"threads"`
	CPUPercent float64 `json:"cpu_percent"`
}

// handlePublish puts the request body on the bus at the address in the path
func handlePublish(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		address := mux.Vars(r)["address"]

		body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))

		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if len(body) > maxMessageSize {
			http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
			return
		}

		if !gjson.ValidBytes(body) {
			http.Error(w, "envelope is not valid JSON", http.StatusBadRequest)
			return
		}

		if err := config.Publisher.Publish(address, body); err != nil {
			log.WithFields(log.Fields{"address": address, "error": err}).Error("publish failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		log.WithFields(log.Fields{"address": address, "size": len(body)}).Trace("published")

		w.WriteHeader(http.StatusAccepted)
	}
}

// handleStatus reports the engine's monitors and clients, and the process
func handleStatus(config Config, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		s := Status{
			Version:    config.Version,
			Started:    started,
			Uptime:     time.Since(started).String(),
			Goroutines: runtime.NumGoroutine(),
			Process:    processStatus(),
			Monitors:   config.Engine.Report(),
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(s); err != nil {
			log.WithField("error", err).Error("could not write status")
		}
	}
}

func processStatus() *ProcessStatus {

	p, err := process.NewProcess(int32(os.Getpid()))

	if err != nil {
		log.WithField("error", err).Debug("no process info")
		return nil
	}

	ps := &ProcessStatus{}

	if mi, err := p.MemoryInfo(); err == nil {
		ps.RSS = mi.RSS
		ps.VMS = mi.VMS
	}

	if n, err := p.NumThreads(); err == nil {
		ps.Threads = n
	}

	if c, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = c
	}

	return ps
}
