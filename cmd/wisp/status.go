package main

import (
	"encoding/json"
	"net/http"

	"github.com/amlith/wisp/libwisp/client"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type statusReply struct {
	Connected     bool   `json:"connected"`
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	JID           string `json:"jid,omitempty"`
	RxBytes       int64  `json:"rxBytes"`
	TxBytes       int64  `json:"txBytes"`
}

// serveStatus exposes a read-only view of the connection on a local
// address.
func serveStatus(addr string, engine *client.Engine) {
	router := mux.NewRouter()
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		rx, tx := engine.Transport.TrafficTotals()
		reply := statusReply{
			Connected:     engine.Transport.Connected(),
			State:         engine.Machine.StateName(),
			Authenticated: engine.Machine.Authenticated(),
			JID:           engine.Machine.JID(),
			RxBytes:       rx,
			TxBytes:       tx,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			log.Errorf("writing status reply: %v", err)
		}
	}).Methods("GET")
	router.HandleFunc("/pins", func(w http.ResponseWriter, r *http.Request) {
		if engine.Pins == nil {
			http.Error(w, "pinning is not enabled", http.StatusNotFound)
			return
		}
		pins, err := engine.Pins.Pins()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pins); err != nil {
			log.Errorf("writing pins reply: %v", err)
		}
	}).Methods("GET")

	log.Infof("status API listening on %v", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Errorf("status API: %v", err)
	}
}
