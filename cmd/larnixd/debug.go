package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/trace"

	"badc0de.net/pkg/go-larnix/commands"
	"badc0de.net/pkg/go-larnix/server"
)

func serveDebug(addr string, srv *server.Server) {
	r := mux.NewRouter()
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
	r.HandleFunc("/debug/minimetrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
		fmt.Fprintf(w, "players: %d\n", len(srv.Players()))
	})
	r.HandleFunc("/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, srv.Sessions())
	})
	r.HandleFunc("/debug/sessions/{nick}", func(w http.ResponseWriter, r *http.Request) {
		nick := mux.Vars(r)["nick"]
		for _, s := range srv.Sessions() {
			if s.Nick == nick {
				writeJSON(w, s)
				return
			}
		}
		http.Error(w, "no such player", http.StatusNotFound)
	}).Methods(http.MethodGet)
	r.HandleFunc("/debug/sessions/{nick}", func(w http.ResponseWriter, r *http.Request) {
		srv.Kick(mux.Vars(r)["nick"])
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	r.HandleFunc("/debug/commands", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, commands.Default.Entries())
	})

	glog.Infof("debug server listening on %s", addr)
	if err := http.ListenAndServe(addr, handlers.LoggingHandler(os.Stderr, r)); err != nil {
		glog.Errorf("debug server: %s", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		glog.V(2).Infof("writing debug json: %s", err)
	}
}
