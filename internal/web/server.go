package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"sbcfan/internal/curve"
	"sbcfan/internal/fancontrol"
	"sbcfan/internal/mqtt"
)

// Deps are the collaborators behind the HTTP API. Nil members disable
// their routes.
type Deps struct {
	Status  *Status
	Fan     FanController
	Logs    *LogBuffer
	Metrics http.Handler
	// MQTT reports broker connection state in /api/status when set.
	MQTT mqtt.ConnectionStatus
	// AccessLog receives combined-format request lines when set.
	AccessLog io.Writer
}

type overrideRequest struct {
	Percent *int `json:"percent"`
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus("", fancontrol.Platform{})
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC(), d.Fan, d.MQTT))
	}).Methods(http.MethodGet)

	if d.Fan != nil {
		api.HandleFunc("/curve", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, describeCurve(d.Fan.Curve()))
		}).Methods(http.MethodGet)

		api.HandleFunc("/override", func(w http.ResponseWriter, r *http.Request) {
			var req overrideRequest
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
			var p *uint8
			if req.Percent != nil {
				if *req.Percent < 0 || *req.Percent > curve.MaxPercent {
					http.Error(w, "percent must be in [0,100] or null", http.StatusBadRequest)
					return
				}
				v := uint8(*req.Percent)
				p = &v
			}
			setOverride(w, d.Fan, p)
		}).Methods(http.MethodPut, http.MethodPost)

		api.HandleFunc("/override", func(w http.ResponseWriter, _ *http.Request) {
			setOverride(w, d.Fan, nil)
		}).Methods(http.MethodDelete)
	}

	if d.Logs != nil {
		api.HandleFunc("/logs", d.Logs.serveHTTP).Methods(http.MethodGet)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Status.Snapshot(time.Now().UTC(), d.Fan, d.MQTT)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>sbcfan</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>sbcfan %s</h1>", html.EscapeString(snap.Version))
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a> and <a href=\"/api/curve\">/api/curve</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>backend=%s\ncpu_temp_c=%d\nduty_percent=%d\nmanual_override=%t\nupdates=%d</pre>",
			html.EscapeString(snap.Fan.Backend), snap.Fan.CPUTempC, snap.Fan.DutyPercent, snap.Fan.ManualOverride, snap.Fan.Updates,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	}).Methods(http.MethodGet)

	var h http.Handler = r
	if d.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(d.AccessLog, h)
	}
	return handlers.RecoveryHandler()(h)
}

func setOverride(w http.ResponseWriter, fan FanController, p *uint8) {
	if err := fan.SetOverride(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, fan.Snapshot())
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, listenAddr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if log != nil {
		log.Info("http status server listening", "addr", listenAddr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
