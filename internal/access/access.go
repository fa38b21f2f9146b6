// Package access serves the HTTP surface: login and logout, pump
// requests, the pages, stats, metrics and the live-stream upgrade.
package access

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/hub"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// CookieName is the name of the session cookie
const CookieName = "session"

// maxBodySize limits login request bodies
const maxBodySize = 4096

//go:embed web
var web embed.FS

// Config specifies what the router serves
type Config struct {
	Bus *bus.Bus

	Hub *hub.Hub

	Sessions *session.Store

	// Gatherer provides /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	// StaticDir replaces the built-in pages and assets when set
	StaticDir string

	Log *log.Entry
}

type pageData struct {
	WsPath string

	AuthEnabled bool
}

// Error represents a JSON error response
type Error struct {
	Error string `json:"error"`
}

// Success represents a JSON success response
type Success struct {
	Success bool `json:"success"`
}

// Login represents a login request
type Login struct {
	Password *string `json:"password"`
}

type api struct {
	config Config

	pages *template.Template

	assets http.Handler
}

// SessionAuth returns a check for a valid session cookie; every request
// passes when sessions has no password
func SessionAuth(sessions *session.Store) func(r *http.Request) bool {
	return func(r *http.Request) bool {

		if !sessions.Enabled() {
			return true
		}

		c, err := r.Cookie(CookieName)
		if err != nil {
			return false
		}

		return sessions.IsValid(c.Value)
	}
}

// NewRouter returns the router for config
func NewRouter(config Config) (*mux.Router, error) {

	var fsys fs.FS

	if config.StaticDir != "" {
		fsys = os.DirFS(config.StaticDir)
	} else {
		sub, err := fs.Sub(web, "web")
		if err != nil {
			return nil, err
		}
		fsys = sub
	}

	pages, err := template.ParseFS(fsys, "index.html", "app.html")
	if err != nil {
		return nil, fmt.Errorf("parse pages: %w", err)
	}

	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	a := &api{
		config: config,
		pages:  pages,
		assets: http.FileServer(http.FS(fsys)),
	}

	router := mux.NewRouter()

	router.HandleFunc("/login", a.handleLogin).Methods("POST")
	router.HandleFunc("/logout", a.handleLogout).Methods("POST", "GET")
	router.HandleFunc("/pump", a.requireAPI(a.handlePump)).Methods("GET")
	router.HandleFunc("/stats", a.requireAPI(a.handleStats)).Methods("GET")
	router.HandleFunc("/healthz", handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/", a.handleIndex).Methods("GET")
	router.HandleFunc("/app", a.requirePage(a.handleApp)).Methods("GET")

	if config.Hub != nil {
		router.HandleFunc(config.Hub.Path(), config.Hub.ServeWs)
	}

	router.PathPrefix("/").Handler(a.requirePage(a.handleAsset)).Methods("GET")

	return router, nil
}

func (a *api) authenticated(r *http.Request) bool {
	return SessionAuth(a.config.Sessions)(r)
}

// requireAPI answers 401 JSON to unauthenticated requests
func (a *api) requireAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authenticated(r) {
			writeJSON(w, http.StatusUnauthorized, Error{Error: "Unauthorized"})
			return
		}
		next(w, r)
	}
}

// requirePage redirects unauthenticated requests to the login page
func (a *api) requirePage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authenticated(r) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {

	var req Login

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Error: "Bad request"})
		return
	}

	secret := ""
	if req.Password != nil {
		secret = *req.Password
	}

	token, err := a.config.Sessions.Login(secret)

	switch {
	case errors.Is(err, session.ErrAuthDisabled):
		writeJSON(w, http.StatusOK, Success{Success: true})
		return
	case errors.Is(err, session.ErrInvalidPassword):
		a.config.Log.WithField("remote_addr", r.RemoteAddr).Info("login refused")
		writeJSON(w, http.StatusUnauthorized, Error{Error: "Invalid password"})
		return
	case err != nil:
		a.config.Log.WithField("error", err.Error()).Error("could not create session")
		writeJSON(w, http.StatusInternalServerError, Error{Error: "Internal error"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	a.config.Log.WithField("remote_addr", r.RemoteAddr).Info("login")

	writeJSON(w, http.StatusOK, Success{Success: true})
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {

	if c, err := r.Cookie(CookieName); err == nil {
		a.config.Sessions.Revoke(c.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, Success{Success: true})
}

func (a *api) handlePump(w http.ResponseWriter, r *http.Request) {

	p, err := models.ParsePumpCommand(r.URL.Query().Get("time"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Error: "Invalid time parameter"})
		return
	}

	bus.Publish(a.config.Bus, models.PumpActivate, p)

	writeJSON(w, http.StatusOK, Success{Success: true})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {

	reports := []*hub.ClientReport{}

	if a.config.Hub != nil {
		reports = a.config.Hub.Report()
	}

	writeJSON(w, http.StatusOK, reports)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (a *api) data() pageData {

	d := pageData{
		WsPath:      hub.DefaultPath,
		AuthEnabled: a.config.Sessions.Enabled(),
	}

	if a.config.Hub != nil {
		d.WsPath = a.config.Hub.Path()
	}

	return d
}

func (a *api) render(w http.ResponseWriter, name string) {

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := a.pages.ExecuteTemplate(w, name, a.data()); err != nil {
		a.config.Log.WithFields(log.Fields{"page": name, "error": err.Error()}).Error("could not render page")
	}
}

func (a *api) handleIndex(w http.ResponseWriter, r *http.Request) {

	if a.authenticated(r) {
		http.Redirect(w, r, "/app", http.StatusFound)
		return
	}

	a.render(w, "index.html")
}

func (a *api) handleApp(w http.ResponseWriter, r *http.Request) {
	a.render(w, "app.html")
}

func (a *api) handleAsset(w http.ResponseWriter, r *http.Request) {
	a.assets.ServeHTTP(w, r)
}
