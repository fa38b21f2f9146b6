package access

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/hub"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/session"
	"github.com/practable/envmon/internal/store/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router   http.Handler
	bus      *bus.Bus
	hub      *hub.Hub
	sessions *session.Store
	pumps    []models.PumpCommand
}

func newFixture(t *testing.T, password string) *fixture {

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	st := memory.New(10)
	require.NoError(t, st.Connect(context.Background()))

	f := &fixture{
		bus:      bus.New(entry),
		sessions: session.New(password),
	}

	f.hub = hub.New(hub.Config{
		Authenticate: SessionAuth(f.sessions),
		State:        st,
	}, entry)
	t.Cleanup(f.hub.Close)

	bus.Subscribe(f.bus, models.PumpActivate, func(p models.PumpCommand) error {
		f.pumps = append(f.pumps, p)
		return nil
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "envmon_test_total", Help: "test"}))

	router, err := NewRouter(Config{
		Bus:      f.bus,
		Hub:      f.hub,
		Sessions: f.sessions,
		Gatherer: reg,
		Log:      entry,
	})
	require.NoError(t, err)

	f.router = router

	return f
}

func (f *fixture) do(method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T, password string) *http.Cookie {
	w := f.do("POST", "/login", `{"password":"`+password+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Equal(t, 1, len(cookies))
	return cookies[0]
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	var e Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e.Error
}

func TestLogin(t *testing.T) {

	f := newFixture(t, "secret")

	c := f.login(t, "secret")

	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "/", c.Path)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, 64, len(c.Value))
	assert.True(t, f.sessions.IsValid(c.Value))
}

func TestLoginWrongPassword(t *testing.T) {

	f := newFixture(t, "secret")

	w := f.do("POST", "/login", `{"password":"wrong"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid password", errorOf(t, w))
	assert.Empty(t, w.Result().Cookies())
	assert.Equal(t, 0, f.sessions.Count())

	w = f.do("POST", "/login", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginBadRequest(t *testing.T) {

	f := newFixture(t, "secret")

	w := f.do("POST", "/login", `{"password":`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Bad request", errorOf(t, w))
}

func TestLogout(t *testing.T) {

	f := newFixture(t, "secret")
	c := f.login(t, "secret")

	w := f.do("POST", "/logout", "", c)
	assert.Equal(t, http.StatusOK, w.Code)

	expired := w.Result().Cookies()
	require.Equal(t, 1, len(expired))
	assert.Equal(t, "", expired[0].Value)
	assert.True(t, expired[0].MaxAge < 0)

	assert.False(t, f.sessions.IsValid(c.Value))

	w = f.do("GET", "/pump?time=10", "", c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPump(t *testing.T) {

	f := newFixture(t, "secret")
	c := f.login(t, "secret")

	w := f.do("GET", "/pump?time=10", "", c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.PumpCommand{{Time: 10}}, f.pumps)
}

func TestPumpInvalidTime(t *testing.T) {

	f := newFixture(t, "secret")
	c := f.login(t, "secret")

	for _, q := range []string{"time=50", "time=1", "time=abc", "time=", ""} {
		w := f.do("GET", "/pump?"+q, "", c)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, "Invalid time parameter", errorOf(t, w))
	}

	assert.Empty(t, f.pumps)
}

func TestPumpUnauthenticated(t *testing.T) {

	f := newFixture(t, "secret")

	w := f.do("GET", "/pump?time=10", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do("GET", "/pump?time=10", "", &http.Cookie{Name: CookieName, Value: "forged"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, f.pumps)
}

func TestOpenMode(t *testing.T) {

	f := newFixture(t, "")

	w := f.do("POST", "/login", `{"password":"anything"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())

	w = f.do("GET", "/pump?time=2", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.PumpCommand{{Time: 2}}, f.pumps)

	w = f.do("GET", "/", "", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/app", w.Header().Get("Location"))
}

func TestPages(t *testing.T) {

	f := newFixture(t, "secret")

	w := f.do("GET", "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login-form")

	w = f.do("GET", "/app", "", nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	w = f.do("GET", "/app.js", "", nil)
	assert.Equal(t, http.StatusFound, w.Code)

	c := f.login(t, "secret")

	w = f.do("GET", "/", "", c)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/app", w.Header().Get("Location"))

	w = f.do("GET", "/app", "", c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `data-ws-path="/info"`)
	assert.Contains(t, w.Body.String(), `id="logout"`)

	w = f.do("GET", "/app.js", "", c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "WebSocket")
}

func TestStaticDir(t *testing.T) {

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("custom login"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.html"), []byte("custom app {{.WsPath}}"), 0600))

	logger, _ := test.NewNullLogger()
	router, err := NewRouter(Config{
		Bus:       bus.New(logrus.NewEntry(logger)),
		Sessions:  session.New(""),
		Gatherer:  prometheus.NewRegistry(),
		StaticDir: dir,
		Log:       logrus.NewEntry(logger),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/app", nil))
	assert.Equal(t, "custom app /info", w.Body.String())

	_, err = NewRouter(Config{Sessions: session.New(""), StaticDir: t.TempDir()})
	assert.Error(t, err)
}

func TestStatsHealthMetrics(t *testing.T) {

	f := newFixture(t, "secret")

	w := f.do("GET", "/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c := f.login(t, "secret")
	w = f.do("GET", "/stats", "", c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	w = f.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = f.do("GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "envmon_test_total")
}

func TestLiveStream(t *testing.T) {

	f := newFixture(t, "secret")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/info"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := f.login(t, "secret")

	header := http.Header{}
	header.Add("Cookie", CookieName+"="+c.Value)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	var m struct {
		Type models.MessageType `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, models.TypeState, m.Type)
}
