// Package testutil holds fixtures shared by the integration tests and
// benchmarks.
package testutil

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/webdav"

	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/storage"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

const (
	DAVUser     = "alice"
	DAVPassword = "s3cret"
)

// NewTestLogger creates a debug logger writing JSON into buf.
func NewTestLogger(buf *bytes.Buffer) *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", buf)
}

// RandomSalt returns a fresh account salt.
func RandomSalt() []byte {
	salt := make([]byte, crypto.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		panic(err)
	}
	return salt
}

// NewEngine returns an engine unlocked with password and salt.
func NewEngine(tb testing.TB, password string, salt []byte) *crypto.Engine {
	tb.Helper()
	engine := crypto.NewEngine(crypto.NewProvider(crypto.MinIterations), events.Discard())
	if err := engine.InitializeFromPassword(password, salt); err != nil {
		tb.Fatal(err)
	}
	return engine
}

// Habit is a representative record payload.
type Habit struct {
	Name    string    `json:"name"`
	Streak  int       `json:"streak"`
	History []bool    `json:"history"`
	Updated time.Time `json:"updated"`
}

// HabitPayload builds the i-th habit with a year of history.
func HabitPayload(i int) Habit {
	history := make([]bool, 365)
	for d := range history {
		history[d] = (d+i)%3 != 0
	}
	return Habit{
		Name:    fmt.Sprintf("habit-%03d", i),
		Streak:  i % 30,
		History: history,
		Updated: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
	}
}

// DAVServer is an in-memory WebDAV server under /dav whose availability
// and latency can be changed while a test runs.
type DAVServer struct {
	*httptest.Server
	down     atomic.Bool
	delay    atomic.Int64
	requests atomic.Int64
}

// NewDAVServer starts a server guarded by basic auth with DAVUser and
// DAVPassword. It is closed when tb ends.
func NewDAVServer(tb testing.TB) *DAVServer {
	tb.Helper()
	handler := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}

	s := &DAVServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if d := time.Duration(s.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if s.down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != DAVUser || pass != DAVPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	tb.Cleanup(s.Close)
	return s
}

// SetDown makes every request fail with 503 while down is true.
func (s *DAVServer) SetDown(down bool) {
	s.down.Store(down)
}

// SetDelay delays every response by d.
func (s *DAVServer) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// Requests returns the number of requests received.
func (s *DAVServer) Requests() int64 {
	return s.requests.Load()
}

// Provider returns a WebDAV provider named name pointed at the server.
func (s *DAVServer) Provider(tb testing.TB, name string, retry transport.RetryPolicy, logger *events.Logger) *storage.WebDAVProvider {
	tb.Helper()
	client := transport.NewHTTPClientWith(s.Client(), transport.ClientOptions{}, logger)
	p, err := storage.NewWebDAVProvider(storage.WebDAVOptions{
		Name:      name,
		ServerURL: s.URL + "/dav",
		Username:  DAVUser,
		Password:  DAVPassword,
		Retry:     retry,
	}, client, logger)
	if err != nil {
		tb.Fatal(err)
	}
	return p
}
