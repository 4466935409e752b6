package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/engine"
	"reelgrab/internal/manager"
	"reelgrab/internal/scheduler"
	"reelgrab/internal/store"
)

type nopSession struct{}

func (nopSession) Attach(engine.AttachRequest) (engine.Handle, error) {
	return nil, errors.New("engine unavailable")
}
func (nopSession) Detach(engine.Handle, bool) {}
func (nopSession) DrainAlerts() []engine.Alert { return nil }
func (nopSession) Close() error                { return nil }

// stallProvider blocks in Resolve until the request context gives up,
// reporting whether a deadline was attached.
type stallProvider struct {
	sawDeadline chan bool
}

func (p *stallProvider) Browse(ctx context.Context, criteria catalog.Criteria) ([]catalog.Candidate, error) {
	return nil, nil
}

func (p *stallProvider) Resolve(ctx context.Context, reference string) (*catalog.Candidate, error) {
	_, ok := ctx.Deadline()
	p.sawDeadline <- ok
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestRouter(t *testing.T, provider catalog.Provider) http.Handler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		DownloadDir:        t.TempDir(),
		MaxActiveDownloads: 3,
		RateLimit:          100,
		RequestTimeout:     100 * time.Millisecond,
		CORSAllowedOrigins: []string{"*"},
	}

	log := zerolog.Nop()
	mgr := manager.New(cfg, nopSession{}, store.NewJobStore(db), provider, log)
	sup := scheduler.NewSupervisor(cfg, store.NewScheduleStore(db), provider, mgr, log)
	return NewRouter(cfg, log, mgr, sup)
}

func TestJobRoutesCarryRequestTimeout(t *testing.T) {
	provider := &stallProvider{sawDeadline: make(chan bool, 1)}
	router := newTestRouter(t, provider)

	body := strings.NewReader(`{"reference": "Night Train", "quality": "720p"}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	assert.True(t, <-provider.sawDeadline, "request context should carry a deadline")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not unblock when its deadline expired")
	}
}
