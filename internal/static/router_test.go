package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event"
	"github.com/shinji-kodama/pm2-http-proxy/internal/event/eventtest"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

func writeRoutes(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestRouter(t *testing.T, content string) (*Router, string, *eventtest.Recorder) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	writeRoutes(t, path, content)

	rec := &eventtest.Recorder{}
	r, err := NewRouter(Config{
		RoutesFile: path,
		Domain:     "example.com",
		Range:      model.PortRange{Low: 8800, High: 8900},
	}, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, path, rec
}

func TestConfig_Validate(t *testing.T) {
	rng := model.PortRange{Low: 8800, High: 8900}
	tests := []struct {
		name    string
		cfg     Config
		wantMsg string
	}{
		{"missing routes", Config{Domain: "example.com", Range: rng}, msgMissingRoutes},
		{"missing domain", Config{RoutesFile: "r.json", Range: rng}, msgMissingDomain},
		{"dot-only domain", Config{RoutesFile: "r.json", Domain: ".", Range: rng}, msgMissingDomain},
		{"missing range", Config{RoutesFile: "r.json", Domain: "example.com"}, msgMissingRange},
		{"complete", Config{RoutesFile: "r.json", Domain: "example.com", Range: rng}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrConfig)
			assert.Equal(t, tt.wantMsg, err.(*model.Error).Message)
		})
	}
}

func TestRouter_Resolve(t *testing.T) {
	r, _, rec := newTestRouter(t, `{"blog": 8810, "Api": 8811, "rogue": 22}`)

	tests := []struct {
		domain  string
		want    int
		wantErr bool
	}{
		{"blog.example.com", 8810, false},
		{"BLOG.Example.COM", 8810, false},
		{"api.example.com", 8811, false},
		{"shop.example.com", 0, true},
		{"example.com", 0, true},
		{"blog.example.org", 0, true},
		{"rogue.example.com", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			port, err := r.Resolve(context.Background(), tt.domain, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNoTargetFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, port)
		})
	}

	proxyErrs := rec.OfType(event.TypeProxyError)
	require.Len(t, proxyErrs, 1)
	assert.Equal(t, MsgPortOutOfRange, proxyErrs[0].Err.Message)
	assert.Equal(t, 22, proxyErrs[0].Err.Data["port"])
}

// TestRouter_ReloadKeepsRoutesOnFailure verifies a broken file does not
// wipe the routes in use.
func TestRouter_ReloadKeepsRoutesOnFailure(t *testing.T) {
	r, path, rec := newTestRouter(t, `{"blog": 8810}`)

	writeRoutes(t, path, `{"blog": `)
	err := r.Reload()
	require.Error(t, err)
	assert.Equal(t, Routes{"blog": 8810}, r.Routes())

	errs := rec.OfType(event.TypeRequestError)
	require.Len(t, errs, 1)
	assert.Equal(t, MsgReadFailed, errs[0].Err.Message)
}

func TestNewRouter_MissingFile(t *testing.T) {
	rec := &eventtest.Recorder{}
	r, err := NewRouter(Config{
		RoutesFile: filepath.Join(t.TempDir(), "absent.json"),
		Domain:     "example.com",
		Range:      model.PortRange{Low: 8800, High: 8900},
	}, rec)
	require.NoError(t, err)
	assert.Empty(t, r.Routes())
	assert.Len(t, rec.OfType(event.TypeRequestError), 1)
}

// TestRouter_Watch verifies that rewriting the file updates the routes.
func TestRouter_Watch(t *testing.T) {
	r, path, rec := newTestRouter(t, `{"blog": 8810}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))
	assert.Error(t, r.Watch(ctx), "a second Watch must be refused")

	writeRoutes(t, path, `{"blog": 8820, "shop": 8821}`)

	require.Eventually(t, func() bool {
		port, err := r.Resolve(context.Background(), "shop.example.com", nil)
		return err == nil && port == 8821
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 8820, r.Routes()["blog"])
	assert.Contains(t, rec.Messages(), MsgRoutesChanged)
}

// TestRouter_ReloadAfterChangeRetries verifies a file caught mid-write is
// read again before the failure is reported.
func TestRouter_ReloadAfterChangeRetries(t *testing.T) {
	r, path, rec := newTestRouter(t, `{"blog": 8810}`)
	r.retryMin = 30 * time.Millisecond

	writeRoutes(t, path, `{"blog": `)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{"blog": 8811}`), 0o644)
	}()

	r.reloadAfterChange(context.Background(), make(chan struct{}))

	assert.Equal(t, Routes{"blog": 8811}, r.Routes())
	assert.Empty(t, rec.OfType(event.TypeRequestError))
}

func TestRouter_ReloadAfterChangeGivesUp(t *testing.T) {
	r, path, rec := newTestRouter(t, `{"blog": 8810}`)
	r.retryMin = time.Millisecond

	writeRoutes(t, path, `not json`)
	r.reloadAfterChange(context.Background(), make(chan struct{}))

	assert.Equal(t, Routes{"blog": 8810}, r.Routes())
	assert.Len(t, rec.OfType(event.TypeRequestError), 1)
}
