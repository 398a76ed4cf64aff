package routes

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOpts = Options{
	PublicDomain:  "prox.local",
	DNSDomain:     "prox.local",
	UINetworkCIDR: "10.77.0.0/24",
}

func runningApp(hostname string, publicPort int) *api.Application {
	return &api.Application{
		ID:           "wordpress-" + hostname,
		Hostname:     hostname,
		Status:       api.AppRunning,
		PublicPort:   publicPort,
		InternalPort: publicPort + 10000,
		TargetPort:   80,
	}
}

func TestSynthesize(t *testing.T) {
	t.Run("ThreeBlocksPerRunningApp", func(t *testing.T) {
		doc, err := Synthesize([]*api.Application{runningApp("blog", 8001)}, testOpts)
		require.NoError(t, err)

		assert.Contains(t, doc, "blog.prox.local {")
		assert.Contains(t, doc, "handle_path /apps/blog/*")
		assert.Contains(t, doc, "handle_path /embed/blog/*")
		assert.Contains(t, doc, "reverse_proxy blog.prox.local:80")
	})

	t.Run("UpstreamDialsServicePort", func(t *testing.T) {
		app := runningApp("blog", 8001)
		app.TargetPort = 3000

		doc, err := Synthesize([]*api.Application{app}, testOpts)
		require.NoError(t, err)
		assert.Contains(t, doc, "reverse_proxy blog.prox.local:3000")
		// the allocator pair numbers never appear as upstream ports
		assert.NotContains(t, doc, ":18001")
	})

	t.Run("EmbedStripsHeadersPublicKeepsThem", func(t *testing.T) {
		doc, err := Synthesize([]*api.Application{runningApp("blog", 8001)}, testOpts)
		require.NoError(t, err)

		// the public path block preserves security headers
		pathBlock := between(t, doc, "handle_path /apps/blog/*", "}\n}")
		assert.Contains(t, pathBlock, "header_down +X-Frame-Options")
		assert.Contains(t, pathBlock, "header_down +Content-Security-Policy")
		assert.NotContains(t, pathBlock, "header_down -")

		// the embed block strips them and is gated on the UI network
		embedBlock := between(t, doc, "handle_path /embed/blog/*", "}\n}")
		assert.Contains(t, embedBlock, "header_down -X-Frame-Options")
		assert.Contains(t, embedBlock, "header_down -Content-Security-Policy")
		assert.NotContains(t, embedBlock, "header_down +")
		assert.Contains(t, doc, "@ui remote_ip 10.77.0.0/24")
	})

	t.Run("Idempotent", func(t *testing.T) {
		apps := []*api.Application{
			runningApp("news", 8002),
			runningApp("blog", 8001),
		}
		first, err := Synthesize(apps, testOpts)
		require.NoError(t, err)
		second, err := Synthesize(apps, testOpts)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		// input order must not matter
		reversed, err := Synthesize([]*api.Application{apps[1], apps[0]}, testOpts)
		require.NoError(t, err)
		assert.Equal(t, first, reversed)
	})

	t.Run("StoppedAppGetsPlaceholder", func(t *testing.T) {
		app := runningApp("blog", 8001)
		app.Status = api.AppStopped

		doc, err := Synthesize([]*api.Application{app}, testOpts)
		require.NoError(t, err)
		assert.Contains(t, doc, `respond "blog is stopped" 503`)
		assert.NotContains(t, doc, "reverse_proxy")
	})

	t.Run("TransitionalAppsEmitNothing", func(t *testing.T) {
		app := runningApp("blog", 8001)
		app.Status = api.AppDeploying

		doc, err := Synthesize([]*api.Application{app}, testOpts)
		require.NoError(t, err)
		assert.NotContains(t, doc, "blog")
	})

	t.Run("HostnameCollision", func(t *testing.T) {
		a := runningApp("blog", 8001)
		b := runningApp("blog", 8002)
		b.ID = "ghost-blog"

		doc, err := Synthesize([]*api.Application{a, b}, testOpts)
		require.Error(t, err)
		assert.Equal(t, api.KindRouteConflict, api.KindOf(err))
		assert.Empty(t, doc)
	})
}

func between(t *testing.T, doc, start, end string) string {
	t.Helper()
	i := strings.Index(doc, start)
	require.GreaterOrEqual(t, i, 0, "marker %q not found", start)
	rest := doc[i:]
	j := strings.Index(rest, end)
	require.GreaterOrEqual(t, j, 0, "marker %q not found after %q", end, start)
	return rest[:j]
}

type fakeValidator struct {
	err   error
	seen  string
	calls int
}

func (v *fakeValidator) Validate(path string) error {
	v.calls++
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	v.seen = string(raw)
	return v.err
}

type fakeReloader struct{ calls int }

func (r *fakeReloader) Reload(path string) error {
	r.calls++
	return nil
}

func TestApplier(t *testing.T) {
	logger := logrus.New()

	t.Run("SwapOnValid", func(t *testing.T) {
		active := filepath.Join(t.TempDir(), "Caddyfile")
		require.NoError(t, os.WriteFile(active, []byte("old"), 0644))

		validator := &fakeValidator{}
		reloader := &fakeReloader{}
		a := NewApplier(active, validator, reloader, logger)

		require.NoError(t, a.Apply("new document"))

		raw, err := os.ReadFile(active)
		require.NoError(t, err)
		assert.Equal(t, "new document", string(raw))
		assert.Equal(t, "new document", validator.seen)
		assert.Equal(t, 1, reloader.calls)

		_, err = os.Stat(active + ".staging")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("PreviousDocumentSurvivesRejection", func(t *testing.T) {
		active := filepath.Join(t.TempDir(), "Caddyfile")
		require.NoError(t, os.WriteFile(active, []byte("old"), 0644))

		validator := &fakeValidator{err: errors.New("syntax error")}
		reloader := &fakeReloader{}
		a := NewApplier(active, validator, reloader, logger)

		err := a.Apply("broken document")
		require.Error(t, err)

		raw, readErr := os.ReadFile(active)
		require.NoError(t, readErr)
		assert.Equal(t, "old", string(raw))
		assert.Equal(t, 0, reloader.calls)

		_, statErr := os.Stat(active + ".staging")
		assert.True(t, os.IsNotExist(statErr))
	})
}
