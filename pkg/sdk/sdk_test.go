package sdk_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/internal/ingest"
	"github.com/celerix-dev/marauder/internal/intent"
	"github.com/celerix-dev/marauder/internal/policy"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/internal/server"
	"github.com/celerix-dev/marauder/internal/vault"
	"github.com/celerix-dev/marauder/pkg/schema"
	"github.com/celerix-dev/marauder/pkg/sdk"
)

type daemon struct {
	addr     string
	ingestor *ingest.Ingestor
	store    *engine.MemStore
}

func startDaemon(t *testing.T, withTLS bool) *daemon {
	t.Helper()
	c, err := campus.Load("../../configs/campus.example.yaml", schema.PrivacyPublic)
	require.NoError(t, err)

	store := engine.NewMemStore(100)
	gate, err := policy.NewGate(c.Policies, c.Consents)
	require.NoError(t, err)
	dir := directory.New(c.Users)
	eng := query.New(store, gate, dir, c.Buildings, query.DefaultConfig(), nil)
	ing := ingest.New(store, gate, c.Buildings)

	router := server.NewRouter(ing, intent.New(eng, dir, intent.WithLatency(0)), nil)
	if withTLS {
		cert, err := vault.GenerateSelfSignedCert()
		require.NoError(t, err)
		router.SetCertificate(cert)
	}
	go router.Listen("0")
	t.Cleanup(func() { router.Stop() })

	require.Eventually(t, func() bool { return router.Addr() != nil }, 2*time.Second, 20*time.Millisecond)
	return &daemon{addr: router.Addr().String(), ingestor: ing, store: store}
}

func TestClientRoundTrip(t *testing.T) {
	d := startDaemon(t, false)

	client, err := sdk.Connect(d.addr)
	require.NoError(t, err)
	defer client.Close()

	var _ sdk.Marauder = client

	require.NoError(t, client.Ping())

	require.NoError(t, client.Report(schema.LocationReport{UserID: "1", Building: "library", Room: "Study Hall A", X: 1, Y: 2}))
	require.NoError(t, client.Report(schema.LocationReport{UserID: "3", Building: "Library", Room: "Study Hall A"}))
	assert.Equal(t, 2, d.ingestor.Pending())
	d.ingestor.Flush()
	assert.Equal(t, 2, d.store.Len())

	// User 3 is stored but has not consented, so only Alice is visible.
	resp, err := client.Ask(schema.Actor{ID: "2", Role: schema.RoleTeacher}, "Who is in the library?")
	require.NoError(t, err)
	assert.Equal(t, intent.IntentLibraryOccupants, resp.Intent)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Alice Johnson", resp.Results[0].Title)
}

func TestClientTLS(t *testing.T) {
	d := startDaemon(t, true)

	client, err := sdk.Connect(d.addr, sdk.WithTLS(true))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping())
}

func TestClientRemoteErrors(t *testing.T) {
	d := startDaemon(t, false)

	client, err := sdk.Connect(d.addr)
	require.NoError(t, err)
	defer client.Close()

	err = client.Report(schema.LocationReport{Building: "Library"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdk.ErrRemote))

	_, err = client.Ask(schema.Actor{ID: "x", Role: "wizard"}, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdk.ErrRemote))

	_, err = client.Ask(schema.Actor{ID: "with space", Role: schema.RoleAdmin}, "hello")
	assert.Error(t, err)

	// The connection survives remote errors.
	assert.NoError(t, client.Ping())
}

func TestConnectFailure(t *testing.T) {
	_, err := sdk.Connect("127.0.0.1:1", sdk.WithDialTimeout(200*time.Millisecond))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	d := startDaemon(t, false)
	t.Setenv("MARAUDER_ADDR", d.addr)
	t.Setenv("MARAUDER_DISABLE_TLS", "true")

	client, err := sdk.FromEnv()
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping())
}

func TestMetadataValue(t *testing.T) {
	type route struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	r := schema.QueryResult{Metadata: schema.Metadata{}.
		Add("visits", 3).
		Add("route", map[string]any{"from": "Library", "to": "Engineering"}).
		Add("percent", float64(42))}

	visits, err := sdk.MetadataValue[int](r, "visits")
	require.NoError(t, err)
	assert.Equal(t, 3, visits)

	got, err := sdk.MetadataValue[route](r, "route")
	require.NoError(t, err)
	assert.Equal(t, route{From: "Library", To: "Engineering"}, got)

	// JSON numbers arrive as float64 and convert to int.
	pct, err := sdk.MetadataValue[int](r, "percent")
	require.NoError(t, err)
	assert.Equal(t, 42, pct)

	_, err = sdk.MetadataValue[string](r, "missing")
	assert.Error(t, err)
}
