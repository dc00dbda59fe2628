package config_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"

	"github.com/jonwraymond/brokeragg/cache"
	"github.com/jonwraymond/brokeragg/config"
	"github.com/jonwraymond/brokeragg/upstream"
)

const sample = `
service:
  name: brokeragg-test
upstream:
  fetchTimeout: 12s
  defaultCurrency: USD
cache:
  maxEntries: 500
  ttls:
    orders: 30s
rateLimit:
  window: 90s
  requestLimit: -1
  upstreamLimit: 20
breaker:
  maxFailures: 4
batch:
  window: 25ms
sync:
  enabled: true
  interval: 2m
  owner: alice
  accounts:
    - scope: isa
      apiKey: ${TEST_ISA_KEY}
      currency: GBP
    - scope: demo
      apiKey: literal$$key
      practice: true
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokeragg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	c := config.Default()
	require.NoError(t, c.Validate())

	agg := c.AggregatorConfig()
	assert.Equal(t, time.Minute, agg.Window)
	assert.Equal(t, 30.0, agg.RequestLimit)
	assert.Equal(t, "GBP", agg.DefaultCurrency)
	assert.Equal(t, 2*time.Minute, agg.Cache.TTLs[cache.DataAccount])
	assert.Equal(t, 3, agg.Breaker.MaxFailures)
	assert.Equal(t, 45*time.Second, agg.Breaker.TimeoutCooldown)
	assert.Equal(t, 8*time.Second, agg.Batch.CallTimeout)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_ISA_KEY", "isa-secret")

	c, err := config.Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "brokeragg-test", c.Service.Name)
	assert.Equal(t, 500, c.Cache.MaxEntries)
	assert.Equal(t, 30*time.Second, c.Cache.TTLs["orders"])
	assert.Equal(t, 90*time.Second, c.RateLimit.Window)
	assert.Equal(t, 4, c.Breaker.MaxFailures)
	assert.Equal(t, 5, c.Breaker.MaxTimeoutFailures, "omitted fields keep defaults")
	assert.Equal(t, 25*time.Millisecond, c.Batch.Window)

	require.Len(t, c.Sync.Accounts, 2)
	isa, ok := c.Account("isa")
	require.True(t, ok)
	assert.Equal(t, "isa-secret", isa.APIKey)
	demo, ok := c.Account("demo")
	require.True(t, ok)
	assert.Equal(t, "literal$key", demo.APIKey)
	assert.True(t, demo.Practice)

	agg := c.AggregatorConfig()
	assert.True(t, math.IsInf(agg.RequestLimit, 1), "negative limit means unbounded")
	assert.Equal(t, 20.0, agg.UpstreamLimit)
	assert.Equal(t, 12*time.Second, agg.FetchTimeout)
	assert.Equal(t, "USD", agg.DefaultCurrency)
	assert.Equal(t, 30*time.Second, agg.Cache.TTLs[cache.DataOrders])
}

func TestLoad_MissingEnv(t *testing.T) {
	_, err := config.Load(writeFile(t, sample))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_ISA_KEY")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.ErrReadFailed.Error())
}

func TestParse_Malformed(t *testing.T) {
	_, err := config.Parse([]byte("service: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.ErrParseFailed.Error())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"empty service name", func(c *config.Config) { c.Service.Name = "" }, "service.name"},
		{"unknown ttl type", func(c *config.Config) { c.Cache.TTLs["quotes"] = time.Second }, "cache.ttls"},
		{"zero ttl", func(c *config.Config) { c.Cache.TTLs["summary"] = 0 }, "cache.ttls.summary"},
		{"evict fraction", func(c *config.Config) { c.Cache.EvictFraction = 1.5 }, "cache.evictFraction"},
		{"zero request limit", func(c *config.Config) { c.RateLimit.RequestLimit = 0 }, "rateLimit.requestLimit"},
		{"call timeout above fetch timeout", func(c *config.Config) { c.Batch.CallTimeout = time.Minute }, "batch.callTimeout"},
		{"sync without owner", func(c *config.Config) {
			c.Sync.Enabled = true
			c.Sync.Owner = ""
		}, "sync.owner"},
		{"account without key", func(c *config.Config) {
			c.Sync.Accounts = []upstream.Credentials{{Scope: "nokey"}}
		}, "sync.accounts"},
		{"bad log level", func(c *config.Config) { c.Observe.Logging.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("PRESENT", "ok")
	t.Setenv("X", "y")

	out, err := config.ExpandEnvStrict("a=${PRESENT} b=$X c=$$${X}")
	require.NoError(t, err)
	assert.Equal(t, "a=ok b=y c=$y", out)

	_, err = config.ExpandEnvStrict("${PRESENT} ${MISSING_B} ${MISSING_A} ${MISSING_A}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING_A, MISSING_B")
}


func TestValidate_Metadata(t *testing.T) {
	c := config.Default()
	c.Sync.Accounts = []upstream.Credentials{
		{Scope: "isa", APIKey: "a"},
		{Scope: "isa", APIKey: "b"},
	}

	err := c.Validate()
	require.Error(t, err)
	zErr, ok := err.(*zerr.Error)
	require.True(t, ok, "expected *zerr.Error, got %T", err)
	assert.Equal(t, "sync.accounts.scope", zErr.Metadata()["field"])
}
