package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/crawlers"
	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// siteDriver 模拟站点: 分类第1、2页满页,第3页5个商品
type siteDriver struct {
	mu      sync.Mutex
	current string
	closed  bool
}

func (d *siteDriver) Navigate(_ context.Context, target, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("浏览器已关闭")
	}
	d.current = target
	return nil
}

func (d *siteDriver) ReadyState(context.Context) (string, error) { return "complete", nil }
func (d *siteDriver) ElementCount(context.Context) (int, error) { return 10, nil }
func (d *siteDriver) Viewport(context.Context) (float64, float64, error) { return 1280, 800, nil }
func (d *siteDriver) Scroll(context.Context, float64, int) error { return nil }
func (d *siteDriver) MoveMouse(context.Context, float64, float64) error { return nil }
func (d *siteDriver) ResetState(context.Context) error { return nil }

func (d *siteDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *siteDriver) Snapshot(context.Context) (crawlers.PageSnapshot, error) {
	d.mu.Lock()
	target := d.current
	d.mu.Unlock()

	u, err := url.Parse(target)
	if err != nil {
		return crawlers.PageSnapshot{}, err
	}
	page, _ := strconv.Atoi(u.Query().Get("page"))
	if page == 0 {
		return crawlers.PageSnapshot{URL: target, Title: "Shop", HTML: "<html><body>home</body></html>"}, nil
	}

	n := 40
	if page >= 3 {
		n = 5
	}
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"usItemId":           fmt.Sprintf("%s-%d-%d", u.Query().Get("stores"), page, i),
			"name":               fmt.Sprintf("item %d", i),
			"canonicalUrl":       fmt.Sprintf("/ip/%d", i),
			"availabilityStatus": "IN_STOCK",
			"priceInfo":          map[string]any{"currentPrice": map[string]any{"price": 1.25}},
		}
	}
	data, _ := json.Marshal(map[string]any{
		"props": map[string]any{"pageProps": map[string]any{"initialData": map[string]any{
			"searchResult": map[string]any{
				"itemStacks":   []any{map[string]any{"itemsV2": items}},
				"paginationV2": map[string]any{"maxPage": 3},
			},
		}}},
	})
	html := fmt.Sprintf(`<html><head><title>Browse</title></head><body><script id="__NEXT_DATA__" type="application/json">%s</script></body></html>`, data)
	return crawlers.PageSnapshot{URL: target, Title: "Browse", HTML: html}, nil
}

type siteFactory struct {
	mu       sync.Mutex
	launches int
}

func (f *siteFactory) Launch(context.Context, models.ProxySnapshot) (crawlers.Driver, error) {
	f.mu.Lock()
	f.launches++
	f.mu.Unlock()
	return &siteDriver{}, nil
}

func writeSeeds(t *testing.T, dir string) (stores, categories, proxiesFile string) {
	t.Helper()
	stores = filepath.Join(dir, "stores.jsonl")
	require.NoError(t, os.WriteFile(stores, []byte(
		`{"store_id":"100","name":"A"}`+"\n"+`{"store_id":"200","name":"B"}`+"\n"+`{"store_id":"300","name":"C"}`+"\n"), 0644))
	categories = filepath.Join(dir, "categories.json")
	require.NoError(t, os.WriteFile(categories, []byte(
		`[{"name":"snacks","path":"/browse/snacks/1"},{"name":"drinks","path":"/browse/drinks/2"}]`), 0644))
	proxiesFile = filepath.Join(dir, "proxies.json")
	require.NoError(t, os.WriteFile(proxiesFile, []byte(`{"proxies":[
  {"address":"http://10.0.0.1:8080","type":"residential","location":{"country":"US","isp":"Comcast"}},
  {"address":"http://10.0.0.2:8080","type":"mobile","location":{"country":"US","isp":"T-Mobile"}},
  {"ip":"10.0.0.3","port":3128,"location":{"country":"US","isp":"Charter"}}
]}`), 0644))
	return stores, categories, proxiesFile
}

func fastConfig(t *testing.T, dir string) *Config {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	stores, categories, proxiesFile := writeSeeds(t, dir)
	cfg.MergeCLIFlags(CLIFlags{
		StoresFile:        stores,
		CategoriesFile:    categories,
		ProxiesFile:       proxiesFile,
		OutputDir:         filepath.Join(dir, "out"),
		PoolSize:          2,
		MaxParallelStores: 2,
		Workers:           2,
	})
	cfg.Scheduler.BaseURL = "https://shop.test"
	cfg.Executor.HomeURL = "https://shop.test/"
	cfg.Executor.ReadyPollInterval = time.Millisecond
	cfg.Executor.InteractionEnabled = false
	cfg.Scheduler.IdleInterval = 10 * time.Millisecond
	cfg.Pool.ReplacementDelay = 10 * time.Millisecond
	cfg.Pool.ShutdownGrace = 100 * time.Millisecond
	cfg.Output.SQLite = true
	cfg.Resource.Enabled = false
	cfg.Backoff = models.BackoffConfig{
		Transient: models.RetryBackoff{Multiplier: 1},
		Bot:       models.RetryBackoff{Multiplier: 1},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestHarvesterRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := fastConfig(t, dir)
	factory := &siteFactory{}

	summary, err := NewHarvester(cfg, WithDriverFactory(factory)).Run(context.Background())
	require.NoError(t, err)

	// 3个门店 × 2个分类 × 3页
	assert.Equal(t, 3, summary.Scheduler.StoresCompleted)
	assert.Equal(t, 18, summary.Scheduler.TasksSucceeded)
	assert.Equal(t, 3*2*(40+40+5), summary.Scheduler.Records)
	assert.LessOrEqual(t, summary.Scheduler.PeakActive, 2)
	assert.Equal(t, 3, summary.Proxies.TotalProxies)
	assert.Positive(t, summary.Proxies.TotalSuccesses)
	assert.Equal(t, 2, summary.Sessions.Size)
	assert.Zero(t, summary.Sessions.Live())

	matches, err := filepath.Glob(filepath.Join(dir, "out", "products_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, summary.Scheduler.Records, lines)

	reports, err := filepath.Glob(filepath.Join(dir, "out", "reports", "run_*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.FileExists(t, filepath.Join(dir, "out", "products.db"))
}

func TestHarvesterMissingSeeds(t *testing.T) {
	dir := t.TempDir()
	cfg := fastConfig(t, dir)
	cfg.Seeds.StoresFile = filepath.Join(dir, "nope.jsonl")

	_, err := NewHarvester(cfg, WithDriverFactory(&siteFactory{})).Run(context.Background())
	assert.Error(t, err)
}
