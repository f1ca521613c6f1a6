package cachestats

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// numericKeys 为需要导出为 gauge 的统计键。
var numericKeys = map[string]string{
	"cache-usage-estimation":       "Estimated bytes used by the cache directory.",
	"cache-usage-ratio-estimation": "Estimated cache usage relative to the configured size.",
	"cleanup-count":                "Number of cache cleanups performed.",
	"last-cleanup-time":            "Unix time of the last cache cleanup.",
	"current-copy-count":           "Downloads currently being copied into the cache.",
	"finished-copy-count":          "Downloads that finished or were cancelled.",
	"cancelled-copy-count":         "Downloads cancelled before completion.",
	"mean-copy-ratio":              "Mean fraction of each download copied into the cache.",
	"mean-bytes-copied":            "Mean bytes copied per download.",
	"cache-hit-count":              "Opens served from the cache, temp hits included.",
	"temp-hit-count":               "Opens attached to an in-progress download.",
	"cache-miss-count":             "Opens that required a new download.",
	"cache-outdate-count":          "Cached files found modified at the origin.",
	"cache-read-ratio":             "Fraction of bytes read from the cache.",
}

// PrometheusUpdater 把统计键映射为 <namespace>_<key> gauge。
type PrometheusUpdater struct {
	gauges   map[string]prometheus.Gauge
	provider *prometheus.GaugeVec
}

// NewPrometheusUpdater 在 reg 上注册全部 gauge。
func NewPrometheusUpdater(reg prometheus.Registerer, namespace string) (*PrometheusUpdater, error) {
	u := &PrometheusUpdater{
		gauges: make(map[string]prometheus.Gauge, len(numericKeys)),
		provider: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_info",
			Help:      "Name of the file provider exporting these statistics.",
		}, []string{"name"}),
	}
	if err := reg.Register(u.provider); err != nil {
		return nil, err
	}
	for key, help := range numericKeys {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(key),
			Help:      help,
		})
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		u.gauges[key] = g
	}
	return u, nil
}

func metricName(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}

// Update 实现 Updater，未知键与非数值被忽略。
func (u *PrometheusUpdater) Update(key string, value any) {
	if key == "provider-name" {
		if name, ok := value.(string); ok {
			u.provider.Reset()
			u.provider.WithLabelValues(name).Set(1)
		}
		return
	}
	g, ok := u.gauges[key]
	if !ok {
		return
	}
	if f, ok := toFloat(value); ok {
		g.Set(f)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case time.Time:
		if v.IsZero() {
			return 0, true
		}
		return float64(v.UnixNano()) / float64(time.Second), true
	default:
		return 0, false
	}
}
