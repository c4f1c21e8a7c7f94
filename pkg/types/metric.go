package types

import (
	"sort"
	"strings"
	"time"
)

// MetricKind classifies how a metric value accumulates.
type MetricKind string

const (
	// MetricCounter accumulates by addition and never decreases.
	MetricCounter MetricKind = "counter"

	// MetricGauge holds the latest observed value.
	MetricGauge MetricKind = "gauge"

	// MetricHistogram accumulates count and sum of observed samples.
	MetricHistogram MetricKind = "histogram"
)

// Metric is a named, optionally tagged numeric value in the metrics store.
// Written exclusively by the metrics worker.
type Metric struct {
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags,omitempty"`
	Kind      MetricKind        `json:"kind"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count"`
	Sum       float64           `json:"sum"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TagKey returns the canonical encoding of a tag set, with keys sorted so the
// same logical tags always produce the same storage key.
func TagKey(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// ParseTagKey decodes a canonical tag key back into a tag map. An empty key
// yields nil.
func ParseTagKey(key string) map[string]string {
	if key == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, pair := range strings.Split(key, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		tags[k] = v
	}
	return tags
}
