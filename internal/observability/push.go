package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name for ingestion runs.
const PushJob = "festival_events_etl"

// Push sends the current value of every metric in g to a Prometheus
// Pushgateway, replacing the previous push for the same job.
func Push(ctx context.Context, url string, g prometheus.Gatherer) error {
	if err := push.New(url, PushJob).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
