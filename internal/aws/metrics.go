package aws

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metrics publishes counters to CloudWatch. Publishing is best effort: errors are
// logged and never returned, a metrics outage must not affect payment handling.
type Metrics struct {
	CW        CloudWatchAPI
	Namespace string
	nowFunc   func() time.Time
}

// NewMetrics returns a Metrics publisher for namespace.
func NewMetrics(cw CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{CW: cw, Namespace: namespace, nowFunc: time.Now}
}

// Count records a single occurrence of name with the given dimensions.
func (m *Metrics) Count(ctx context.Context, name string, dimensions map[string]string) {
	if m == nil || m.CW == nil {
		return
	}
	dims := make([]cwtypes.Dimension, 0, len(dimensions))
	for k, v := range dimensions {
		dims = append(dims, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}
	one := 1.0
	now := m.nowFunc()
	_, err := m.CW.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.Namespace,
		MetricData: []cwtypes.MetricDatum{{
			MetricName: awsString(name),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      &one,
			Timestamp:  &now,
		}},
	})
	if err != nil {
		log.Printf("[metrics] put %s failed: %v", name, err)
	}
}
