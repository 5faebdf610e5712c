// Package mirror copies records accepted by LERS into InfluxDB.
package mirror

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tejusbharadwaj/owenlers/internal/models"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
)

// Measurement is the InfluxDB measurement the mirror writes to.
const Measurement = "consumption"

// InfluxMirror writes one point per data value.
type InfluxMirror struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// NewInfluxMirror connects to the InfluxDB v2 server at url.
func NewInfluxMirror(url, token, org, bucket string) *InfluxMirror {
	client := influxdb2.NewClient(url, token)
	return &InfluxMirror{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
	}
}

// Write stores the records of one measure point.
func (m *InfluxMirror) Write(ctx context.Context, pointID string, records []models.ConsumptionRecord) error {
	points, err := toPoints(pointID, records)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	if err := m.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write for point %s: %w", pointID, err)
	}
	return nil
}

// Close releases the client.
func (m *InfluxMirror) Close() {
	m.client.Close()
}

func toPoints(pointID string, records []models.ConsumptionRecord) ([]*write.Point, error) {
	var points []*write.Point
	for _, r := range records {
		ts, err := time.Parse(regroup.DateTimeLayout, r.DateTime)
		if err != nil {
			return nil, fmt.Errorf("invalid record time %q: %w", r.DateTime, err)
		}
		for _, v := range r.Values {
			points = append(points, influxdb2.NewPoint(
				Measurement,
				map[string]string{
					"point_id":       pointID,
					"data_parameter": v.DataParameter,
				},
				map[string]interface{}{"value": v.Value},
				ts,
			))
		}
	}
	return points, nil
}
