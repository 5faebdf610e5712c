// Package regroup turns a flat batch of OwenCloud readings into LERS
// consumption records, one delivery per measure point.
//
// Readings are forwarded only when their timestamp differs from the last one
// forwarded for the same parameter. Values of one point that share a
// timestamp are merged into a single record, in route table order.
package regroup

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/owenlers/internal/models"
)

// DateTimeLayout is the ISO-8601 form LERS receives, always with a +00:00 offset.
const DateTimeLayout = "2006-01-02T15:04:05-07:00"

// Policy decides when the store advances relative to the push.
type Policy string

const (
	// AtMostOnce advances the store as soon as a reading is classified as new.
	// A failed push loses the sample.
	AtMostOnce Policy = "at_most_once"
	// AtLeastOnce advances the store only after the push is confirmed.
	// A failed push is retried while the source still reports the sample.
	AtLeastOnce Policy = "at_least_once"
)

// ParsePolicy validates a configured policy name. Empty selects AtMostOnce.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", AtMostOnce:
		return AtMostOnce, nil
	case AtLeastOnce:
		return AtLeastOnce, nil
	default:
		return "", fmt.Errorf("unknown delivery policy: %s", name)
	}
}

// Delivery is the set of new records for one measure point.
type Delivery struct {
	PointID string
	Records []models.ConsumptionRecord

	pending []Advance
}

// Readings returns the number of values carried by the delivery.
func (d Delivery) Readings() int {
	n := 0
	for _, r := range d.Records {
		n += len(r.Values)
	}
	return n
}

// Confirm applies the store updates deferred until the push succeeded.
// It is a no-op under AtMostOnce.
func (d Delivery) Confirm(store *Store) {
	for _, a := range d.pending {
		store.Advance(a.ParameterID, a.Timestamp)
	}
}

// Stats counts how the routes of one cycle were classified.
type Stats struct {
	Forwarded  int
	Duplicates int
	Absent     int
}

// Plan is the outcome of one regrouping pass.
type Plan struct {
	Deliveries []Delivery
	Stats      Stats
}

// Engine regroups batches according to a static route table.
type Engine struct {
	points []models.MeasurePoint
	policy Policy
	logger logrus.FieldLogger
}

// NewEngine creates an engine for the given route table.
func NewEngine(points []models.MeasurePoint, policy Policy, logger logrus.FieldLogger) *Engine {
	if policy == "" {
		policy = AtMostOnce
	}
	return &Engine{
		points: points,
		policy: policy,
		logger: logger,
	}
}

// ParameterIDs lists every routed parameter in table order.
func (e *Engine) ParameterIDs() []string {
	var ids []string
	for _, p := range e.points {
		for _, r := range p.Routes {
			ids = append(ids, r.ParameterID)
		}
	}
	return ids
}

// Policy returns the delivery policy the engine applies.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Process classifies every route against store and builds the deliveries of
// this cycle. Points without new values are left out.
func (e *Engine) Process(batch models.Batch, store *Store) Plan {
	var plan Plan

	for _, point := range e.points {
		d := Delivery{PointID: point.ID}
		index := make(map[string]int)

		for _, route := range point.Routes {
			log := e.logger.WithFields(logrus.Fields{
				"point_id":     point.ID,
				"parameter_id": route.ParameterID,
			})

			reading, ok := batch.Lookup(route.ParameterID)
			if !ok {
				plan.Stats.Absent++
				log.Warn("No data received for parameter")
				continue
			}

			if !store.IsNew(route.ParameterID, reading.Timestamp) {
				plan.Stats.Duplicates++
				log.Debug("No new data for parameter, skipping")
				continue
			}

			if e.policy == AtLeastOnce {
				d.pending = append(d.pending, Advance{
					ParameterID: route.ParameterID,
					Timestamp:   reading.Timestamp,
				})
			} else {
				store.Advance(route.ParameterID, reading.Timestamp)
			}
			plan.Stats.Forwarded++

			dateTime := FormatDateTime(reading.Timestamp)
			i, found := index[dateTime]
			if !found {
				i = len(d.Records)
				index[dateTime] = i
				d.Records = append(d.Records, models.ConsumptionRecord{
					PointID:  point.ID,
					DateTime: dateTime,
				})
			}
			d.Records[i].Values = append(d.Records[i].Values, models.DataValue{
				DataParameter: route.DataParameter,
				Value:         reading.Value,
			})
		}

		if len(d.Records) == 0 {
			e.logger.WithField("point_id", point.ID).Info("No new data to send for measure point")
			continue
		}
		plan.Deliveries = append(plan.Deliveries, d)
	}

	return plan
}

// FormatDateTime renders a unix timestamp the way LERS expects it.
func FormatDateTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(DateTimeLayout)
}
