package models

import "time"

// Credentials authenticate the bridge against OwenCloud.
type Credentials struct {
	Login    string
	Password string
}

// Reading is the most recent sample of one OwenCloud parameter.
type Reading struct {
	ParameterID string
	Timestamp   int64 // unix seconds
	Value       float64
}

// Time returns the reading timestamp in UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Batch holds the result of one last-data fetch keyed by parameter id.
// A nil entry, or a missing key, means the parameter reported no data.
type Batch map[string]*Reading

// Lookup returns the reading for id and whether one was present.
func (b Batch) Lookup(id string) (Reading, bool) {
	r, ok := b[id]
	if !ok || r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Route maps one OwenCloud parameter to a LERS data parameter of its measure point.
type Route struct {
	ParameterID   string
	DataParameter string
}

// MeasurePoint is a LERS measure point and the parameters routed into it, in table order.
type MeasurePoint struct {
	ID     string
	Routes []Route
}

// DataValue is one named value inside a consumption record.
type DataValue struct {
	DataParameter string  `json:"dataParameter"`
	Value         float64 `json:"value"`
}

// ConsumptionRecord groups the values of one measure point sharing a timestamp.
type ConsumptionRecord struct {
	PointID  string      `json:"-"`
	DateTime string      `json:"dateTime"`
	Values   []DataValue `json:"values"`
}
