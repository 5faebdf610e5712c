// Package owenlers implements a bridge that forwards OwenCloud telemetry
// into LERS consumption archives.
//
// # Architecture
//
// The bridge is structured into several key packages:
//   - api: HTTP clients for OwenCloud (source) and LERS (sink)
//   - regroup: deduplication store and regrouping of readings into records
//   - scheduler: authentication and the fetch, regroup, push cycle
//   - config: YAML configuration, .env secrets and environment overrides
//   - database: optional Postgres journal of push attempts
//   - mirror: optional InfluxDB copy of accepted records
//   - status, metrics, grpc: operator status page, Prometheus metrics and
//     the gRPC health service
//   - models: Shared data structures
//
// Key Features
//
//   - Deduplication:
//     A reading is forwarded only when its timestamp differs from the last
//     one forwarded for the same parameter. State lives in memory, so every
//     current value is forwarded once after a restart.
//
//   - Regrouping:
//     Readings routed to the same measure point and sharing a timestamp are
//     merged into one record, values ordered as configured.
//
//   - Isolation:
//     A failed push for one measure point does not affect the others, and a
//     failed fetch leaves the deduplication state untouched.
//
// Example configuration
//
//	source:
//	  login: ${OWEN_LOGIN}
//	  password: ${OWEN_PASSWORD}
//	sink:
//	  server_url: https://lers.example.com
//	  token: ${LERS_TOKEN}
//	sync:
//	  send_interval: 60
//	measure_points:
//	  - id: "42"
//	    parameters:
//	      - source_id: "1001"
//	        data_parameter: Q_in
//
// For more information about specific packages, see their respective
// documentation.
package owenlers
