// Package telemetry exposes optional Prometheus metrics for the
// client's signed-request and multipart-upload pipelines. No CORE
// API requires it; callers that never read these collectors pay no
// cost beyond the counters' allocation.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts signed HTTP attempts, including retries.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantaclient_requests_total",
			Help: "Total number of signed HTTP requests attempted, including retries",
		},
		[]string{"method", "status_class"},
	)

	// RetriesTotal counts retried attempts, broken out by HTTP method.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantaclient_retries_total",
			Help: "Total number of retried HTTP attempts",
		},
		[]string{"method"},
	)

	// BytesSignedTotal counts bytes covered by Authorization headers
	// produced by the signer (one line per signed header; "date" alone
	// by default).
	BytesSignedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mantaclient_bytes_signed_total",
			Help: "Total number of bytes included in signing strings",
		},
	)

	// ActiveMultipartUploads tracks in-progress MPU sessions held by
	// the encrypted MPU manager.
	ActiveMultipartUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mantaclient_active_multipart_uploads",
			Help: "Number of multipart uploads currently open",
		},
	)

	// MultipartPartsTotal counts parts uploaded, labelled by whether
	// they were client-side encrypted. Only the encrypted MPU manager
	// increments it (encrypted="true"); parts sent directly through
	// mpu.Manager are not counted.
	MultipartPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantaclient_multipart_parts_total",
			Help: "Total number of multipart upload parts sent",
		},
		[]string{"encrypted"},
	)
)
