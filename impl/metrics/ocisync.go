package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These are the metrics functions exposed by the package. By default they are all
// NOP functions to minimize overhead when metrics are not enabled. The 'addOcisyncMetrics'
// function initializes these with functions having implementations if metrics are
// enabled.

var IncBlobsTransferred noLabel = func() {}
var AddBlobBytes delta = func(float64) {}
var IncBlobsSkipped noLabel = func() {}
var IncManifestsPut noLabel = func() {}
var IncImagesSkipped noLabel = func() {}
var IncCopyFailures noLabel = func() {}
var IncTokenRequests noLabel = func() {}
var IncRegistryRequests withLabel = func(string) {}
var SetWorkersBusy gauge = func(float64) {}

type withLabel func(string)
type noLabel func()
type delta func(float64)
type gauge func(float64)

const (
	blobs_transferred_total = "blobs_transferred_total"
	blob_bytes_total        = "blob_bytes_total"
	blobs_skipped_total     = "blobs_skipped_total"
	manifests_put_total     = "manifests_put_total"
	images_skipped_total    = "images_skipped_total"
	copy_failures_total     = "copy_failures_total"
	token_requests_total    = "token_requests_total"
	registry_requests_total = "registry_requests_total"
	workers_busy            = "workers_busy"
	status_label            = "status"
	namespace               = "ocisync"
)

// addOcisyncMetrics creates all the ocisync metrics and registers them with the
// prometheus library. It also assigns a function to actually implement the metric.
// Unless this function is called, all the metric functions exposed by the package
// will be NOP functions.
func addOcisyncMetrics() {
	blobsTransferred := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      blobs_transferred_total,
			Namespace: namespace,
			Help:      "Total count of blobs copied from a source to a destination",
		},
	)
	IncBlobsTransferred = func() {
		blobsTransferred.Add(1)
	}

	///
	blobBytes := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      blob_bytes_total,
			Namespace: namespace,
			Help:      "Total bytes of blob content copied",
		},
	)
	AddBlobBytes = func(delta float64) {
		blobBytes.Add(delta)
	}

	///
	blobsSkipped := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      blobs_skipped_total,
			Namespace: namespace,
			Help:      "Total count of blobs not copied because the destination already had them",
		},
	)
	IncBlobsSkipped = func() {
		blobsSkipped.Add(1)
	}

	///
	manifestsPut := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      manifests_put_total,
			Namespace: namespace,
			Help:      "Total count of manifests and manifest lists put to a destination",
		},
	)
	IncManifestsPut = func() {
		manifestsPut.Add(1)
	}

	///
	imagesSkipped := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      images_skipped_total,
			Namespace: namespace,
			Help:      "Total count of image manifests skipped because the destination was up to date",
		},
	)
	IncImagesSkipped = func() {
		imagesSkipped.Add(1)
	}

	///
	copyFailures := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      copy_failures_total,
			Namespace: namespace,
			Help:      "Total count of failed image or platform copies",
		},
	)
	IncCopyFailures = func() {
		copyFailures.Add(1)
	}

	///
	tokenRequests := promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      token_requests_total,
			Namespace: namespace,
			Help:      "Total count of auth challenges answered",
		},
	)
	IncTokenRequests = func() {
		tokenRequests.Add(1)
	}

	///
	registryRequests := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      registry_requests_total,
			Namespace: namespace,
			Help:      "Total registry requests by status class (2xx, 4xx, etc.)",
		},
		[]string{status_label},
	)
	IncRegistryRequests = func(status string) {
		registryRequests.With(prometheus.Labels{status_label: status}).Add(1)
	}

	///
	workersBusy := promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      workers_busy,
			Namespace: namespace,
			Help:      "Number of pool workers running a task",
		},
	)
	SetWorkersBusy = func(n float64) {
		workersBusy.Set(n)
	}
}
