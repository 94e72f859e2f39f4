package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// InitMetrics initializes metrics. If the passed port is zero, no action is taken. Otherwise,
// the function creates all the ocisync metrics and registers them for availability at the
// passed port number under the '/metrics' path. Then it starts an HTTP server to serve the
// metrics. The go runtime and process metrics come with the default prometheus registry.
func InitMetrics(port int) {
	if port == 0 {
		return
	}
	addOcisyncMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			log.Errorf("metrics server stopped: %s", err)
		}
	}()
}
