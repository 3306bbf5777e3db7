// Package telemetry names the metrics emitted by the relay and provides
// the in-memory sink served on the metrics listener.
package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

var (
	MetricClaimCount          = []string{"piping", "claim", "count"}
	MetricClaimConflictCount  = []string{"piping", "claim", "conflict", "count"}
	MetricPairingTimeoutCount = []string{"piping", "pairing", "timeout", "count"}
	MetricPairingLeaveCount   = []string{"piping", "pairing", "leave", "count"}
	MetricPathsActive         = []string{"piping", "paths", "active"}
	MetricTransferCount       = []string{"piping", "transfer", "count"}
	MetricTransferBytes       = []string{"piping", "transfer", "bytes"}
	MetricTransferErrorCount  = []string{"piping", "transfer", "error", "count"}
	MetricReceiverDropCount   = []string{"piping", "receiver", "dropped", "count"}
	MetricTransferDuration    = []string{"piping", "transfer", "duration"}
	MetricBuffersInUse        = []string{"piping", "buffers", "in_use"}
	MetricRequestRejectCount  = []string{"piping", "request", "rejected", "count"}
)

// Label is a key shared by metric labels and log fields.
type Label string

var (
	LabelRole    Label = "role"
	LabelReason  Label = "reason"
	LabelOutcome Label = "outcome"
	LabelPath    Label = "path"
)

// M builds a metric label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// Z builds a zap field.
func (lab Label) Z(val any) zap.Field {
	return zap.Any(string(lab), val)
}

// NewInmemSink keeps interval-aggregated metrics for retain.
func NewInmemSink() *metrics.InmemSink {
	return metrics.NewInmemSink(10*time.Second, time.Minute)
}

// Handler serves the current contents of sink as JSON.
func Handler(sink *metrics.InmemSink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		summary, err := sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})
}

// Discard is a sink for components built without metrics.
func Discard() metrics.MetricSink {
	return &metrics.BlackholeSink{}
}
