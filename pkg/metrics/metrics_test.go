package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"
)

func value(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	return -1
}

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a custom registry and options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("node"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithConstLabels(map[string]string{"device": "d1"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then the collectors are registered under the namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.samplesAccepted.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)

				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["test_node_samples_accepted_total"], ShouldBeTrue)
			})
		})

		Convey("When creating two managers on separate registries", func() {
			So(func() {
				NewManager(WithPrometheusRegistry(prometheus.NewRegistry()))
				NewManager(WithPrometheusRegistry(prometheus.NewRegistry()))
			}, ShouldNotPanic)
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording capture metrics", func() {
			before := value(globalManager.samplesAccepted)
			RecordSampleAccepted(0.25)
			RecordSampleAccepted(-1)
			RecordSampleRejected()

			Convey("Then the counters move", func() {
				So(value(globalManager.samplesAccepted), ShouldEqual, before+2)
			})
		})

		Convey("When updating queue gauges", func() {
			UpdateQueueCapacity(50)
			UpdateQueueSize(10, 50)

			Convey("Then size and utilization reflect the values", func() {
				So(value(globalManager.queueSize), ShouldEqual, 10)
				So(value(globalManager.queueUtilization), ShouldAlmostEqual, 0.2, 1e-9)
			})
		})

		Convey("When recording flush and upload outcomes", func() {
			So(func() {
				RecordFlush("foreground", "new-data", 12)
				RecordUpload(50, true, 80)
				RecordUpload(50, false, 3000)
				RecordQueuePush()
				RecordQueueSpill()
				RecordQueueRequeue(3)
				RecordDeadLetters(1)
				UpdateSpoolSize(7)
				RecordSpoolError("set")
				UpdateSessionActive(true)
				RecordHTTPRequest("/stats", "GET", "200")
				RecordHTTPRequestDuration("/stats", "GET", "200", 0.01)
				RecordErrorByComponent("uploader", "rejected")
			}, ShouldNotPanic)
			So(value(globalManager.flushCycles.WithLabelValues("foreground", "new-data")), ShouldBeGreaterThanOrEqualTo, 1)
			So(value(globalManager.spoolSize), ShouldEqual, 7)
		})

		Convey("When fetching the registry", func() {
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}
