package recovery

import "github.com/prometheus/client_golang/prometheus"

var (
	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcmu_device_recoveries_total",
			Help: "Number of connection loss recoveries started per device.",
		},
		[]string{"device"},
	)
	reopenAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcmu_device_reopen_attempts_total",
			Help: "Number of backend open attempts made while reopening a device.",
		},
		// result is "ok" or "error"
		[]string{"device", "result"},
	)
	lockStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcmu_device_lock_state",
			Help: "Current lock state per device: 0 unlocked, 1 locking, 2 locked.",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(recoveriesTotal)
	prometheus.MustRegister(reopenAttemptsTotal)
	prometheus.MustRegister(lockStateGauge)
}
