package tcmu

import "github.com/prometheus/client_golang/prometheus"

var scsiCommandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tcmu_scsi_commands_total",
		Help: "Number of SCSI commands handled, by opcode and completion status.",
	},
	[]string{"opcode", "status"},
)

func init() {
	prometheus.MustRegister(scsiCommandsTotal)
}
