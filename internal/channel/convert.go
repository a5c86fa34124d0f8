package channel

import "github.com/arashi-run/coordinator/internal/corestate"

// toRegisterParams and toHeartbeatParams translate wire messages into the
// corestate parameter structs, shared by both the poll and push server
// bindings so the translation is written exactly once.
func toRegisterParams(msg RegisterMsg) corestate.RegisterWorkerParams {
	return corestate.RegisterWorkerParams{
		WorkerID:   msg.WorkerID,
		Hostname:   msg.Hostname,
		OS:         msg.OS,
		CPUCount:   msg.CPUCount,
		CPUUsage:   msg.CPUUsage,
		RAMTotalMb: msg.RAMTotalMb,
		RAMFreeMb:  msg.RAMFreeMb,
		Version:    msg.Version,
	}
}

func toHeartbeatParams(msg HeartbeatMsg) corestate.HeartbeatParams {
	return corestate.HeartbeatParams{
		WorkerID:   msg.WorkerID,
		CPUUsage:   msg.CPUUsage,
		RAMFreeMb:  msg.RAMFreeMb,
		RAMTotalMb: msg.RAMTotalMb,
		Status:     corestate.WorkerStatus(msg.Status),
	}
}
