package modkernel

import (
	"os"
	"time"
)

// Names of the services the kernel registers for modules.
const (
	ServiceArgs          = "kernel.args"
	ServicePause         = "kernel.pause"
	ServiceIntrospection = "kernel.introspection"
	ServiceIdentity      = "kernel.identity"
	ServiceStopForce     = "kernel.stop.force"
)

// Args holds the process command line arguments handed to the kernel.
type Args struct {
	Values []string
}

// ProcessIdentity describes the running process. It is created at launch
// and published as the kernel.identity service.
type ProcessIdentity struct {
	ProcessID string    `yaml:"processId" json:"processId"`
	PID       int       `yaml:"pid" json:"pid"`
	UID       int       `yaml:"uid" json:"uid"`
	GID       int       `yaml:"gid" json:"gid"`
	Hostname  string    `yaml:"hostname" json:"hostname"`
	StartedAt time.Time `yaml:"startedAt" json:"startedAt"`
}

func newProcessIdentity(processID string) ProcessIdentity {
	hostname, _ := os.Hostname()
	return ProcessIdentity{
		ProcessID: processID,
		PID:       os.Getpid(),
		UID:       os.Getuid(),
		GID:       os.Getgid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	}
}

// ForceStop is registered as the kernel.stop.force service when a forced
// stop is requested. Modules may look for it while stopping to skip slow
// cleanup.
type ForceStop struct {
	RequestedAt time.Time
}
