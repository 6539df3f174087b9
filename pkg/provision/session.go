package provision

import (
	"github.com/dropguard/dropguard/pkg/cloud"
	sshx "github.com/dropguard/dropguard/pkg/transports/ssh"
)

// Stage names the states of the provisioning state machine.
type Stage string

const (
	StageRequesting        Stage = "requesting"
	StageWaitingActive     Stage = "waiting_active"
	StageWaitingReachable  Stage = "waiting_reachable"
	StageWaitingConfigured Stage = "waiting_configured"
	StageRetrieving        Stage = "retrieving"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

// session is the run's aggregate state. It is owned exclusively by the
// orchestrator, created at run start and discarded at run end. Only the most
// recent resource snapshot is kept; status is expected to change between
// polls.
type session struct {
	stage    Stage
	resource cloud.ResourceState
	shell    sshx.Session
}

// advance moves the session to the next stage.
func (s *session) advance(next Stage) {
	s.stage = next
}

// closeShell releases the shell session if one is open. Safe to call when no
// session was ever established.
func (s *session) closeShell() {
	if s.shell != nil {
		_ = s.shell.Close()
		s.shell = nil
	}
}

// Result is the successful outcome of a provisioning run.
type Result struct {
	// ResourceID is the provider identifier of the created resource.
	ResourceID string

	// Address is the resource's public network address.
	Address string

	// ArtifactPath is the local path of the retrieved artifact.
	ArtifactPath string

	// ArtifactBytes is the size of the retrieved artifact.
	ArtifactBytes int64
}
