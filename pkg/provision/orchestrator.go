package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/dropguard/dropguard/pkg/cloud"
	sshx "github.com/dropguard/dropguard/pkg/transports/ssh"
)

// readyPattern matches the completion marker cloud-init appends to its
// output log when the boot-time configuration process has finished.
var readyPattern = regexp.MustCompile(`Cloud-init .*finished at`)

// StagePolicy is the wait policy for one polling stage: a fixed sleep
// between polls and a wall-clock ceiling for the whole stage.
type StagePolicy struct {
	Interval time.Duration
	Ceiling  time.Duration
}

// Config holds the orchestrator's per-stage policies. Each layer becomes
// ready on its own schedule, so the three wait stages are tuned
// independently.
type Config struct {
	// CreateAttempts bounds retries of the creation request on transient
	// provider failures.
	CreateAttempts uint

	// CreateBackoff is the initial backoff interval between creation
	// attempts; subsequent intervals grow exponentially.
	CreateBackoff time.Duration

	// Active is the policy for waiting on the provider to report the
	// resource active.
	Active StagePolicy

	// Reachable is the policy for waiting on the shell service to accept
	// connections.
	Reachable StagePolicy

	// Configured is the policy for waiting on boot-time self-configuration
	// to complete.
	Configured StagePolicy

	// ProbeCommand is the idempotent readiness probe run over the shell
	// session; its stdout is matched against the completion marker.
	ProbeCommand string

	// ArtifactPath is the remote path of the generated artifact.
	ArtifactPath string

	// OutputPath is the local destination for the artifact.
	OutputPath string
}

// DefaultConfig returns the stock policies: quick polls against the
// infrastructure API, slower polls against the booting host, and a generous
// ceiling for package installation during self-configuration.
func DefaultConfig() Config {
	return Config{
		CreateAttempts: 4,
		CreateBackoff:  2 * time.Second,
		Active:         StagePolicy{Interval: 5 * time.Second, Ceiling: 5 * time.Minute},
		Reachable:      StagePolicy{Interval: 10 * time.Second, Ceiling: 5 * time.Minute},
		Configured:     StagePolicy{Interval: 10 * time.Second, Ceiling: 15 * time.Minute},
		ProbeCommand:   "tail -n 1 /var/log/cloud-init-output.log",
		ArtifactPath:   "/etc/wireguard/wg0-client.conf",
		OutputPath:     "dropguard.conf",
	}
}

// Orchestrator sequences the provisioning run. It owns all polling, backoff
// and timeout logic; the client and dialer it drives perform single attempts.
type Orchestrator struct {
	client cloud.Client
	dialer sshx.Dialer
	cfg    Config
}

// New creates an orchestrator driving the given provider client and shell
// dialer.
func New(client cloud.Client, dialer sshx.Dialer, cfg Config) *Orchestrator {
	return &Orchestrator{client: client, dialer: dialer, cfg: cfg}
}

// errStageTimeout signals a stage ceiling was exceeded; Run maps it to the
// timeout classification.
var errStageTimeout = errors.New("stage wait ceiling exceeded")

// Run executes one provisioning run: create the resource described by spec,
// wait through the readiness layers, and retrieve the artifact. The shell
// credentials are completed with the resource's address once known. On
// failure the returned error is always an *Error naming the stage, the
// classification, and the dangling resource identifier when one exists.
func (o *Orchestrator) Run(ctx context.Context, spec cloud.ResourceSpec, shellCfg *sshx.Config) (*Result, error) {
	sess := &session{stage: StageRequesting}
	defer sess.closeShell()

	fail := func(kind Kind, err error) error {
		if ctx.Err() != nil {
			kind = KindCancelled
			if err == nil {
				err = ctx.Err()
			}
		}
		ferr := &Error{Stage: sess.stage, Kind: kind, ResourceID: sess.resource.ID, Err: err}
		sess.advance(StageFailed)
		log.Error().
			Str("stage", string(ferr.Stage)).
			Str("kind", string(ferr.Kind)).
			Str("resource_id", ferr.ResourceID).
			Err(err).
			Msg("provisioning failed")
		return ferr
	}

	// REQUESTING
	if err := ctx.Err(); err != nil {
		return nil, fail(KindCancelled, err)
	}
	state, err := o.requestResource(ctx, spec)
	if err != nil {
		return nil, fail(kindFromCloud(err), err)
	}
	sess.resource = state
	sess.advance(StageWaitingActive)
	log.Info().Str("resource_id", state.ID).Msg("resource requested, waiting for it to become active")

	// WAITING_ACTIVE
	if err := o.waitActive(ctx, sess); err != nil {
		return nil, fail(classifyWaitErr(err, kindFromCloud), err)
	}
	sess.advance(StageWaitingReachable)
	log.Info().
		Str("resource_id", sess.resource.ID).
		Str("address", sess.resource.PublicAddress).
		Msg("resource active, waiting for shell service")

	// WAITING_REACHABLE
	shellCfg.Host = sess.resource.PublicAddress
	if err := o.waitReachable(ctx, sess, shellCfg); err != nil {
		return nil, fail(classifyWaitErr(err, kindFromTransport), err)
	}
	sess.advance(StageWaitingConfigured)
	log.Info().Str("resource_id", sess.resource.ID).Msg("shell reachable, waiting for self-configuration")

	// WAITING_CONFIGURED
	if err := o.waitConfigured(ctx, sess); err != nil {
		return nil, fail(classifyWaitErr(err, kindFromTransport), err)
	}
	sess.advance(StageRetrieving)
	log.Info().Str("resource_id", sess.resource.ID).Msg("self-configuration complete, retrieving artifact")

	// RETRIEVING
	written, err := o.retrieve(ctx, sess)
	if err != nil {
		return nil, fail(kindFromTransport(err), err)
	}
	sess.advance(StageDone)

	result := &Result{
		ResourceID:    sess.resource.ID,
		Address:       sess.resource.PublicAddress,
		ArtifactPath:  o.cfg.OutputPath,
		ArtifactBytes: written,
	}
	log.Info().
		Str("resource_id", result.ResourceID).
		Str("artifact", result.ArtifactPath).
		Int64("bytes", result.ArtifactBytes).
		Msg("provisioning complete")
	return result, nil
}

// requestResource calls the provider's create operation, retrying transient
// failures with exponential backoff up to the configured attempt budget.
// Auth and quota rejections abort immediately.
func (o *Orchestrator) requestResource(ctx context.Context, spec cloud.ResourceSpec) (cloud.ResourceState, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.cfg.CreateBackoff

	op := func() (cloud.ResourceState, error) {
		state, err := o.client.CreateResource(ctx, spec)
		if err != nil {
			if cloud.IsTransient(err) {
				log.Warn().Err(err).Msg("resource creation failed, retrying")
				return cloud.ResourceState{}, err
			}
			return cloud.ResourceState{}, backoff.Permanent(err)
		}
		return state, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(o.cfg.CreateAttempts),
	)
}

// waitActive polls the provider until the resource reports active with a
// public address. A resource reporting errored aborts the run immediately;
// shell and retrieval steps are never attempted against it.
func (o *Orchestrator) waitActive(ctx context.Context, sess *session) error {
	return o.poll(ctx, o.cfg.Active, func(ctx context.Context) (bool, error) {
		state, err := o.client.GetResource(ctx, sess.resource.ID)
		if err != nil {
			if cloud.IsTransient(err) {
				log.Warn().Err(err).Msg("status poll failed, will retry")
				return false, nil
			}
			return false, err
		}

		sess.resource = state
		switch state.Status {
		case cloud.StatusActive:
			if state.PublicAddress == "" {
				// Networks can trail the status flip.
				return false, nil
			}
			return true, nil
		case cloud.StatusErrored:
			return false, &resourceErroredError{id: state.ID}
		default:
			log.Debug().Str("status", string(state.Status)).Msg("resource not active yet")
			return false, nil
		}
	})
}

// waitReachable attempts to open a shell session on each poll. Refused and
// timed-out connections are expected while the host boots; rejected
// authentication is fatal.
func (o *Orchestrator) waitReachable(ctx context.Context, sess *session, shellCfg *sshx.Config) error {
	return o.poll(ctx, o.cfg.Reachable, func(ctx context.Context) (bool, error) {
		shell, err := o.dialer.Dial(ctx, shellCfg)
		if err != nil {
			var terr *sshx.TransportError
			if errors.As(err, &terr) && terr.IsTemporary && ctx.Err() == nil {
				log.Debug().Err(err).Msg("shell not reachable yet")
				return false, nil
			}
			return false, err
		}
		sess.shell = shell
		return true, nil
	})
}

// waitConfigured probes the open session until the self-configuration
// completion marker appears. A probe that exits non-zero (the log does not
// exist yet) keeps polling; a channel-level failure means the session
// dropped and aborts the run.
func (o *Orchestrator) waitConfigured(ctx context.Context, sess *session) error {
	return o.poll(ctx, o.cfg.Configured, func(ctx context.Context) (bool, error) {
		res, err := sess.shell.Run(ctx, o.cfg.ProbeCommand)
		if err != nil {
			return false, fmt.Errorf("shell session lost while waiting for self-configuration: %w", err)
		}
		if res.ExitCode != 0 {
			log.Debug().Int("exit_code", res.ExitCode).Msg("probe not ready")
			return false, nil
		}
		if readyPattern.MatchString(res.Stdout) {
			return true, nil
		}
		log.Debug().Msg("self-configuration still running")
		return false, nil
	})
}

// retrieve fetches the artifact and verifies it is non-empty. The transport
// writes through a temporary file, so no partial artifact is ever left at
// the destination.
func (o *Orchestrator) retrieve(ctx context.Context, sess *session) (int64, error) {
	written, err := sess.shell.Fetch(ctx, o.cfg.ArtifactPath, o.cfg.OutputPath)
	if err != nil {
		return 0, err
	}
	if written == 0 {
		_ = os.Remove(o.cfg.OutputPath)
		return 0, &sshx.TransportError{Op: "fetch", Err: fmt.Errorf("retrieved artifact is empty")}
	}
	return written, nil
}

// poll runs step on a fixed interval until it reports done, fails, the
// stage ceiling is exceeded, or the context is cancelled. Cancellation is
// observed at the top of every iteration. The stage always terminates within
// ceiling plus one interval of wall-clock time.
func (o *Orchestrator) poll(ctx context.Context, pol StagePolicy, step func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(pol.Ceiling)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !time.Now().Before(deadline) {
			return errStageTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pol.Interval):
		}
	}
}

// resourceErroredError marks a server-side allocation failure.
type resourceErroredError struct {
	id string
}

func (e *resourceErroredError) Error() string {
	return fmt.Sprintf("resource %s reported errored status", e.id)
}

// classifyWaitErr maps a wait-stage failure onto the run taxonomy using the
// layer-appropriate classifier for anything that is not a timeout,
// cancellation, or provider-side resource failure.
func classifyWaitErr(err error, classify func(error) Kind) Kind {
	switch {
	case errors.Is(err, errStageTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		var rerr *resourceErroredError
		if errors.As(err, &rerr) {
			return KindProvider
		}
		return classify(err)
	}
}
