package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dropguard/dropguard/pkg/cloud"
	"github.com/dropguard/dropguard/pkg/cloud/digitalocean"
	"github.com/dropguard/dropguard/pkg/config"
	"github.com/dropguard/dropguard/pkg/payload"
	"github.com/dropguard/dropguard/pkg/provision"
	"github.com/dropguard/dropguard/pkg/stores"
	"github.com/dropguard/dropguard/pkg/telemetry"
	sshx "github.com/dropguard/dropguard/pkg/transports/ssh"
)

const tokenEnvVar = "DIGITALOCEAN_TOKEN"

func newCreateCommand() *cobra.Command {
	var (
		name              string
		region            string
		size              string
		image             string
		port              int
		sshKeys           []string
		identity          string
		output            string
		userDataPath      string
		tags              []string
		activeCeiling     time.Duration
		reachableCeiling  time.Duration
		configuredCeiling time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a WireGuard gateway and fetch its client config",
		Long: `Create a VM with a cloud-init payload that sets it up as a WireGuard
gateway, wait for the setup to finish, and download the generated client
configuration over SFTP.

The provider API token is read from the ` + tokenEnvVar + ` environment
variable. The --ssh-key value must reference a key already stored in the
provider account (id or fingerprint); the matching private key is used
to connect once the VM is up.

The created VM is never deleted by this tool. When the gateway is no
longer needed, remove it through the provider.`,
		Example: `  # Provision with defaults (fra1, smallest size, Debian)
  dropguard create --ssh-key 12345678

  # Custom region and listen port
  dropguard create --ssh-key aa:bb:cc... --region ams3 --port 51820

  # Custom cloud-init template
  dropguard create --ssh-key 12345678 --user-data ./my-cloud-config.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if !flags.Changed("region") {
				region = cfg.Region
			}
			if !flags.Changed("size") {
				size = cfg.Size
			}
			if !flags.Changed("image") {
				image = cfg.Image
			}
			if !flags.Changed("port") {
				port = cfg.Port
			}
			if !flags.Changed("output") {
				output = cfg.Output
			}
			if flags.Changed("timeout-active") {
				cfg.Active.Ceiling = config.Duration(activeCeiling)
			}
			if flags.Changed("timeout-reachable") {
				cfg.Reachable.Ceiling = config.Duration(reachableCeiling)
			}
			if flags.Changed("timeout-configured") {
				cfg.Configured.Ceiling = config.Duration(configuredCeiling)
			}

			token := os.Getenv(tokenEnvVar)
			if token == "" {
				return fmt.Errorf("%s environment variable is not set", tokenEnvVar)
			}

			// Render the payload before anything else. A broken template must
			// never cost a billable resource.
			template := payload.DefaultTemplate()
			if userDataPath != "" {
				data, err := os.ReadFile(userDataPath)
				if err != nil {
					return fmt.Errorf("failed to read user-data template: %w", err)
				}
				template = string(data)
			}
			userData, err := payload.Render(template, port)
			if err != nil {
				return err
			}

			spec := cloud.ResourceSpec{
				Name:     name,
				Region:   region,
				Size:     size,
				Image:    image,
				SSHKeys:  sshKeys,
				Tags:     tags,
				UserData: userData,
			}
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("invalid resource spec: %w", err)
			}

			shellCfg := sshConfigFor(cfg, identity)
			if identity != "" {
				if _, err := os.Stat(identity); err != nil {
					return fmt.Errorf("identity file not usable: %w", err)
				}
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			orch := provision.New(
				digitalocean.NewClient(token),
				&sshx.KeyDialer{},
				orchestratorConfig(cfg, output),
			)

			return runCreate(cmd.Context(), orch, store, spec, shellCfg)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "dropguard", "resource name")
	cmd.Flags().StringVarP(&region, "region", "r", "", "provider region (default from config)")
	cmd.Flags().StringVarP(&size, "size", "s", "", "resource size (default from config)")
	cmd.Flags().StringVar(&image, "image", "", "base image (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "WireGuard listen port (default from config)")
	cmd.Flags().StringSliceVarP(&sshKeys, "ssh-key", "k", nil, "provider SSH key id or fingerprint (required)")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "local private key file (default: ~/.ssh/id_*)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "local path for the client config (default from config)")
	cmd.Flags().StringVar(&userDataPath, "user-data", "", "cloud-init template file (default: embedded)")
	cmd.Flags().StringSliceVar(&tags, "tag", []string{"DROPGUARD"}, "tags applied to the resource")
	cmd.Flags().DurationVar(&activeCeiling, "timeout-active", 0, "ceiling for the provider status wait (default from config)")
	cmd.Flags().DurationVar(&reachableCeiling, "timeout-reachable", 0, "ceiling for the SSH reachability wait (default from config)")
	cmd.Flags().DurationVar(&configuredCeiling, "timeout-configured", 0, "ceiling for the cloud-init wait (default from config)")
	_ = cmd.MarkFlagRequired("ssh-key")

	return cmd
}

// runCreate executes the provisioning run and records it in the history
// store. Store failures are logged but never abort a run in flight.
func runCreate(ctx context.Context, orch *provision.Orchestrator, store stores.Store, spec cloud.ResourceSpec, shellCfg *sshx.Config) error {
	runID := uuid.NewString()
	logger := telemetry.WithRunID(log.Logger, runID)

	run := &stores.Run{
		ID:        runID,
		Name:      spec.Name,
		Region:    spec.Region,
		Size:      spec.Size,
		Image:     spec.Image,
		Stage:     string(provision.StageRequesting),
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to record run start")
	}

	result, err := orch.Run(ctx, spec, shellCfg)

	completed := time.Now().UTC()
	run.CompletedAt = &completed

	if err != nil {
		run.Status = stores.RunStatusFailed
		if provision.IsCancelled(err) {
			run.Status = stores.RunStatusCancelled
		}
		var perr *provision.Error
		if errors.As(err, &perr) {
			run.Stage = string(perr.Stage)
			kind := string(perr.Kind)
			run.ErrorKind = &kind
		}
		msg := err.Error()
		run.Error = &msg
		if id, ok := provision.DanglingResource(err); ok {
			run.ResourceID = &id
			logger.Warn().
				Str("resource_id", id).
				Msg("resource left allocated, delete it through the provider")
		}
		updateRun(ctx, store, run, logger)
		return err
	}

	run.Status = stores.RunStatusSucceeded
	run.Stage = string(provision.StageDone)
	run.ResourceID = &result.ResourceID
	run.ArtifactPath = &result.ArtifactPath
	updateRun(ctx, store, run, logger)

	fmt.Printf("Gateway ready at %s\n", result.Address)
	fmt.Printf("Client config written to %s (%d bytes)\n", result.ArtifactPath, result.ArtifactBytes)
	fmt.Printf("Resource %s stays allocated until you delete it.\n", result.ResourceID)
	return nil
}

func updateRun(ctx context.Context, store stores.Store, run *stores.Run, logger zerolog.Logger) {
	// Use a fresh context so a cancelled run still gets recorded.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := store.UpdateRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to record run outcome")
	}
}

func sshConfigFor(cfg config.Config, identity string) *sshx.Config {
	shellCfg := sshx.DefaultConfig("", cfg.User)
	shellCfg.PrivateKeyPath = identity
	return shellCfg
}

func orchestratorConfig(cfg config.Config, output string) provision.Config {
	oc := provision.DefaultConfig()
	oc.Active = stagePolicy(cfg.Active)
	oc.Reachable = stagePolicy(cfg.Reachable)
	oc.Configured = stagePolicy(cfg.Configured)
	oc.OutputPath = output
	return oc
}

func stagePolicy(t config.StageTimeouts) provision.StagePolicy {
	return provision.StagePolicy{
		Interval: time.Duration(t.Interval),
		Ceiling:  time.Duration(t.Ceiling),
	}
}

func openStore(ctx context.Context, cfg config.Config) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.HistoryPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.HistoryPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
