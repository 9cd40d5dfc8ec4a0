// Command ryed is the coordination daemon: it loads rye.toml, wires a
// directive loader, a tool space, a storage backend, a model provider, and
// the Runner/Orchestrator/Continuation Manager trio into one running
// process, then blocks serving the admin API (mirroring the teacher's
// cmd/demo, whose main() wires a runtime, registers an agent, and runs it).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"
	goaredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ryehq/rye-core/approval"
	"github.com/ryehq/rye-core/budget"
	"github.com/ryehq/rye-core/budget/mongostore"
	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/checkpoint"
	"github.com/ryehq/rye-core/cmd/ryed/api"
	"github.com/ryehq/rye-core/config"
	"github.com/ryehq/rye-core/continuation"
	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/hooks"
	"github.com/ryehq/rye-core/orchestrator"
	"github.com/ryehq/rye-core/provider"
	"github.com/ryehq/rye-core/provider/anthropic"
	"github.com/ryehq/rye-core/provider/bedrock"
	"github.com/ryehq/rye-core/provider/openai"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/registry/pgstore"
	"github.com/ryehq/rye-core/registry/redisstore"
	"github.com/ryehq/rye-core/runner"
	"github.com/ryehq/rye-core/telemetry"
	"github.com/ryehq/rye-core/transcript"
)

func main() {
	// "ryed resume-thread --thread-id <id>" is the child-process half of
	// orchestrator.OSProcessLauncher: the parent self-execs this binary with
	// that subcommand and a Request as JSON on stdin, and the child runs the
	// one thread to completion instead of starting the daemon.
	if len(os.Args) > 1 && os.Args[1] == "resume-thread" {
		if err := runResumeThread(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// stack bundles the wiring shared by the daemon and the resume-thread child:
// everything the Runner needs, plus the Orchestrator and Continuation
// Manager a resumed thread may itself spawn children or continue through.
type stack struct {
	runner       *runner.Runner
	orchestrator *orchestrator.Orchestrator
	continuation *continuation.Manager
	approvalRoot string
}

func buildStack(cfg config.Config) (*stack, error) {
	logger, metrics, tracer := buildTelemetry(cfg)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("ryed: building registry: %w", err)
	}

	ledger, err := buildLedger(cfg)
	if err != nil {
		return nil, fmt.Errorf("ryed: building budget ledger: %w", err)
	}

	prov, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("ryed: building provider: %w", err)
	}

	signer, err := capability.NewEd25519Signer("ryed")
	if err != nil {
		return nil, fmt.Errorf("ryed: building capability signer: %w", err)
	}

	disp := dispatch.New(
		map[dispatch.Space]dispatch.Store{
			dispatch.SpaceProject: dispatch.NewFileStore(cfg.ToolsDir + "/project"),
			dispatch.SpaceUser:    dispatch.NewFileStore(cfg.ToolsDir + "/user"),
			dispatch.SpaceSystem:  dispatch.NewFileStore(cfg.ToolsDir + "/system"),
		},
		signer,
		func(space dispatch.Space) bool { return space == dispatch.SpaceSystem },
		map[string]dispatch.Executor{
			"subprocess":  &dispatch.SubprocessExecutor{Timeout: 30 * time.Second},
			"http_client": &dispatch.HTTPClientExecutor{},
		},
	)
	disp.SetTelemetry(metrics, tracer)

	checkpointRoot := cfg.Registry.Root + "/checkpoints"
	transcriptRoot := cfg.Registry.Root + "/transcripts"
	// approvalRoot is not suffixed: FileStore lays out
	// <root>/<thread_id>/approvals/ itself.
	approvalRoot := cfg.Registry.Root

	rn, err := runner.New(runner.Options{
		Directives:      directive.NewFileLoader(cfg.DirectivesDir),
		Registry:        reg,
		Ledger:          ledger,
		Checkpoints:     checkpoint.NewFileCheckpointer(checkpointRoot),
		Transcripts:     transcriptFactory(transcriptRoot),
		Dispatcher:      disp,
		Provider:        prov,
		Signer:          signer,
		Hooks:           hooks.NewEngine(),
		Classifier:      capability.DefaultClassifier,
		ErrorClassifier: harness.DefaultClassifier,
		Approvals:       approval.NewFileStore(approvalRoot, 0),
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("ryed: building runner: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Ledger:   ledger,
		Run:      rn.Run,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("ryed: building orchestrator: %w", err)
	}
	rn.SetOrchestrator(orch)

	cont, err := continuation.New(continuation.Options{
		Run:       rn.Run,
		Registry:  reg,
		Artifacts: continuation.NewFileArtifactStore(cfg.Registry.Root + "/artifacts"),
		Signer:    signer,
	})
	if err != nil {
		return nil, fmt.Errorf("ryed: building continuation manager: %w", err)
	}
	rn.SetContinuation(cont.Continue)

	return &stack{runner: rn, orchestrator: orch, continuation: cont, approvalRoot: approvalRoot}, nil
}

func run() error {
	configPath := flag.String("config", "", "path to rye.toml (defaults to RYE_CONFIG env var, then ./rye.toml)")
	flag.Parse()

	_ = godotenv.Load() // optional; config.Load also does this

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("ryed: loading config: %w", err)
	}

	s, err := buildStack(cfg)
	if err != nil {
		return err
	}

	if !cfg.API.Enabled {
		log.Printf("ryed: API disabled, idling")
		select {}
	}

	srv := api.NewServer(s.orchestrator, s.approvalRoot)
	log.Printf("ryed: serving admin API on %s", cfg.API.Addr)
	return srv.Run(cfg.API.Addr)
}

// runResumeThread is the OSProcessLauncher child entry point: it reads a
// runner.Request as JSON from stdin and runs it to completion, detached from
// any daemon's admin API. It exits nonzero when loading config, decoding the
// request, wiring the stack, or the Runner itself errors (a terminal but
// unsuccessful Status is still a clean exit — the
// Orchestrator classifies that from the registry, not this process's exit
// code).
func runResumeThread(args []string) error {
	fs := flag.NewFlagSet("resume-thread", flag.ExitOnError)
	configPath := fs.String("config", "", "path to rye.toml (defaults to RYE_CONFIG env var, then ./rye.toml)")
	_ = fs.String("thread-id", "", "thread id being resumed (informational; the request on stdin is authoritative)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("ryed resume-thread: loading config: %w", err)
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("ryed resume-thread: reading request from stdin: %w", err)
	}
	var req runner.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("ryed resume-thread: decoding request: %w", err)
	}

	s, err := buildStack(cfg)
	if err != nil {
		return err
	}

	result, err := s.runner.Run(context.Background(), req)
	if err != nil {
		return fmt.Errorf("ryed resume-thread: running thread %s: %w", req.ThreadID, err)
	}
	log.Printf("ryed resume-thread: thread %s finished with status %s", req.ThreadID, result.Status)
	return nil
}

func buildTelemetry(cfg config.Config) (telemetry.Logger, telemetry.Metrics, telemetry.Tracer) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), telemetry.NewNoopTracer()
	}
	return telemetry.NewClueLogger(), telemetry.NewClueMetrics(), telemetry.NewClueTracer()
}

func buildRegistry(cfg config.Config) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case "redis":
		client := goaredis.NewClient(&goaredis.Options{Addr: cfg.Registry.DSN})
		return redisstore.New(client), nil
	case "postgres":
		return pgstore.Open(context.Background(), cfg.Registry.DSN)
	case "file", "":
		return registry.NewFileRegistry(cfg.Registry.Root)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func buildLedger(cfg config.Config) (budget.Ledger, error) {
	switch cfg.Budget.Backend {
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Budget.DSN))
		if err != nil {
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		return mongostore.New(mongostore.Options{Client: client, Database: cfg.Budget.Database})
	case "file", "":
		return budget.NewFileLedger(cfg.Budget.Root)
	default:
		return nil, fmt.Errorf("unknown budget backend %q", cfg.Budget.Backend)
	}
}

func buildProvider(cfg config.Config) (provider.Client, error) {
	switch cfg.Provider.Backend {
	case "openai":
		return openai.NewFromAPIKey(cfg.Provider.APIKey, cfg.Provider.DefaultModel)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for bedrock: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.Provider.DefaultModel, 4096)
	case "anthropic", "":
		return anthropic.NewFromAPIKey(cfg.Provider.APIKey, cfg.Provider.DefaultModel)
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
}

func transcriptFactory(root string) runner.TranscriptFactory {
	return func(threadID, directiveName string) (transcript.Writer, error) {
		return transcript.NewFileWriter(fmt.Sprintf("%s/%s", root, threadID))
	}
}
