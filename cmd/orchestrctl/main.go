// Command orchestrctl is the single orchestrator process: it wires the Job
// Repository, Event Bus, Activity Feed, Worker Registry, per-pipeline
// Schedulers, and the HTTP control surface together, then campaigns for
// leadership so exactly one replica runs the dispatch loops at a time
// while every replica keeps serving reads and job creation through the API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sidequest/configs"
	"sidequest/pkg/activity"
	"sidequest/pkg/api"
	"sidequest/pkg/auth"
	"sidequest/pkg/artifact"
	"sidequest/pkg/clock"
	"sidequest/pkg/coordination/etcd"
	"sidequest/pkg/eventbus"
	"sidequest/pkg/executor/runner"
	"sidequest/pkg/gitworkflow"
	"sidequest/pkg/lock"
	"sidequest/pkg/logger"
	tracing "sidequest/pkg/observability"
	"sidequest/pkg/pipelines/duplicatedetection"
	"sidequest/pkg/pipelines/repomix"
	"sidequest/pkg/pipelines/schemaenhancement"
	"sidequest/pkg/registry"
	"sidequest/pkg/retry"
	"sidequest/pkg/scheduler"
	"sidequest/pkg/storage"
	"sidequest/pkg/storage/postgres"
	"sidequest/pkg/worker"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.DefaultConfig("sidequest-orchestrctl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.DefaultConfig("sidequest-orchestrctl"))
	if err != nil {
		log.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	clk := clock.New()
	bus := eventbus.New(log)
	feed := activity.New(cfg.MaxActivities, bus, log)
	reg := registry.New()

	store, err := postgres.New(postgresDSN(cfg))
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisHost + ":" + cfg.RedisPort})
	defer redisClient.Close()

	repoLock := lock.New(redisClient, 2*time.Minute)
	pendingMirror := retry.NewRedisMirror(redisClient)

	coord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
	if err != nil {
		log.Fatal("etcd connect failed", zap.Error(err))
	}
	defer coord.Close()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "sidequest-orchestrctl"
	}
	if err := coord.RegisterNode(ctx, hostname); err != nil {
		log.Warn("node registration failed", zap.Error(err))
	}

	artifactStore, err := newArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatal("artifact store init failed", zap.Error(err))
	}

	var jwtSvc *auth.JWTService
	var apiKeyStore auth.APIKeyStore
	if cfg.AuthEnabled {
		jwtSvc, err = auth.NewJWTService(auth.JWTConfig{
			SecretKey:     cfg.JWTSecret,
			Issuer:        cfg.JWTIssuer,
			TokenExpiry:   time.Hour,
			RefreshExpiry: 24 * time.Hour,
		})
		if err != nil {
			log.Fatal("jwt service init failed", zap.Error(err))
		}
		apiKeyStore = auth.NewRedisAPIKeyStore(redisClient)
	}

	schedulers := map[string]*scheduler.Scheduler{}

	registerPipeline(schedulers, reg, log,
		repomix.PipelineID,
		repomix.New(repomix.DefaultConfig(), runner.NewShellRunner(), artifactStore, log),
		cfg, store, bus, clk, repoLock, pendingMirror,
	)

	registerPipeline(schedulers, reg, log,
		duplicatedetection.PipelineID,
		duplicatedetection.New(duplicatedetection.NewFileRepositoryStore(defaultRepoStorePath()), duplicatedetection.NewBasicScanner(), bus, log),
		cfg, store, bus, clk, repoLock, pendingMirror,
	)

	registerPipeline(schedulers, reg, log,
		schemaenhancement.PipelineID,
		schemaenhancement.New(schemaenhancement.Config{RepoRoot: "."}, schemaenhancement.NewBasicGenerator(), log),
		cfg, store, bus, clk, repoLock, pendingMirror,
	)

	for id, sched := range schedulers {
		if err := sched.Initialize(ctx); err != nil {
			log.Fatal("scheduler initialize failed", zap.String("pipeline", id), zap.Error(err))
		}
		if err := sched.RestoreAbandoned(ctx); err != nil {
			log.Warn("restore abandoned jobs failed", zap.String("pipeline", id), zap.Error(err))
		}
	}

	server := api.NewServer(api.Config{
		Port:         cfg.APIPort,
		Store:        store,
		Schedulers:   schedulers,
		Registry:     reg,
		Feed:         feed,
		Clock:        clk,
		MigrationKey: cfg.MigrationAPIKey,
		AuthEnabled:  cfg.AuthEnabled,
		JWTService:   jwtSvc,
		APIKeyStore:  apiKeyStore,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}()

	election := coord.NewElection("sidequest-orchestrctl-leader")
	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go func() {
		log.Info("campaigning for dispatch-loop leadership", zap.String("node", hostname))
		if err := election.Campaign(leaderCtx, hostname); err != nil {
			if leaderCtx.Err() == nil {
				log.Error("leader campaign failed", zap.Error(err))
			}
			return
		}
		log.Info("acquired dispatch-loop leadership", zap.String("node", hostname))
		for _, sched := range schedulers {
			go sched.Run(leaderCtx)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown error", zap.Error(err))
	}

	cancelLeader()
	_ = election.Resign(shutdownCtx)

	for id, sched := range schedulers {
		if err := sched.Shutdown(shutdownCtx); err != nil {
			log.Error("scheduler shutdown error", zap.String("pipeline", id), zap.Error(err))
		}
	}

	log.Info("shutdown complete")
}

func registerPipeline(
	schedulers map[string]*scheduler.Scheduler,
	reg *registry.Registry,
	log *zap.Logger,
	pipelineID string,
	w worker.Worker,
	cfg *config.Config,
	store storage.JobRepository,
	bus *eventbus.Bus,
	clk clock.Clock,
	repoLock *lock.RepoLock,
	mirror retry.PendingRetryMirror,
) {
	reg.Register(pipelineID, func() (worker.Worker, error) { return w, nil })

	retryCtrl := retry.New(retry.Config{
		MaxAttempts:         cfg.PipelineRetryAttempts(pipelineID),
		BaseDelay:           time.Duration(cfg.PipelineRetryDelayMS(pipelineID)) * time.Millisecond,
		MaxAbsoluteAttempts: cfg.MaxAbsoluteAttempts,
	}, clk, bus, log)
	retryCtrl.SetMirror(mirror)

	var gitWF *gitworkflow.Manager
	gitEnabled := cfg.PipelineGitWorkflowEnabled(pipelineID)
	if gitEnabled {
		gitCfg := gitworkflow.DefaultConfig()
		gitCfg.Enabled = true
		gitCfg.BranchPrefix = cfg.GitBranchPrefix
		gitCfg.BaseBranch = cfg.GitBaseBranch
		gitCfg.DryRun = cfg.GitDryRun
		gitCfg.EnablePRCreation = cfg.EnablePRCreation
		gitCfg.PRDryRun = cfg.PRDryRun
		gitCfg.GitHubOwner = cfg.GitHubOwner
		gitCfg.GitHubRepo = cfg.GitHubRepo
		gitCfg.GitHubToken = cfg.GitHubToken
		gitWF = gitworkflow.New(gitCfg, log)
	}

	sched := scheduler.New(scheduler.Config{
		PipelineID:          pipelineID,
		MaxConcurrent:       cfg.PipelineMaxConcurrent(pipelineID),
		PersistenceEnabled:  true,
		GitWorkflowEnabled:  gitEnabled,
		RetryAttempts:       cfg.PipelineRetryAttempts(pipelineID),
		RetryDelay:          time.Duration(cfg.PipelineRetryDelayMS(pipelineID)) * time.Millisecond,
		MaxAbsoluteAttempts: cfg.MaxAbsoluteAttempts,
	}, w, store, bus, retryCtrl, clk, gitWF, log)
	sched.SetRepoLock(repoLock)

	schedulers[pipelineID] = sched
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	if cfg.ArtifactStoreKind == "s3" {
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket: cfg.ArtifactS3Bucket,
			Prefix: "artifacts/",
		})
	}
	return artifact.NewLocalStore(cfg.ArtifactLocalDir)
}

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
}

func defaultRepoStorePath() string {
	if p := os.Getenv("REPO_STORE_PATH"); p != "" {
		return p
	}
	return "/tmp/sidequest-repositories.json"
}
