// Command twinops-agent runs the TwinOps safety kernel against a live AAS
// repository: it seeds the shadow twin, subscribes to telemetry, loads the
// signed policy, and serves operator commands on stdin.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/twinops/twinops/pkg/approval"
	"github.com/twinops/twinops/pkg/audit"
	"github.com/twinops/twinops/pkg/capability"
	"github.com/twinops/twinops/pkg/config"
	"github.com/twinops/twinops/pkg/idempotency"
	"github.com/twinops/twinops/pkg/kernel"
	"github.com/twinops/twinops/pkg/observability"
	"github.com/twinops/twinops/pkg/orchestrator"
	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/schema"
	"github.com/twinops/twinops/pkg/selector"
	"github.com/twinops/twinops/pkg/shadow"
	"github.com/twinops/twinops/pkg/twin"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.Config{
		ServiceName:    "twinops-agent",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		LogLevel:       cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	idem, err := buildIdempotency(cfg)
	if err != nil {
		return err
	}
	defer idem.Close()

	client, err := twin.NewClient(twin.Options{
		BaseURL:              cfg.TwinBaseURL,
		Submodels:            cfg.Submodels,
		RetryMaxAttempts:     cfg.RetryMaxAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval,
		BreakerThreshold:     uint32(cfg.BreakerThreshold),
		BreakerRecovery:      cfg.BreakerRecovery,
		HalfOpenMaxCalls:     uint32(cfg.HalfOpenMaxCalls),
		JobPollMax:           cfg.JobPollMaxInterval,
		MaxConcurrency:       int64(cfg.MaxConcurrency),
		HMACSecret:           []byte(cfg.HMACSecret),
		Idem:                 idem,
		HTTPClient:           nil,
		Logger:               log,
	})
	if err != nil {
		return err
	}

	sh := shadow.New(client, log)
	seedCtx, cancel := context.WithTimeout(ctx, cfg.ToolTimeout)
	err = sh.Seed(seedCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial shadow seed: %w", err)
	}

	if cfg.MQTTBrokerURL != "" {
		tlsCfg, err := mqttTLS(cfg)
		if err != nil {
			return err
		}
		sub := shadow.NewSubscriber(sh, shadow.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			TLS:       tlsCfg,
			RepoID:    cfg.RepoID,
			AASID:     cfg.AASID,
			Logger:    log,
		})
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("mqtt subscribe: %w", err)
		}
		defer sub.Close()
	} else {
		log.Warn("no MQTT broker configured, shadow updates by reseed only")
	}

	pubKey, err := hex.DecodeString(cfg.PolicyPublicKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("TWINOPS_POLICY_PUBLIC_KEY must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	policies := policy.NewStore(
		shadow.PolicySource{Twin: sh, Submodel: cfg.PolicySubmodel, Path: cfg.PolicyElementPath},
		policy.Ed25519Verifier{},
		ed25519.PublicKey(pubKey),
		policy.StoreOptions{CacheTTL: cfg.PolicyCacheTTL, MaxAge: cfg.PolicyMaxAge, Logger: log},
	)

	tools, err := loadCatalog(ctx, client, cfg.Submodels)
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator(tools)
	if err != nil {
		return err
	}
	index := capability.NewIndex(tools)
	log.Info("tool catalog loaded", "tools", len(tools))

	approvals := approval.NewStore(policies, auditLog, approval.Options{
		TTL:    cfg.ApprovalTTL,
		Logger: log,
	})
	defer approvals.Close()

	k := kernel.New(policies, index, sh, client, approvals, auditLog, kernel.Options{
		InterlockFailSafe: cfg.InterlockFailSafe,
		Logger:            log,
	})
	approvals.SetResubmit(k.Resubmit)

	orch := orchestrator.New(index, selector.NewRules(), validator, k, orchestrator.Options{
		TopK:           cfg.CapabilityTopK,
		RequestTimeout: cfg.RequestTimeout,
		RatePerSec:     cfg.RateLimitPerSec,
		RateBurst:      cfg.RateLimitBurst,
		MaxConcurrent:  int64(cfg.MaxConcurrency),
		Logger:         log,
	})

	log.Info("twinops agent ready", "twin", cfg.TwinBaseURL, "audit", cfg.AuditPath)
	return repl(ctx, orch, approvals)
}

// repl reads operator commands from stdin until EOF or a signal.
func repl(ctx context.Context, orch *orchestrator.Orchestrator, approvals *approval.Store) error {
	actor := envDefault("TWINOPS_ACTOR", "operator")
	roles := strings.Split(envDefault("TWINOPS_ROLES", "operator"), ",")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println("twinops> commands: <message> | tasks | approve <task-id> | reject <task-id> <reason> | quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "quit" || line == "exit" {
				return nil
			}
			handleLine(ctx, orch, approvals, line, actor, roles)
		}
	}
}

func handleLine(ctx context.Context, orch *orchestrator.Orchestrator, approvals *approval.Store, line, actor string, roles []string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "tasks":
		for _, t := range approvals.List(approval.StatePending) {
			fmt.Printf("  %s  %s  requested by %s at %s\n",
				t.ID, t.Call.Tool, t.RequestedBy, t.CreatedAt.Format(time.RFC3339))
		}
	case "approve":
		if len(fields) < 2 {
			fmt.Println("usage: approve <task-id>")
			return
		}
		task, err := approvals.Approve(ctx, fields[1], actor, roles)
		if err != nil {
			fmt.Printf("approve failed: %v\n", err)
			return
		}
		out, _ := json.Marshal(task)
		fmt.Println(string(out))
	case "reject":
		if len(fields) < 3 {
			fmt.Println("usage: reject <task-id> <reason>")
			return
		}
		task, err := approvals.Reject(ctx, fields[1], actor, strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Printf("reject failed: %v\n", err)
			return
		}
		fmt.Printf("task %s rejected\n", task.ID)
	default:
		resp, err := orch.Handle(ctx, orchestrator.Request{
			Message: line,
			Actor:   actor,
			Roles:   roles,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println(resp.Reply)
		if resp.PendingApproval {
			fmt.Printf("pending approval task: %s\n", resp.TaskID)
		}
	}
}

func buildIdempotency(cfg *config.Config) (idempotency.Store, error) {
	switch cfg.IdempotencyBackend {
	case "", "memory":
		return idempotency.NewMemory(0, cfg.IdempotencyTTL), nil
	case "sqlite":
		return idempotency.NewSQLite(cfg.IdempotencyPath, cfg.IdempotencyTTL)
	case "redis":
		if cfg.IdempotencyRedis == "" {
			return nil, fmt.Errorf("TWINOPS_IDEMPOTENCY_REDIS_ADDR is required for the redis backend")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.IdempotencyRedis})
		return idempotency.NewRedis(client, cfg.IdempotencyTTL), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}

func loadCatalog(ctx context.Context, client *twin.Client, submodels []string) ([]schema.ToolSpec, error) {
	var docs []schema.SubmodelDoc
	for _, id := range submodels {
		raw, err := client.SubmodelMetadata(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading submodel %s: %w", id, err)
		}
		var doc schema.SubmodelDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding submodel %s: %w", id, err)
		}
		docs = append(docs, doc)
	}
	return schema.FromSubmodels(docs)
}

func mqttTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.MQTTCAFile == "" && cfg.MQTTCertFile == "" {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MQTTCAFile != "" {
		pem, err := os.ReadFile(cfg.MQTTCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading MQTT CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("MQTT CA file %s contains no certificates", cfg.MQTTCAFile)
		}
		out.RootCAs = pool
	}
	if cfg.MQTTCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.MQTTCertFile, cfg.MQTTKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading MQTT client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
