// daiv is a developer-assistant service: it watches a hosted Git platform
// for addressed issues and review comments, plans code changes with an
// LLM agent, suspends for human approval, then executes the approved plan
// and opens a merge request.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"daiv/pkg/addressor"
	"daiv/pkg/config"
	"daiv/pkg/dispatch"
	"daiv/pkg/gate"
	"daiv/pkg/limiter"
	"daiv/pkg/llm"
	"daiv/pkg/llm/impl"
	"daiv/pkg/llm/middleware"
	"daiv/pkg/logx"
	"daiv/pkg/platform"
	"daiv/pkg/platform/github"
	"daiv/pkg/platform/gitlab"
	"daiv/pkg/prompts"
	"daiv/pkg/sandbox"
	"daiv/pkg/store"
	"daiv/pkg/tools"
	"daiv/pkg/webhook"
	"daiv/pkg/workspace"
)

const shutdownTimeout = 15 * time.Second

// Rough per-provider pricing used for the daily budget guard. Close
// enough for a spend cap; exact accounting belongs to the provider bill.
const (
	primaryCostPerMTokUSD = 15.0
	smallCostPerMTokUSD   = 1.0
)

func main() {
	configPath := flag.String("config", "daiv.yml", "path to the service configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "daiv: %v\n", err)
		os.Exit(1)
	}
}

//nolint:funlen // composition root; splitting it obscures the wiring
func run(configPath string) error {
	logger := logx.NewLogger("daiv")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rateLimiter := limiter.NewLimiter(cfg.Limits.TokensPerMinute, cfg.Limits.MaxBudgetPerDayUSD)
	defer rateLimiter.Close()

	clients, err := buildClients(cfg, rateLimiter)
	if err != nil {
		return err
	}

	platformClient, err := buildPlatform(cfg)
	if err != nil {
		return err
	}

	var sandboxRunner tools.SandboxRunner
	if cfg.Sandbox.URL != "" {
		sandboxRunner = sandbox.NewClient(cfg.Sandbox.URL, cfg.Sandbox.Token)
	}
	var search tools.SearchProvider
	if cfg.SearchURL != "" {
		search = tools.NewHTTPSearchProvider(cfg.SearchURL)
	}

	renderer, err := prompts.NewRenderer()
	if err != nil {
		return err
	}

	workspaces := workspace.NewManager(cfg.WorkspaceDir, workspace.Identity{
		Name:  cfg.GitIdentity,
		Email: cfg.GitIdentity + "@noreply.invalid",
	})
	approvalGate := gate.New(st, clients.Classifier, renderer)
	dispatcher := dispatch.NewDispatcher(cfg.Debounce)

	sink := addressor.New(cfg, st, platformClient, workspaces, approvalGate,
		renderer, dispatcher, clients, sandboxRunner, search)

	webhookServer := webhook.NewServer(cfg.ListenAddr, cfg.Platform.WebhookSecret, sink)
	adminServer := newAdminServer(cfg.AdminAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		timeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := webhookServer.Shutdown(timeout); err != nil {
			logger.Warn("webhook shutdown: %v", err)
		}
		if err := adminServer.Shutdown(timeout); err != nil {
			logger.Warn("admin shutdown: %v", err)
		}
		if err := dispatcher.Shutdown(timeout); err != nil {
			logger.Warn("dispatcher shutdown: %v", err)
		}
		return nil
	})

	logger.Info("daiv started as @%s on %s", cfg.Platform.BotUsername, cfg.Platform.Kind)
	return group.Wait()
}

// buildClients assembles the per-role middleware chains. Every chain
// retries transient failures, meters usage, and respects the shared
// limiter; the primary additionally falls back and marks cacheable
// prefixes.
func buildClients(cfg *config.Config, rateLimiter *limiter.Limiter) (addressor.Clients, error) {
	keys := impl.Keys{
		Anthropic:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:     os.Getenv("OPENAI_API_KEY"),
		Google:     os.Getenv("GEMINI_API_KEY"),
		OllamaHost: os.Getenv("OLLAMA_HOST"),
	}

	primary, err := buildChain(cfg.Models.Primary, cfg.Models.Fallback, keys, rateLimiter, "primary", primaryCostPerMTokUSD, true)
	if err != nil {
		return addressor.Clients{}, err
	}
	// Screenshots pasted into issues and review comments reach the agent
	// roles as inline attachments. The platform token covers private
	// upload URLs.
	fetcher := middleware.NewHTTPImageFetcher(cfg.Platform.Token)
	primary = llm.Chain(primary, middleware.WithImageInjection(fetcher))

	classifier, err := buildChain(cfg.Models.Classifier, config.Model{}, keys, rateLimiter, "classifier", smallCostPerMTokUSD, false)
	if err != nil {
		return addressor.Clients{}, err
	}

	describerModel := cfg.Models.Describer
	if describerModel.Name == "" {
		describerModel = cfg.Models.Classifier
	}
	describer, err := buildChain(describerModel, config.Model{}, keys, rateLimiter, "describer", smallCostPerMTokUSD, false)
	if err != nil {
		return addressor.Clients{}, err
	}

	return addressor.Clients{
		Planner:    primary,
		Executor:   primary,
		Classifier: classifier,
		Describer:  describer,
		Replier:    primary,
	}, nil
}

// buildChain wires one role's client. Each provider carries its own retry
// budget; the fallback switch sits above them, so the secondary is tried
// only after the primary's backoff is exhausted, and the ambient
// middlewares observe whichever provider ends up serving.
func buildChain(model, fallback config.Model, keys impl.Keys, rateLimiter *limiter.Limiter, role string, costPerMTok float64, cached bool) (llm.LLMClient, error) {
	base, err := impl.NewClient(model, keys)
	if err != nil {
		return nil, err
	}
	client := llm.Chain(base, llm.WithRetry())

	mws := []llm.Middleware{
		middleware.WithMetrics(role),
		middleware.WithRateLimit(rateLimiter, role, costPerMTok),
		middleware.WithLogging(logx.NewLogger("llm-" + role)),
	}
	if cached {
		mws = append(mws, middleware.WithCacheControl("5m"))
	}
	if fallback.Name != "" {
		fb, err := impl.NewClient(fallback, keys)
		if err != nil {
			return nil, err
		}
		mws = append(mws, llm.WithFallback(llm.Chain(fb, llm.WithRetry())))
	}
	return llm.Chain(client, mws...), nil
}

func buildPlatform(cfg *config.Config) (platform.Client, error) {
	switch cfg.Platform.Kind {
	case "gitlab":
		return gitlab.New(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.BotUsername), nil
	case "github":
		return github.New(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.BotUsername)
	default:
		return nil, fmt.Errorf("unsupported platform kind %q", cfg.Platform.Kind)
	}
}

func newAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
