package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/budchat/budchat/config"
	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
	"github.com/budchat/budchat/providers/anthropic"
	"github.com/budchat/budchat/providers/middleware"
	"github.com/budchat/budchat/providers/openaichat"
	"github.com/budchat/budchat/providers/openairesponses"
	"github.com/budchat/budchat/runtime"
	"github.com/budchat/budchat/store"
	"github.com/budchat/budchat/store/inmem"
	mongostore "github.com/budchat/budchat/store/mongo"
	"github.com/budchat/budchat/stream"
	"github.com/budchat/budchat/telemetry"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// run.
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file")
		modelF    = flag.String("model", "", "Model identifier (overrides the configured default)")
		providerF = flag.String("provider", "", "Force a provider transform (openai-chat, openai-responses, anthropic)")
		convF     = flag.String("conversation", "", "Existing conversation ID to resume")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	message := strings.Join(flag.Args(), " ")
	if message == "" && *convF == "" {
		fail(ctx, fmt.Errorf("usage: budchat [flags] <message>"))
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fail(ctx, err)
	}

	model := *modelF
	if model == "" {
		model = cfg.Providers.DefaultModel
	}
	if model == "" {
		fail(ctx, fmt.Errorf("no model: pass -model or set providers.default_model"))
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	clients, err := buildClients(ctx, cfg, rdb)
	if err != nil {
		fail(ctx, err)
	}

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		fail(ctx, err)
	}
	defer cleanup()

	runner, err := runtime.NewRunner(runtime.Options{
		Clients:  clients,
		Store:    st,
		Executor: runtime.ToolExecutorFunc(unknownTool),
		Limits:   cfg.Limits,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics(),
		Tracer:   telemetry.NewClueTracer(),
	})
	if err != nil {
		fail(ctx, err)
	}

	log.Print(ctx, log.KV{K: "model", V: model})

	sink := stream.NewSSESink(os.Stdout)
	defer func() { _ = sink.Close(ctx) }()

	// An empty conversation id makes the runner create one and announce it
	// with a conversationCreated frame on the sink.
	req := runtime.TurnRequest{
		ConversationID:   *convF,
		UserText:         message,
		Model:            model,
		Provider:         providers.Name(*providerF),
		ReasoningEffort:  cfg.Reasoning.Effort,
		ReasoningSummary: cfg.Reasoning.Summary,
	}
	res, err := runner.RunTurn(ctx, req, sink)
	if err != nil {
		fail(ctx, err)
	}
	log.Print(ctx,
		log.KV{K: "conversation_id", V: res.ConversationID},
		log.KV{K: "iterations", V: res.Iterations},
		log.KV{K: "cap_reached", V: res.CapReached})
}

// buildClients instantiates one provider client per configured credential
// and wraps them with the adaptive rate limiter when a budget is set.
func buildClients(ctx context.Context, cfg config.Config, rdb redis.UniversalClient) (map[providers.Name]providers.Client, error) {
	clients := make(map[providers.Name]providers.Client)
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		chat, err := openaichat.NewFromAPIKey(key, openaichat.Options{DefaultModel: cfg.Providers.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("openai chat client: %w", err)
		}
		clients[providers.OpenAIChat] = chat
		resp, err := openairesponses.NewFromAPIKey(key, openairesponses.Options{DefaultModel: cfg.Providers.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("openai responses client: %w", err)
		}
		clients[providers.OpenAIResponses] = resp
	}
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		ac, err := anthropic.NewFromAPIKey(key, anthropic.Options{
			DefaultModel: cfg.Providers.DefaultModel,
			MaxTokens:    cfg.Providers.AnthropicMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		clients[providers.Anthropic] = ac
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no provider credentials: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if cfg.Limits.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, rdb, "budchat:ratelimit", cfg.Limits.RateLimitTPM, cfg.Limits.RateLimitMaxTPM)
		wrap := limiter.Middleware()
		for name, c := range clients {
			clients[name] = wrap(c)
		}
	}
	return clients, nil
}

// buildStore selects Mongo persistence when a URI is configured and falls
// back to the in-memory store otherwise.
func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.Mongo.URI == "" {
		return inmem.New(), func() {}, nil
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	cleanup := func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mongo disconnect"})
		}
	}
	st, err := mongostore.New(mongostore.Options{Client: client, Database: cfg.Mongo.Database})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("mongo store: %w", err)
	}
	return st, cleanup, nil
}

// unknownTool is the default executor. Real deployments register their own
// ToolExecutor; the CLI surfaces unhandled calls back to the model as
// errors so the conversation can continue.
func unknownTool(_ context.Context, call events.ToolCall) (any, error) {
	return nil, fmt.Errorf("no executor registered for tool %q", call.Name)
}

func fail(ctx context.Context, err error) {
	log.Error(ctx, err)
	os.Exit(1)
}
