package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"deckpilot/internal/config"
	"deckpilot/internal/harmonize"
	"deckpilot/internal/index"
	"deckpilot/internal/intent"
	"deckpilot/internal/logging"
	"deckpilot/internal/plan"
	"deckpilot/internal/provider"
	"deckpilot/internal/reasoning"
	"deckpilot/internal/selector"
	"deckpilot/internal/session"
	"deckpilot/internal/storage"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config JSON/JSONC")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "deckpilot.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init storage failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	providerClient := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		TimeoutMS:  cfg.Provider.TimeoutMS,
		MaxRetries: cfg.Provider.MaxRetries,
	})
	reasoner := reasoning.NewClient(providerClient, reasoning.ClientOptions{
		TimeoutMS:       cfg.Reasoning.TimeoutMS,
		MaxPromptTokens: cfg.Reasoning.MaxPromptTokens,
		Logger:          log,
	})

	ctrl := session.NewController(session.Options{
		Interpreter: intent.NewInterpreter(reasoner, cfg.Reasoning.MaxAttempts, log),
		Generator:   plan.NewGenerator(reasoner, cfg.Reasoning.MaxAttempts, log),
		Index:       index.NewStoreIndex(store),
		Selector: selector.New(selector.Options{
			Threshold:      cfg.Selector.Threshold,
			PerAction:      cfg.Selector.PerAction,
			ClarifyOptions: cfg.Selector.ClarifyOptions,
		}),
		Harmonizer:             harmonize.NewReasoningHarmonizer(reasoner, log),
		Store:                  store,
		StepTimeout:            time.Duration(cfg.Executor.StepTimeoutMS) * time.Millisecond,
		MaxConsecutiveFailures: cfg.Executor.MaxConsecutiveFailures,
		ProgressBuffer:         cfg.Executor.ProgressBuffer,
		Logger:                 log,
	})

	rl, err := readline.New("deckpilot> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init readline failed: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("deckpilot · model %s · /help for commands\n", providerClient.CurrentModel())

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runSlashCommand(line, store, providerClient, ctrl); quit {
				return
			}
			continue
		}
		runCommand(line, store, ctrl, rl, log)
	}
}

func runSlashCommand(line string, store storage.Store, providerClient provider.Provider, ctrl *session.Controller) bool {
	parts := strings.SplitN(line, " ", 2)
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	switch parts[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("commands: /sessions /import <file> /model <name> /reset /quit")
		fmt.Println("anything else is treated as a deck assembly command")
	case "/sessions":
		printSessions(store)
	case "/import":
		importSlides(store, arg)
	case "/model":
		if arg == "" {
			fmt.Printf("current model: %s\n", providerClient.CurrentModel())
			break
		}
		if err := providerClient.SetModel(arg); err != nil {
			fmt.Printf("set model: %v\n", err)
		}
	case "/reset":
		ctrl.Reset()
		fmt.Println("session reset")
	default:
		fmt.Printf("unknown command %s\n", parts[0])
	}
	return false
}

// runCommand 驱动一条命令走完 意图 → 计划 → 批准 → 执行 的全流程。
// runCommand drives one command through the full intent → plan → approval → execution flow.
func runCommand(command string, store storage.Store, ctrl *session.Controller, rl *readline.Instance, log *zap.Logger) {
	snap, err := vocabularySnapshot(store)
	if err != nil {
		fmt.Printf("load vocabulary: %v\n", err)
		return
	}

	res, err := ctrl.Submit(context.Background(), command, snap)
	if err != nil {
		var ambiguous *intent.AmbiguousError
		var notPlannable *plan.NotPlannableError
		switch {
		case errors.As(err, &ambiguous):
			fmt.Println(renderClarificationQuestion(ambiguous.Question))
		case errors.As(err, &notPlannable):
			fmt.Println(renderRefusal(notPlannable.Error()))
		default:
			fmt.Printf("command failed: %v\n", err)
		}
		return
	}

	if res.Plan == nil {
		renderCandidates(os.Stdout, res.DirectItems)
		return
	}

	renderPlanPreview(os.Stdout, *res.Plan)
	approved, err := promptApproval(rl)
	if err != nil || !approved {
		ctrl.Reset()
		fmt.Println("plan discarded")
		return
	}

	handle, err := ctrl.Approve()
	if err != nil {
		fmt.Printf("approve failed: %v\n", err)
		return
	}
	progressCh, resultCh, err := ctrl.Subscribe(handle)
	if err != nil {
		fmt.Printf("subscribe failed: %v\n", err)
		return
	}

	// Ctrl-C 在执行期间触发协作式取消，而不是退出进程。
	// Ctrl-C during execution requests cooperative cancellation rather than exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\ncancelling...")
			if err := ctrl.Cancel(handle); err != nil {
				log.Warn("cancel failed", zap.Error(err))
			}
		case <-done:
		}
	}()
	defer func() {
		close(done)
		signal.Stop(sigCh)
	}()

	for p := range progressCh {
		fmt.Println(renderProgress(p))
	}
	result := <-resultCh
	renderResult(os.Stdout, result)
}

func promptApproval(rl *readline.Instance) (bool, error) {
	rl.SetPrompt("Approve this plan? [y/N]: ")
	defer rl.SetPrompt("deckpilot> ")
	line, err := rl.Readline()
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func vocabularySnapshot(store storage.Store) (intent.ContextSnapshot, error) {
	categories, slideTypes, keywords, err := store.Vocabulary()
	if err != nil {
		return intent.ContextSnapshot{}, err
	}
	return intent.ContextSnapshot{
		Categories: categories,
		SlideTypes: slideTypes,
		Keywords:   keywords,
	}, nil
}

func printSessions(store storage.Store) {
	recs, err := store.ListSessions()
	if err != nil {
		fmt.Printf("list sessions: %v\n", err)
		return
	}
	if len(recs) == 0 {
		fmt.Println("no sessions yet")
		return
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-18s  %s\n", rec.ID[:8], rec.State, rec.Command)
	}
}

// importSlides 从 JSON 清单载入语料库
// importSlides loads the slide corpus from a JSON manifest
func importSlides(store storage.Store, path string) {
	if path == "" {
		fmt.Println("usage: /import <slides.json>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read manifest: %v\n", err)
		return
	}
	var slides []storage.Slide
	if err := json.Unmarshal(data, &slides); err != nil {
		fmt.Printf("parse manifest: %v\n", err)
		return
	}
	if err := store.UpsertSlides(slides); err != nil {
		fmt.Printf("import slides: %v\n", err)
		return
	}
	fmt.Printf("imported %d slide(s)\n", len(slides))
}
