package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/talon-agent/talon/internal/domain/service"
	"github.com/talon-agent/talon/internal/infrastructure/session"
)

// Agent is the slice of the workflow the REPL needs.
type Agent interface {
	ProcessInput(ctx context.Context, userInput string, sess service.Session, callbacks *service.Callbacks) *service.Result
}

// App is the interactive REPL: read a line, run one agentic turn, stream the
// output, repeat.
type App struct {
	agent        Agent
	store        session.Store
	renderer     *Renderer
	logger       *zap.Logger
	sessionID    string
	model        string
	contextFiles []string
}

func NewApp(agent Agent, store session.Store, model string, contextFiles []string, logger *zap.Logger) *App {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	return &App{
		agent:        agent,
		store:        store,
		renderer:     NewRenderer(width),
		logger:       logger,
		sessionID:    uuid.NewString(),
		model:        model,
		contextFiles: contextFiles,
	}
}

// Run drives the REPL until EOF or /exit.
func (a *App) Run(ctx context.Context) error {
	fmt.Printf("talon (%s)\nType /help for commands, Esc interrupts a running turn.\n\n", a.model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.command(line); quit {
				return nil
			}
			continue
		}
		a.turn(ctx, line)
	}
}

// command handles slash commands; returns true to exit the REPL.
func (a *App) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/new":
		a.sessionID = uuid.NewString()
		fmt.Println(a.renderer.System("Started a new session."))
	case "/sessions":
		summaries, err := a.store.List()
		if err != nil {
			fmt.Println(a.renderer.Error(err.Error()))
			break
		}
		for _, s := range summaries {
			fmt.Printf("  %s  %-20s %4d msgs  %6d tokens  %s\n",
				s.ID, s.SelectedModel, s.MessageCount, s.TotalTokens,
				s.UpdatedAt.Format("2006-01-02 15:04"))
		}
	case "/export":
		if len(fields) < 2 {
			fmt.Println(a.renderer.System("Usage: /export <session-id>"))
			break
		}
		raw, err := session.ExportJSON(a.store, fields[1])
		if err != nil {
			fmt.Println(a.renderer.Error(err.Error()))
			break
		}
		fmt.Println(string(raw))
	case "/help":
		fmt.Println(a.renderer.System("/new  /sessions  /export <id>  /exit"))
	default:
		fmt.Println(a.renderer.System("Unknown command; try /help"))
	}
	return false
}

// turn runs one agentic exchange, streaming deltas as they arrive.
func (a *App) turn(ctx context.Context, input string) {
	sess, err := a.store.Open(a.sessionID)
	if err != nil {
		fmt.Println(a.renderer.Error(err.Error()))
		return
	}
	if sess.State().SelectedModel == "" {
		sess.State().SelectedModel = a.model
	}
	if len(sess.State().ContextFiles) == 0 {
		sess.State().ContextFiles = a.contextFiles
	}

	streamed := false
	callbacks := &service.Callbacks{
		OnChunk: func(delta string, _ service.ChunkMeta) {
			streamed = true
			fmt.Print(delta)
		},
		OnToolCall: func(name string) {
			if streamed {
				fmt.Println()
				streamed = false
			}
			fmt.Println(a.renderer.ToolCall(name))
		},
		OnSystemMessage: func(text string) {
			fmt.Println(a.renderer.System(text))
		},
	}

	result := a.agent.ProcessInput(ctx, input, sess, callbacks)
	if streamed {
		fmt.Println()
	}

	if !result.Success {
		fmt.Println(a.renderer.Error(result.Error))
		return
	}
	// When nothing streamed (non-streaming provider path), render the final
	// markdown instead.
	if !streamed && result.Content != "" {
		fmt.Println(a.renderer.Markdown(result.Content))
	}
	fmt.Println()
}
