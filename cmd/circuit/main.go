package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/circuitide/circuit/acp"
	"github.com/circuitide/circuit/agent"
	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
	"github.com/circuitide/circuit/llm"
)

func main() {
	dirFlag := flag.String("dir", "", "Working directory (defaults to the current directory)")
	modelFlag := flag.String("model", "", "Model name, skipping the selection menu")
	providerFlag := flag.String("provider", "gateway", "LLM backend: gateway, openai, anthropic, gemini, bedrock, or mock")
	sessionFlag := flag.String("session", "", "Load a saved session on startup")
	noStreamFlag := flag.Bool("no-stream", false, "Disable response streaming")
	autoFlag := flag.Bool("auto", false, "Auto-approve actions without confirmation")
	thinkFlag := flag.Bool("think", false, "Show the agent's reasoning during responses")
	acpFlag := flag.Bool("acp", false, "Speak the Agent Client Protocol on stdin/stdout")
	flag.Parse()

	workingDir := *dirFlag
	if workingDir == "" && flag.NArg() > 0 {
		workingDir = flag.Arg(0)
	}
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving working directory: %v\n", err)
			os.Exit(1)
		}
		workingDir = wd
	}
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		fmt.Printf("%sError: '%s' is not a valid directory%s\n", colorRed, workingDir, colorReset)
		os.Exit(1)
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}

	cfg, err := config.Load(workingDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *noStreamFlag {
		cfg.Stream = false
	}
	if *autoFlag {
		cfg.AutoApprove = true
	}
	if *thinkFlag {
		cfg.Thinking = true
	}

	if *acpFlag {
		runACP(cfg, workingDir, *providerFlag)
		return
	}

	clearScreen()
	printHeader(workingDir)

	stdin := bufio.NewReader(os.Stdin)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	client, err := buildClient(ctx, cfg, *providerFlag, stdin, logger, true)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	if *providerFlag == "gateway" && *modelFlag == "" {
		selectModel(cfg, stdin)
	}

	confirmer := &terminalConfirmer{in: stdin}
	a := agent.New(agent.Options{
		Config:     cfg,
		Client:     client,
		WorkingDir: workingDir,
		Logger:     logger,
		Confirm:    confirmer,
	})
	confirmer.agent = a
	defer a.Close()

	if len(cfg.MCPServers) > 0 {
		if n := a.ConnectPlugins(ctx); n > 0 {
			printSuccess(fmt.Sprintf("Connected %d MCP server(s)", n))
		}
	}

	if *sessionFlag != "" {
		count, err := a.LoadSession(*sessionFlag)
		if err != nil {
			printError(err.Error())
		} else {
			printSuccess(fmt.Sprintf("Loaded session '%s' (%d messages)", *sessionFlag, count))
		}
	}

	printWelcome()

	r := &repl{agent: a, cfg: cfg, workingDir: workingDir, in: stdin}
	r.run()
}

// runACP serves the Agent Client Protocol over stdin/stdout. Nothing but
// JSON-RPC frames may be written to stdout, so all diagnostics go to
// stderr and the gateway bootstrap never prompts.
func runACP(cfg *config.Config, workingDir, provider string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	client, err := buildClient(ctx, cfg, provider, nil, logger, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a := agent.New(agent.Options{
		Config:     cfg,
		Client:     client,
		WorkingDir: workingDir,
		Logger:     logger,
	})
	defer a.Close()

	if len(cfg.MCPServers) > 0 {
		a.ConnectPlugins(ctx)
	}

	if err := acp.Run(ctx, a, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "ACP mode failed: %v\n", err)
		os.Exit(1)
	}
}

// buildClient constructs the LLM backend named by provider. In
// interactive mode the gateway path may prompt for missing credentials,
// verify them with a token request, and offer to save them.
func buildClient(ctx context.Context, cfg *config.Config, provider string, in *bufio.Reader, logger *slog.Logger, interactive bool) (llm.Client, error) {
	switch provider {
	case "gateway":
		return gatewayClient(ctx, cfg, in, logger, interactive)
	case "openai":
		c, err := llm.NewOpenAIClient(ctx, cfg.Model)
		if err != nil {
			return nil, errors.Wrap(err, "initializing OpenAI client")
		}
		return c, nil
	case "anthropic":
		c, err := llm.NewAnthropicClient(ctx, cfg.Model)
		if err != nil {
			return nil, errors.Wrap(err, "initializing Anthropic client")
		}
		return c, nil
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.Model)
		if err != nil {
			return nil, errors.Wrap(err, "initializing Gemini client")
		}
		return c, nil
	case "bedrock":
		c, err := llm.NewBedrockClient(ctx, cfg.Model)
		if err != nil {
			return nil, errors.Wrap(err, "initializing Bedrock client")
		}
		return c, nil
	case "mock":
		return &llm.MockClient{}, nil
	default:
		return nil, errors.New("unknown provider %q", provider)
	}
}

func gatewayClient(ctx context.Context, cfg *config.Config, in *bufio.Reader, logger *slog.Logger, interactive bool) (llm.Client, error) {
	needsSave := false
	if cfg.HasCredentials() {
		if interactive {
			if _, err := os.Stat(config.CredentialsPath()); err == nil {
				printSuccess("Using saved credentials from " + config.CredentialsPath())
			} else {
				printSuccess("Using credentials from environment variables")
			}
		}
	} else {
		if !interactive {
			return nil, errors.New("gateway credentials not configured")
		}
		fmt.Printf("\n%sEnter your Circuit gateway credentials:%s\n\n", colorBold, colorReset)
		if cfg.Gateway.ClientID == "" {
			id, err := readLine(in, fmt.Sprintf("  %sClient ID:%s ", colorCyan, colorReset))
			if err != nil {
				return nil, err
			}
			cfg.Gateway.ClientID = id
		}
		if cfg.Gateway.ClientSecret == "" {
			cfg.Gateway.ClientSecret = readSecret(in, fmt.Sprintf("  %sClient Secret:%s ", colorCyan, colorReset))
		}
		if cfg.Gateway.AppKey == "" {
			key, err := readLine(in, fmt.Sprintf("  %sApp Key:%s ", colorCyan, colorReset))
			if err != nil {
				return nil, err
			}
			cfg.Gateway.AppKey = key
		}
		if !cfg.HasCredentials() {
			return nil, errors.New("all credentials are required")
		}
		needsSave = true
	}

	client, err := llm.NewGatewayClient(cfg.Gateway, cfg.SSL, logger)
	if err != nil {
		return nil, err
	}
	client.SetRetryPolicy(cfg.MaxRetries, 0)

	if interactive {
		printInfo("Testing connection...")
		if _, err := client.Token(ctx); err != nil {
			return nil, errors.Wrap(err, "authentication failed")
		}
		printSuccess("Authentication successful!")

		if needsSave && confirmPrompt(in, "Save credentials for future sessions?", true) {
			if err := cfg.SaveCredentials(); err != nil {
				printWarning("Could not save credentials: " + err.Error())
			} else {
				printSuccess("Credentials saved to " + config.CredentialsPath())
			}
		}
	}
	return client, nil
}

func selectModel(cfg *config.Config, in *bufio.Reader) {
	fmt.Println()
	fmt.Print(config.ModelMenu(cfg.Model))
	choice, err := readLine(in, fmt.Sprintf("\n  Choice [%s2%s]: ", colorGreen, colorReset))
	if err != nil {
		return
	}
	if choice == "" {
		choice = "2"
	}
	if m, ok := config.Models[choice]; ok {
		cfg.Model = m.Name
	}
	printSuccess("Using " + cfg.Model)
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(in *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	line, _ := readLine(in, "")
	return line
}
