// Package main is a text console for talking to a running mycroft
// stack: typed lines go out as utterances, speak messages come back as
// printed lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/bus/ws"
	"github.com/fossabot/mycroft-core/internal/config"
	"github.com/fossabot/mycroft-core/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath, lang, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("mycroft-cli %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	// Console output is the UI; logs go to stderr at warn and above so
	// they do not interleave with the conversation.
	logger, err := logging.New("warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	client := ws.NewClient(logger, cfg.Websocket.URL(), "cli",
		ws.WithClientRequestTimeout(cfg.Websocket.RequestTimeout))
	if err := client.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach bus hub at %s: %v\n", cfg.Websocket.URL(), err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Stop(ctx)
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer rl.Close()

	// Spoken responses and intent failures print above the prompt.
	if _, err := client.Subscribe("speak", func(ctx context.Context, msg *bus.Message) error {
		if text, ok := msg.Data["utterance"].(string); ok {
			fmt.Fprintf(rl.Stdout(), "<< %s\n", text)
		}
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := client.Subscribe("complete_intent_failure", func(ctx context.Context, msg *bus.Message) error {
		fmt.Fprintln(rl.Stdout(), "<< (no skill could handle that)")
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Println("Connected. Type an utterance, :help for commands, :quit to exit.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			if quit := command(client, rl, line); quit {
				return 0
			}
			continue
		}

		msg := bus.New("recognizer_loop.utterance", map[string]any{
			"utterances": []any{line},
			"lang":       lang,
		})
		if err := client.Publish(msg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// command handles the colon commands. Returns true to exit.
func command(client *ws.Client, rl *readline.Instance, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q", ":exit":
		return true

	case ":help":
		fmt.Fprintln(rl.Stdout(), "  :skills            list skills and their states")
		fmt.Fprintln(rl.Stdout(), "  :settings <skill>  show a skill's settings")
		fmt.Fprintln(rl.Stdout(), "  :load [skill]      (re)load a skill, or all")
		fmt.Fprintln(rl.Stdout(), "  :stop              stop whatever is running")
		fmt.Fprintln(rl.Stdout(), "  :quit              exit")

	case ":skills":
		resp, err := request(client, bus.New("mycroft.skills.list", nil))
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
			return false
		}
		skills, _ := resp.Data["skills"].([]any)
		for _, s := range skills {
			entry, _ := s.(map[string]any)
			fmt.Fprintf(rl.Stdout(), "  %-20v %v\n", entry["skill"], entry["state"])
		}

	case ":settings":
		if len(fields) < 2 {
			fmt.Fprintln(rl.Stdout(), "usage: :settings <skill>")
			return false
		}
		resp, err := request(client, bus.New("skill.settings.get", map[string]any{"skill": fields[1]}))
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
			return false
		}
		settings, _ := resp.Data["settings"].(map[string]any)
		if len(settings) == 0 {
			fmt.Fprintln(rl.Stdout(), "  (none)")
			return false
		}
		for key, value := range settings {
			fmt.Fprintf(rl.Stdout(), "  %s = %v\n", key, value)
		}

	case ":load":
		data := map[string]any{}
		if len(fields) >= 2 {
			data["skill"] = fields[1]
		}
		if err := client.Publish(bus.New("mycroft.skills.load", data)); err != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		}

	case ":stop":
		if err := client.Publish(bus.New("mycroft.stop", nil)); err != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		}

	default:
		fmt.Fprintf(rl.Stdout(), "unknown command %s (:help)\n", fields[0])
	}
	return false
}

func request(client *ws.Client, msg *bus.Message) (*bus.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Request(ctx, msg)
}

func parseFlags() (string, string, bool) {
	var configPath, lang string
	var showVersion bool

	flag.StringVar(&configPath, "config", "mycroft.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "mycroft.yaml", "Path to configuration file (shorthand)")
	flag.StringVar(&lang, "lang", "en-us", "Utterance language tag")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	return configPath, lang, showVersion
}
