package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chzyer/readline"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".stats"),
	readline.PcItem(".reduce"),
	readline.PcItem(".exit"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("SCAN"),
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "yalskv - a log-structured key-value store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: yalskv [options] [database_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nStart yalskv and type .help for the list of commands.\n")
	}
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error or off")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(2)
	}
	logger := log.NewStandardLogger(log.WithOutput(os.Stderr), log.WithLevel(level))

	telCfg := telemetry.DefaultConfig()
	telCfg.LoadFromEnv()
	telCfg.Output = os.Stderr
	tel, err := telemetry.New(telCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	sh := newShell(os.Stdout, logger, tel)
	defer sh.close()

	if flag.NArg() > 0 {
		path := flag.Arg(0)
		fmt.Printf("Opening database at %s\n", path)
		if err := sh.open(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
	}

	runInteractive(sh)
}

// runInteractive reads commands until .exit or end of input
func runInteractive(sh *shell) {
	fmt.Println("yalskv version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), ".yalskv_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		}
		if err == io.EOF {
			fmt.Println("Goodbye!")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			continue
		}

		if !sh.exec(line) {
			return
		}
	}
}
