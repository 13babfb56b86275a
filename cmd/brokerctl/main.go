// Command brokerctl is a small interactive driver over internal/core's
// command surface (spec §6). It is deliberately thin: a line-based REPL
// that parses one command per line and prints the result/error string
// formats the spec names, explicitly distinct from the "embedding command
// interpreter/scripting front-end" spec.md places out of scope — there is
// no scripting language here, just a demo loop for driving the broker by
// hand or from a test harness's stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/splicebroker/internal/core"
)

var (
	flagBufferSize   int
	flagHandlePrefix string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "Interactive driver for the splice-broker core",
	Long: `brokerctl starts one splice-broker core and drives it from stdin,
one command per line, printing each command's result or error to stdout.

Commands (see the broker's command surface):
  open_pty
  connect <path>
  listen <path>
  link <hdl1> <hdl2>
  unlink <hdl>
  close <hdl>
  buffer_size <bytes>
  exec <shell command...>
  info
  inotify <path> <mask-tokens...>
  dbg_handles
  quit`,
	RunE: runREPL,
}

func main() {
	rootCmd.Flags().IntVar(&flagBufferSize, "buffer-size", 4096, "default ring buffer size in bytes")
	rootCmd.Flags().StringVar(&flagHandlePrefix, "handle-prefix", "sockptyr_", "handle string prefix")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(flagLogLevel)
	if err != nil {
		return err
	}

	c, err := core.NewCore(core.Options{
		HandlePrefix: flagHandlePrefix,
		BufferSize:   flagBufferSize,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("starting core: %w", err)
	}
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Stop()
		os.Exit(0)
	}()

	repl := newREPL(c)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "quit" {
			return nil
		}
		repl.dispatch(line)
	}
	return scanner.Err()
}
