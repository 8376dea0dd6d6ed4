// Command nrepl-eval sends one form to a running nREPL server and prints
// the result. The backup scripts use it to drive the babashka process
// that owns the database handle: captured output first, then the final
// value, with distinct exit statuses so the scripts can tell "could not
// reach the server" from "the evaluation itself failed".
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hive-agi/bb-db-backup/client"
)

const (
	exitEvalError  = 1
	exitConnFailed = 2
	exitProtocol   = 3
)

var (
	host    string
	port    int
	timeout time.Duration
	verbose bool

	logger *zap.Logger
)

// errEvalFailed marks a run where the server was reached but the
// evaluation reported an error; the error text has already been printed.
var errEvalFailed = errors.New("evaluation failed")

var rootCmd = &cobra.Command{
	Use:   "nrepl-eval [code]",
	Short: "Evaluate a form on a running nREPL server",
	Long: `nrepl-eval sends a single eval request over the bencode wire protocol
and reads the response stream until the server reports it is done.
Code comes from the positional argument, or from stdin when absent.

The port is taken from --port, the NREPL_PORT environment variable, or a
.nrepl-port file in the working directory, in that order.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&host, "host", client.DefaultHost, "nREPL server host")
	rootCmd.Flags().IntVar(&port, "port", 0, "nREPL server port (default: NREPL_PORT, .nrepl-port file, or 1667)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "read timeout for server responses")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	code, err := readCode(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(resolvePort(port)))
	res, err := client.EvalOnce(addr, code,
		client.WithTimeout(timeout),
		client.WithLogger(logger))
	if err != nil {
		return err
	}

	if res.Out != "" {
		fmt.Fprint(cmd.OutOrStdout(), res.Out)
	}
	if res.Value != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Value)
	}
	if res.Err != "" {
		fmt.Fprint(cmd.ErrOrStderr(), res.Err)
		return errEvalFailed
	}
	return nil
}

// readCode takes the form from the positional argument, falling back to
// the whole of stdin (the scripts pipe generated code in).
func readCode(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", errors.Wrap(err, "read code from stdin")
	}
	code := strings.TrimSpace(string(data))
	if code == "" {
		return "", errors.New("no code given on the command line or stdin")
	}
	return code, nil
}

// resolvePort picks the first configured source: the --port flag, the
// NREPL_PORT environment variable, the .nrepl-port file babashka writes
// next to the process, then the well-known default.
func resolvePort(flagPort int) int {
	if flagPort > 0 {
		return flagPort
	}
	if env := os.Getenv("NREPL_PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil && p > 0 {
			return p
		}
	}
	if data, err := os.ReadFile(".nrepl-port"); err == nil {
		if p, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && p > 0 {
			return p
		}
	}
	return client.DefaultPort
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errEvalFailed):
		return exitEvalError
	case errors.Is(err, client.ErrConnectionFailed):
		return exitConnFailed
	default:
		return exitProtocol
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errEvalFailed) {
			fmt.Fprintln(os.Stderr, "nrepl-eval:", err)
		}
		os.Exit(exitCode(err))
	}
}
