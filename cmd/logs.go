package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

type logsOptions struct {
	follow bool
	lines  int
	raw    bool
}

func newLogsCmd() *cobra.Command {
	opts := &logsOptions{}
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the log file, optionally following it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			path := cfg.Logger().LogFile
			if path == "" {
				return fmt.Errorf("logger.log_file is not configured")
			}
			return showLogs(ctx, path, *opts, cmd.OutOrStdout())
		},
	}
	logsCmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "keep printing new entries")
	logsCmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "number of trailing entries to show first (0 for all)")
	logsCmd.Flags().BoolVar(&opts.raw, "raw", false, "print the JSON entries unchanged")
	return logsCmd
}

// showLogs prints the last entries of path and, with follow, everything appended after.
func showLogs(ctx context.Context, path string, opts logsOptions, out io.Writer) error {
	last, err := lastLines(path, opts.lines)
	if err != nil {
		return err
	}
	for _, line := range last {
		fmt.Fprintln(out, formatEntry(line, opts.raw))
	}
	if !opts.follow {
		return nil
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow log file: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("failed reading log file: %w", line.Err)
			}
			fmt.Fprintln(out, formatEntry(line.Text, opts.raw))
		}
	}
}

// lastLines reads path to the end and returns its final n lines, or all of them when n <= 0.
func lastLines(path string, n int) ([]string, error) {
	t, err := tail.TailFile(path, tail.Config{MustExist: true, Logger: tail.DiscardingLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()

	var lines []string
	for line := range t.Lines {
		if line.Err != nil {
			return nil, fmt.Errorf("failed reading log file: %w", line.Err)
		}
		lines = append(lines, line.Text)
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, nil
}

// formatEntry renders one JSON log entry as "time LEVEL logger message {fields}".
// Lines that are not JSON objects are returned unchanged.
func formatEntry(line string, raw bool) string {
	if raw {
		return line
	}
	var entry map[string]interface{}
	if err := jsoniter.UnmarshalFromString(line, &entry); err != nil {
		return line
	}

	take := func(key string) string {
		v, ok := entry[key]
		if !ok {
			return ""
		}
		delete(entry, key)
		return fmt.Sprint(v)
	}
	parts := []string{take("ts"), take("level"), take("logger"), take("msg")}
	delete(entry, "stacktrace")
	delete(entry, "caller")

	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	if len(entry) > 0 {
		fields, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(entry)
		if err == nil {
			b.WriteByte(' ')
			b.WriteString(fields)
		}
	}
	return b.String()
}
