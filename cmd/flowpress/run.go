package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

func runCmd(c *cli) *cobra.Command {
	var (
		input      string
		inputFile  string
		outputPath string
		defsDir    string
		model      string
		workdir    string
		approve    string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline.{json,yaml,dot}>",
		Short: "Execute a pipeline once and print its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if model != "" {
				cfg.LLM.Model = model
			}
			if workdir != "" {
				cfg.Tools.Workdir = workdir
			}
			if defsDir == "" {
				defsDir = cfg.Definitions.Dir
			}
			data, err := readInput(input, inputFile)
			if err != nil {
				return err
			}

			def, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			// Definitions in the directory are available as subflows.
			if err := registerDir(eng.Catalog(), defsDir); err != nil {
				return err
			}
			if err := eng.Catalog().Register(def); err != nil {
				return err
			}

			approver, err := newApprover(approve, cmd.InOrStdin(), cmd.ErrOrStderr(), eng)
			if err != nil {
				return err
			}
			eng.Subscribe(progressPrinter(cmd.ErrOrStderr()))
			eng.Subscribe(approver.onEvent)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			pctx, err := eng.Run(ctx, def.ID, data)
			if err != nil {
				return err
			}
			if err := writeOutputContext(outputPath, pctx); err != nil {
				return err
			}
			if pctx.Status() != pipeline.RunCompleted {
				return fmt.Errorf("pipeline %q failed at node %q: %w", def.ID, pctx.FailedNodeID(), pctx.Err())
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %q completed (run %s)\n", def.ID, pctx.RunID())
			if outputPath == "" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(pctx.Data())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read run input from a JSON file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the final context data as JSON to this path")
	cmd.Flags().StringVar(&defsDir, "definitions", "", "directory of pipelines usable as subflows (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "LLM model for generate_content (provider:model-id)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for file tools")
	cmd.Flags().StringVar(&approve, "approve", "prompt", "approval handling: prompt, yes, no or wait")
	return cmd
}

func readInput(inline, path string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("use either --input or --input-file, not both")
	case inline != "":
		raw = []byte(inline)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = b
	default:
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return data, nil
}

// writeOutputContext writes the run data as JSON. An empty path is a no-op.
func writeOutputContext(path string, pctx *pipeline.PipelineContext) error {
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(pctx.Data(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	return nil
}

// progressPrinter prints one line per node transition and run outcome.
func progressPrinter(w io.Writer) pipeline.Listener {
	var mu sync.Mutex
	return func(ev pipeline.Event) {
		var line string
		switch ev.Type {
		case pipeline.EventNodeStarted:
			line = fmt.Sprintf("→ %s (%s)", ev.NodeID, ev.NodeType)
			if ev.Attempt > 1 {
				line += fmt.Sprintf(" attempt %d", ev.Attempt)
			}
		case pipeline.EventNodeCompleted:
			line = fmt.Sprintf("✓ %s %s", ev.NodeID, ev.Duration.Round(time.Millisecond))
		case pipeline.EventNodeFailed:
			line = fmt.Sprintf("✗ %s: %s", ev.NodeID, ev.Error)
		case pipeline.EventNodeSkipped:
			line = fmt.Sprintf("- %s skipped: %s", ev.NodeID, ev.Reason)
		case pipeline.EventPipelineFailed:
			line = fmt.Sprintf("pipeline %s failed: %s", ev.PipelineID, ev.Error)
		default:
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[flowpress] %s\n", line)
	}
}

// approver answers approval_required events from the terminal or a fixed policy.
type approver struct {
	mode   string
	in     *bufio.Reader
	out    io.Writer
	engine *pipeline.Engine
	mu     sync.Mutex
}

func newApprover(mode string, in io.Reader, out io.Writer, eng *pipeline.Engine) (*approver, error) {
	switch mode {
	case "prompt", "yes", "no", "wait":
	default:
		return nil, fmt.Errorf("unknown --approve mode %q: use prompt, yes, no or wait", mode)
	}
	return &approver{mode: mode, in: bufio.NewReader(in), out: out, engine: eng}, nil
}

func (a *approver) onEvent(ev pipeline.Event) {
	if ev.Type != pipeline.EventApprovalRequired {
		return
	}
	switch a.mode {
	case "yes", "no":
		a.engine.HandleApproval(ev.RunID, ev.NodeID, a.mode == "yes")
	case "prompt":
		go a.ask(ev)
	}
	// "wait" leaves the node to its timeout and default action.
}

func (a *approver) ask(ev pipeline.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prompt := ev.Prompt
	if prompt == "" {
		prompt = "Approve " + ev.NodeID + "?"
	}
	fmt.Fprintf(a.out, "[flowpress] %s [y/N] ", prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	a.engine.HandleApproval(ev.RunID, ev.NodeID, answer == "y" || answer == "yes")
}
