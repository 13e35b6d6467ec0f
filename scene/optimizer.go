package scene

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// CommandOptimizer runs an external pose-graph optimizer. The command line
// may reference {in}, {out} and {preference}; it is split on whitespace and
// executed without a shell.
type CommandOptimizer struct {
	Command    string
	Preference float64
}

// NewOptimizer returns a CommandOptimizer when optimizer_command is set,
// otherwise a NoopOptimizer
func NewOptimizer(config *Config) Optimizer {
	if strings.TrimSpace(config.OptimizerCommand) == "" {
		return NoopOptimizer{}
	}
	return &CommandOptimizer{
		Command:    config.OptimizerCommand,
		Preference: config.PreferenceLoopClosure,
	}
}

// Args expands the placeholders into an argument list
func (o *CommandOptimizer) Args(in, out string) []string {
	replacer := strings.NewReplacer(
		"{in}", in,
		"{out}", out,
		"{preference}", strconv.FormatFloat(o.Preference, 'g', -1, 64),
	)
	fields := strings.Fields(o.Command)
	for i, f := range fields {
		fields[i] = replacer.Replace(f)
	}
	return fields
}

// Optimize runs the command and waits for it to finish
func (o *CommandOptimizer) Optimize(ctx context.Context, in, out string) error {
	args := o.Args(in, out)
	if len(args) == 0 {
		return fmt.Errorf("optimizer command is empty")
	}

	log.Printf("[SCENE] Optimizing pose graph: %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		log.Printf("[SCENE] optimizer output:\n%s", strings.TrimRight(string(output), "\n"))
	}
	if err != nil {
		return fmt.Errorf("running optimizer %s: %w", args[0], err)
	}
	return nil
}

// NoopOptimizer skips optimization
type NoopOptimizer struct{}

// Optimize logs and returns nil
func (NoopOptimizer) Optimize(ctx context.Context, in, out string) error {
	log.Printf("[SCENE] No optimizer_command configured, leaving %s unoptimized", in)
	return nil
}
