package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/caffeineduck/wasmtask/executor"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [module.wasm]",
		Short: "Run a task module once",
		Long: `Run a task module in a fresh sandbox.

Values can be provided via:
  - Task file: wasmtask run --config task.yaml
  - Flags:     wasmtask run concat.wasm --file InputFiles=a.txt --file InputFiles=b.txt --out OutputFile=out.txt

Array values given with --set are split on ';'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	cmd.Flags().String("config", "", "YAML task file")
	cmd.Flags().StringArray("set", nil, "Set a property: name=value (repeatable)")
	cmd.Flags().StringArray("file", nil, "Add a file input: name=path (repeatable, appends for arrays)")
	cmd.Flags().StringArray("out", nil, "Destination for a file output: name=path (repeatable, ordered for arrays)")
	cmd.Flags().StringSlice("dir", nil, "Host directory the guest may access in place (repeatable)")
	cmd.Flags().StringSlice("output-root", nil, "Directory under which the guest may choose output paths (repeatable)")
	cmd.Flags().Bool("inherit-env", false, "Expose the host environment to the guest")
	return cmd
}

// runRequest is a task file merged with the command line.
type runRequest struct {
	module       string
	directories  []string
	properties   map[string]any
	files        map[string][]string
	destinations map[string][]string
}

func runRun(cmd *cobra.Command, args []string) error {
	tf := &taskFile{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if tf, err = loadTaskFile(path); err != nil {
			return err
		}
	}

	req, err := buildRequest(cmd, args, tf)
	if err != nil {
		return err
	}

	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	opts, err := executorOptions(cmd, log)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("timeout") && tf.Timeout > 0 {
		opts = append(opts, executor.WithTimeout(tf.Timeout))
	}
	roots, _ := cmd.Flags().GetStringSlice("output-root")
	if roots = append(tf.OutputRoots, roots...); len(roots) > 0 {
		opts = append(opts, executor.WithOutputRoot(roots...))
	}
	if inherit, _ := cmd.Flags().GetBool("inherit-env"); inherit || tf.InheritEnv {
		opts = append(opts, executor.WithInheritEnv())
	}

	exec, err := executor.New(opts...)
	if err != nil {
		return err
	}
	defer exec.Close()

	task, err := exec.LoadFile(cmd.Context(), req.module)
	if err != nil {
		return err
	}
	inst := task.NewInstance()
	if err := req.apply(task, inst); err != nil {
		return err
	}

	res := inst.Execute(cmd.Context())
	if err := printOutputs(cmd.OutOrStdout(), res.Outputs); err != nil {
		return err
	}
	if !res.Success {
		if res.Err != nil {
			return fmt.Errorf("task %s failed: %w", task.Name(), res.Err)
		}
		return fmt.Errorf("task %s failed (exit code %d)", task.Name(), res.ExitCode)
	}
	log.LogMessage(tasklog.High, fmt.Sprintf("Task %s succeeded in %v", task.Name(), res.Duration))
	return nil
}

func buildRequest(cmd *cobra.Command, args []string, tf *taskFile) (*runRequest, error) {
	req := &runRequest{
		module:       tf.Module,
		properties:   make(map[string]any),
		files:        make(map[string][]string),
		destinations: make(map[string][]string),
	}
	if len(args) > 0 {
		req.module = args[0]
	}
	if req.module == "" {
		return nil, errors.New("no module given: pass a .wasm path or set module in --config")
	}

	for name, v := range tf.Properties {
		req.properties[name] = v
	}
	for name, raw := range tf.Destinations {
		paths, err := destinationPaths(name, raw)
		if err != nil {
			return nil, err
		}
		req.destinations[name] = paths
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	for _, s := range sets {
		name, value, err := splitAssignment("set", s)
		if err != nil {
			return nil, err
		}
		req.properties[name] = value
	}

	files, _ := cmd.Flags().GetStringArray("file")
	for _, s := range files {
		name, path, err := splitAssignment("file", s)
		if err != nil {
			return nil, err
		}
		req.files[name] = append(req.files[name], path)
	}

	outs, _ := cmd.Flags().GetStringArray("out")
	flagDests := make(map[string][]string)
	for _, s := range outs {
		name, path, err := splitAssignment("out", s)
		if err != nil {
			return nil, err
		}
		flagDests[name] = append(flagDests[name], path)
	}
	for name, paths := range flagDests {
		req.destinations[name] = paths
	}

	dirs, _ := cmd.Flags().GetStringSlice("dir")
	req.directories = append(tf.Directories, dirs...)
	return req, nil
}

// apply coerces every value by the declared kind and sets it on inst.
func (r *runRequest) apply(task *executor.Task, inst *executor.Instance) error {
	s := task.Schema()

	for name, raw := range r.properties {
		if err := setCoerced(s, inst, name, raw); err != nil {
			return err
		}
	}
	for name, paths := range r.files {
		d, ok := s.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", schema.ErrUnknownProperty, name)
		}
		var raw any = paths
		if d.Kind == schema.KindFileRef {
			if len(paths) != 1 {
				return fmt.Errorf("%s takes a single file", d.Name)
			}
			raw = paths[0]
		}
		if err := setCoerced(s, inst, name, raw); err != nil {
			return err
		}
	}
	for name, paths := range r.destinations {
		if err := inst.SetDestination(name, paths...); err != nil {
			return err
		}
	}
	if len(r.directories) > 0 {
		return inst.SetDirectories(r.directories...)
	}
	return nil
}

func setCoerced(s *schema.Schema, inst *executor.Instance, name string, raw any) error {
	d, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownProperty, name)
	}
	if d.Output {
		return fmt.Errorf("%s is an output and cannot be set", d.Name)
	}
	v, err := schema.Coerce(d.Kind, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	return inst.Set(d.Name, v)
}

// printOutputs writes one "Name = value" line per output, sorted.
func printOutputs(w io.Writer, outputs map[string]any) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s = %s\n", name, formatValue(outputs[name])); err != nil {
			return err
		}
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case schema.FileRef:
		return v.HostPath
	case []schema.FileRef:
		paths := make([]string, len(v))
		for i, ref := range v {
			paths[i] = ref.HostPath
		}
		return strings.Join(paths, schema.ItemSeparator)
	case []string:
		return strings.Join(v, schema.ItemSeparator)
	case []bool:
		parts := make([]string, len(v))
		for i, b := range v {
			parts[i] = fmt.Sprint(b)
		}
		return strings.Join(parts, schema.ItemSeparator)
	}
	return fmt.Sprint(v)
}
