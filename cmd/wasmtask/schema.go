package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/caffeineduck/wasmtask/executor"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema <module.wasm>",
		Short: "Print the parameters a task module declares",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchema,
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	cmd.Flags().Bool("yaml", false, "Print as YAML")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
	return cmd
}

func runSchema(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	asYAML, _ := cmd.Flags().GetBool("yaml")

	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	opts, err := executorOptions(cmd, log)
	if err != nil {
		return err
	}
	exec, err := executor.New(opts...)
	if err != nil {
		return err
	}
	defer exec.Close()

	task, err := exec.LoadFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case asJSON:
		data, err := json.MarshalIndent(task.Schema(), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case asYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(task.Schema()); err != nil {
			return err
		}
		return enc.Close()
	}
	return printSchemaTable(out, task.Schema())
}

func printSchemaTable(w io.Writer, s *schema.Schema) error {
	fmt.Fprintf(w, "Task: %s\n\n", s.Name)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tDIRECTION\tREQUIRED")
	for _, p := range s.Properties {
		direction := "input"
		if p.Output {
			direction = "output"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", p.Name, p.Kind, direction, p.Required)
	}
	return tw.Flush()
}
