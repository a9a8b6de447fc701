package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/iamthamanic/multiagentultra/internal/catalog"
	"github.com/iamthamanic/multiagentultra/internal/config"

	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect crew definition files",
	}
	cmd.AddCommand(newCatalogValidateCmd())
	return cmd
}

func newCatalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate the crew definitions in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.Default().CatalogDir
			if len(args) == 1 {
				dir = args[0]
			}
			return validateCatalog(cmd, dir)
		},
	}
}

func validateCatalog(cmd *cobra.Command, dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("catalog directory is required")
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("read catalog dir: %w", err)
	}
	crews, err := catalog.Loader{}.Load(dir)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s catalog %s: %v\n", failLabel(), dir, err)
		return err
	}

	static, err := catalog.NewStatic(mapValues(crews)...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, definition := range static.List() {
		fmt.Fprintf(out, "crew %d %q: project %d, %d agents, %s\n",
			definition.ID, definition.Name, definition.ProjectID, len(definition.Agents), definition.Status)
	}
	fmt.Fprintf(out, "%s %d crews valid in %s\n", okLabel(), len(crews), dir)
	return nil
}

func mapValues[K comparable, V any](values map[K]V) []V {
	out := make([]V, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	return out
}
