package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/definition"
	"github.com/pitabwire/grcflow/model"
)

// errInvalidDefinitions is returned after the validation errors were printed.
var errInvalidDefinitions = errors.New("workflow definitions are invalid")

// loadDefinitions reads the builtin types, when enabled, and every
// configured directory.
func loadDefinitions(cfg config.DefinitionsConfig) ([]model.DefinitionFile, error) {
	loader := definition.NewLoader()
	var files []model.DefinitionFile
	if cfg.IncludeBuiltin {
		builtin, err := loader.LoadBuiltin()
		if err != nil {
			return nil, fmt.Errorf("load builtin definitions: %w", err)
		}
		files = append(files, builtin...)
	}
	extra, err := loader.LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	return append(files, extra...), nil
}

// buildRegistry loads and validates definitions. Validation errors are
// returned individually so callers can report all of them.
func buildRegistry(cfg config.DefinitionsConfig) (*definition.Registry, []definition.VError, error) {
	files, err := loadDefinitions(cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, verrs := definition.Build(files)
	if len(verrs) > 0 {
		return nil, verrs, errInvalidDefinitions
	}
	return reg, nil, nil
}

func newValidateCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate workflow definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg, verrs, err := buildRegistry(cfg.Definitions)
			out := cmd.OutOrStdout()
			if len(verrs) > 0 {
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					_ = enc.Encode(map[string]any{"valid": false, "errors": verrs})
				} else {
					for _, ve := range verrs {
						fmt.Fprintf(out, "%s\t%s\t%s\n", ve.Code, ve.Path, ve.Message)
					}
				}
				return err
			}
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{"valid": true, "types": reg.Len(), "checksum": reg.Checksum()})
			}
			fmt.Fprintf(out, "%d workflow types valid (checksum %s)\n", reg.Len(), reg.Checksum())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List registered workflow types and their states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg, verrs, err := buildRegistry(cfg.Definitions)
			if err != nil {
				for _, ve := range verrs {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
				}
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tINITIAL\tSTATES\tAPPROVAL LEVELS")
			for _, m := range reg.All() {
				def := m.Definition()
				levels := "-"
				if def.Approval != nil {
					levels = strings.Join(def.Approval.LevelNames(), ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.ID, def.InitialState, strings.Join(def.States, ","), levels)
			}
			return tw.Flush()
		},
	}
}
