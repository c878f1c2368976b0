package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshgate/internal/app"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/settings"
)

func newSettingsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settings [key=value ...]",
		Short: "Print the persisted settings, or merge key=value pairs into them",
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseAssignments(args)
			if err != nil {
				return err
			}
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			persister, closePersister, err := app.OpenSettingsPersister(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open settings backend: %w", err)
			}
			defer closePersister()

			store := settings.NewStore(
				settings.WithPersister(persister),
				settings.WithLogger(observability.Component(logger, "settings")),
			)
			current := store.Load(ctx)
			if len(partial) > 0 {
				current = store.Merge(ctx, partial)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(current)
		},
	}
}

// parseAssignments turns key=value arguments into a partial settings map.
// Values that parse as JSON keep their type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
