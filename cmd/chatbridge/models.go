package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"chatbridge/internal/registry"
	"chatbridge/pkg/types"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model packages in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("models-dir") {
				cfg.ModelsDir = dir
			}
			models, err := registry.LoadDir(cfg.ModelsDir)
			if err != nil {
				return err
			}
			if models == nil {
				models = []types.Model{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(types.ModelsResponse{Object: "list", Data: models})
		},
	}
	cmd.Flags().StringVar(&dir, "models-dir", "", "Directory of model packages")
	return cmd
}
