package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/veil/pkg/backend"
	"github.com/go-go-golems/veil/pkg/envelope"
)

func nodesCmd(configFile, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the configured inference nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configFile, *logLevel)
			if err != nil {
				return err
			}
			picker, err := backend.NewStaticPickerFromFile(cfg.Nodes, nil)
			if err != nil {
				return err
			}
			for _, node := range picker.Nodes() {
				keyNote := "ok"
				if len(node.PublicKey) != envelope.PublicKeySize {
					keyNote = fmt.Sprintf("bad key (%d bytes)", len(node.PublicKey))
				}
				models := strings.Join(picker.Models(node.ID), ", ")
				if models == "" {
					models = "any"
				}
				fmt.Printf("%s  %s\n    models: %s  key: %s\n", node.ID, node.Address, models, keyNote)
			}
			return nil
		},
	}
}
