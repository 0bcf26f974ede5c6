package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/born-ml/aad/internal/autodiff"
	"github.com/born-ml/aad/internal/pricing"
)

func newDotCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Render the closed-form price graph in the DOT language",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dot, err := a.dot()
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			if err := os.WriteFile(output, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			a.logger.Info("graph written", "path", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func (a *app) dot() (string, error) {
	p := paramsFrom(a.cfg)
	if err := p.Validate(); err != nil {
		return "", err
	}

	g := autodiff.NewGraph[string, float64]()
	vars, err := pricing.NewVars(g, p)
	if err != nil {
		return "", err
	}
	price := pricing.BlackScholesCall(vars)
	defer price.Release()

	builder, _ := price.Graphviz()

	gv := a.cfg.Graphviz
	builder.WithName(gv.Name)
	for k, v := range gv.GraphSettings {
		builder.WithGraphSetting(k, v)
	}
	for k, v := range gv.NodeSettings {
		builder.WithNodeSetting(k, v)
	}
	if gv.ValueFormat != "" {
		builder.WithValueFormatter(func(v float64) string { return fmt.Sprintf(gv.ValueFormat, v) })
	}

	a.logger.Debug("graph rendered", "cells", g.Stats().Cells)
	return builder.GenDot(), nil
}
