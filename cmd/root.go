package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gxemap",
	Short: "Gxemap - mixed-model gene-environment interaction mapping",
	Long:  `Gxemap fits linear mixed models with structured covariance to test genetic variants for gene-environment interaction and persistent association.`,
}

func Execute() error {
	return rootCmd.Execute()
}
