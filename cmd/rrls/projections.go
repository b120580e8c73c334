package main

import (
	"github.com/spf13/cobra"

	"github.com/n0madic/go-online-rls/config"
	rfmapper "github.com/n0madic/go-online-rls/rf-mapper"
)

type projectionsFlags struct {
	numRF   int
	dIn     int
	t       int
	scale   float64
	seed    int64
	variant string
	lambda  float64
}

func newProjectionsCmd() *cobra.Command {
	var f projectionsFlags
	cmd := &cobra.Command{
		Use:   "projections",
		Short: "Print a configuration skeleton with random projections",
		Long: `Projections draws num_rf Gaussian projection vectors for d_in inputs and
prints a complete YAML configuration around them. With the cos or cossin
mapping the features approximate an RBF kernel of bandwidth 1/scale.`,
		Example: "  rrls projections --num-rf 200 --d-in 4 --t 2 --variant cossin --seed 7 > run.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := projectionsConfig(f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.numRF, "num-rf", 100, "number of projections")
	flags.IntVar(&f.dIn, "d-in", 1, "input dimension")
	flags.IntVar(&f.t, "t", 1, "output dimension")
	flags.Float64Var(&f.scale, "scale", 1, "standard deviation of the projection weights")
	flags.Int64Var(&f.seed, "seed", 0, "random seed, 0 uses the current time")
	flags.StringVar(&f.variant, "variant", rfmapper.CosSin.String(), "mapping: linear, cos or cossin")
	flags.Float64Var(&f.lambda, "lambda", 1, "ridge regularization")
	return cmd
}

func projectionsConfig(f projectionsFlags) ([]byte, error) {
	variant, err := rfmapper.ParseVariant(f.variant)
	if err != nil {
		return nil, err
	}
	proj, err := rfmapper.Generate(f.numRF, f.dIn, f.scale, f.seed)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.General.DIn = f.dIn
	cfg.General.T = f.t
	cfg.General.NumRF = f.numRF
	cfg.General.Mapping = variant.String()
	cfg.General.Lambda = f.lambda
	cfg.General.D = variant.Dim(f.numRF)
	cfg.Projections = proj
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.Marshal()
}
