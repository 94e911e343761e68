package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
	"github.com/urfave/cli/v3"
)

// inspectCommand runs a single detector on one image without gating or
// persisting anything
func inspectCommand(name, usage string, run func(ctx context.Context, uc *admission.UseCase, img *model.Image) (any, error)) *cli.Command {
	var (
		cfg   config
		image string
	)

	flags := allFlags(&cfg,
		&cli.StringFlag{
			Name:        "image",
			Aliases:     []string{"i"},
			Usage:       "Image URL or file path",
			Destination: &image,
			Required:    true,
		},
	)

	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, os.Stderr)

			uc, cleanup, err := cfg.buildUseCase(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			img, err := uc.Load(ctx, image)
			if err != nil {
				return goerr.Wrap(err, "failed to load image")
			}
			result, err := run(ctx, uc, img)
			if err != nil {
				return err
			}
			return printJSON(c, result)
		},
	}
}

func presenceCommand() *cli.Command {
	return inspectCommand("presence", "Detect the required object in an image",
		func(ctx context.Context, uc *admission.UseCase, img *model.Image) (any, error) {
			return uc.DetectPresence(ctx, img)
		})
}

func syntheticCommand() *cli.Command {
	return inspectCommand("synthetic", "Estimate whether an image is AI generated",
		func(ctx context.Context, uc *admission.UseCase, img *model.Image) (any, error) {
			return uc.DetectSynthetic(ctx, img)
		})
}
