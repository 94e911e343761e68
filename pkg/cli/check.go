package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
	"github.com/urfave/cli/v3"
)

func checkCommand() *cli.Command {
	var (
		cfg            config
		userID         string
		image          string
		profileImage   string
		missionID      string
		idempotencyKey string
	)

	flags := allFlags(&cfg,
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "Submitting user",
			Destination: &userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "image",
			Aliases:     []string{"i"},
			Usage:       "Image URL or file path",
			Destination: &image,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "profile-image",
			Usage:       "Profile image URL or file path for the identity gate",
			Destination: &profileImage,
		},
		&cli.StringFlag{
			Name:        "mission-id",
			Aliases:     []string{"m"},
			Usage:       "Mission the image is submitted for",
			Destination: &missionID,
		},
		&cli.StringFlag{
			Name:        "idempotency-key",
			Usage:       "Retry key; a repeated key returns the first decision",
			Destination: &idempotencyKey,
		},
	)

	return &cli.Command{
		Name:  "check",
		Usage: "Run one image through the admission gates",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, os.Stderr)

			uc, cleanup, err := cfg.buildUseCase(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			img, err := uc.Load(ctx, image)
			if err != nil {
				return goerr.Wrap(err, "failed to load image")
			}
			in := &admission.CheckInput{
				Image:          img,
				UserID:         userID,
				MissionID:      missionID,
				IdempotencyKey: idempotencyKey,
			}
			if profileImage != "" {
				ref, err := uc.Load(ctx, profileImage)
				if err != nil {
					return goerr.Wrap(err, "failed to load profile image")
				}
				in.Reference = ref
			}

			d, err := uc.Check(ctx, in)
			if err != nil {
				return goerr.Wrap(err, "check failed")
			}
			return printJSON(c, d)
		},
	}
}

func batchCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := allFlags(&cfg,
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "Submitting user",
			Destination: &userID,
			Required:    true,
		},
	)

	return &cli.Command{
		Name:      "batch",
		Usage:     "Check several images of one user against a shared history snapshot",
		ArgsUsage: "<image>...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, os.Stderr)

			refs := c.Args().Slice()
			if len(refs) == 0 {
				return goerr.New("at least one image is required")
			}

			uc, cleanup, err := cfg.buildUseCase(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			items := make([]admission.BatchItem, len(refs))
			for i, ref := range refs {
				items[i] = admission.BatchItem{Source: ref}
			}

			result, err := uc.CheckBatch(ctx, userID, items)
			if err != nil {
				return goerr.Wrap(err, "batch check failed")
			}
			return printJSON(c, result)
		},
	}
}
