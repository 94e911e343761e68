package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg    config
		userID string
		limit  int64
		asJSON bool
	)

	flags := allFlags(&cfg,
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User whose fingerprints are listed",
			Destination: &userID,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of fingerprints (history limit when 0)",
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print full records as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "history",
		Usage: "List the newest active fingerprints of a user",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, os.Stderr)

			uc, cleanup, err := cfg.buildUseCase(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			history, err := uc.ListHistory(ctx, userID, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list history")
			}
			if asJSON {
				return printJSON(c, history)
			}

			w := output(c)
			for _, fp := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					fp.ID, fp.CreatedAt.Format("2006-01-02 15:04:05"), fp.MissionID, fp.PerceptualHash, fp.Source)
			}
			fmt.Fprintf(w, "\nTotal: %d fingerprint(s)\n", len(history))
			return nil
		},
	}
}

// statusCommand changes the status of one fingerprint
func statusCommand(name, usage string, apply func(ctx context.Context, uc *admission.UseCase, id model.FingerprintID) error) *cli.Command {
	var (
		cfg config
		id  model.FingerprintID
	)

	flags := allFlags(&cfg,
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Fingerprint ID",
			Destination: (*string)(&id),
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

			if err := apply(ctx, uc, id); err != nil {
				return err
			}
			fmt.Fprintf(output(c), "%s: %s\n", name, id)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return statusCommand("delete", "Soft delete a fingerprint so it no longer counts as history",
		func(ctx context.Context, uc *admission.UseCase, id model.FingerprintID) error {
			return uc.SoftDelete(ctx, id)
		})
}

func archiveCommand() *cli.Command {
	return statusCommand("archive", "Archive a fingerprint so it no longer counts as history",
		func(ctx context.Context, uc *admission.UseCase, id model.FingerprintID) error {
			return uc.Archive(ctx, id)
		})
}
