package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "proofgate",
		Usage: "Image admission checks for mission submissions",
		Commands: []*cli.Command{
			serveCommand(),
			checkCommand(),
			batchCommand(),
			presenceCommand(),
			syntheticCommand(),
			historyCommand(),
			deleteCommand(),
			archiveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func output(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(c *cli.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal output")
	}
	if _, err := output(c).Write(append(data, '\n')); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}
