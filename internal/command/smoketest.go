package command

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/glaucoma-detector/internal/model"
)

// SmokeTest runs the test command line: it base64 encodes an image, runs the
// predict command on it in-process, and prints a readable report. The exit
// code follows the success flag of the parsed result.
func SmokeTest(args []string, stdout, stderr io.Writer) int {
	code := 0
	app := &cli.App{
		Name:            "test",
		Usage:           "run one prediction end to end and print a report",
		ArgsUsage:       "<image>",
		Writer:          stderr,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		ExitErrHandler:  func(*cli.Context, error) {},
		Flags:           modelFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("Usage: test <path_to_image>")
			}
			res, err := smokeTest(c, stderr)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, renderReport(c.Args().First(), res))
			if !res.Success {
				code = 1
			}
			return nil
		},
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintf(stderr, "Error during testing: %v\n", err)
		return 1
	}
	return code
}

func smokeTest(c *cli.Context, stderr io.Writer) (model.Result, error) {
	var res model.Result
	cfg, err := loadConfig(c)
	if err != nil {
		return res, err
	}

	raw, err := os.ReadFile(c.Args().First())
	if err != nil {
		return res, errors.Wrap(err, "reading image")
	}

	tmp := filepath.Join(cfg.ScratchDir(), "image_"+uuid.New().String()+".txt")
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(raw)), 0o600); err != nil {
		return res, errors.Wrap(err, "writing encoded image")
	}
	defer os.Remove(tmp)

	args := []string{"predict"}
	for _, name := range []string{flagConfig, flagWeights, flagDevice} {
		if c.IsSet(name) {
			args = append(args, "--"+name, c.String(name))
		}
	}
	if c.Bool(flagDebug) {
		args = append(args, "--"+flagDebug)
	}
	args = append(args, tmp)

	var out bytes.Buffer
	Predict(args, &out, stderr)
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		return res, errors.Wrapf(err, "parsing prediction output %q", out.String())
	}
	return res, nil
}

func renderReport(image string, res model.Result) string {
	t := table.NewWriter()
	t.SetTitle("Test Results")
	t.AppendRow(table.Row{"Image", image})
	if !res.Success {
		t.AppendRow(table.Row{"Error", res.Error})
		t.AppendRow(table.Row{"Kind", res.ErrorKind})
		return t.Render()
	}
	t.AppendRows([]table.Row{
		{"Prediction", res.Prediction},
		{"Confidence", fmt.Sprintf("%.2f%%", res.Confidence*100)},
		{"Model", res.Model},
		{"Model status", res.ModelStatus},
		{"Device", res.Device},
		{"Timestamp", res.Timestamp},
	})
	return t.Render()
}
