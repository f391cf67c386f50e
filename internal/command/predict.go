// Package command implements the predict and test command lines.
package command

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/logging"
	"github.com/Brownie44l1/glaucoma-detector/internal/model"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

// Flags.
const (
	flagConfig  = "config"
	flagWeights = "weights"
	flagDevice  = "device"
	flagDebug   = "debug"
	flagRaw     = "raw"
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
			EnvVars: []string{"GLAUCOMA_CONFIG"},
		},
		&cli.StringFlag{
			Name:    flagWeights,
			Usage:   "fine-tuned model `FILE`, overrides model.weights_path",
			EnvVars: []string{"GLAUCOMA_WEIGHTS"},
		},
		&cli.StringFlag{
			Name:  flagDevice,
			Usage: "inference device: auto, cpu or cuda",
		},
		&cli.BoolFlag{
			Name:  flagDebug,
			Usage: "enable debug logging",
		},
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if c.IsSet(flagWeights) {
		cfg.Model.WeightsPath = c.String(flagWeights)
	}
	if c.IsSet(flagDevice) {
		cfg.Model.Device = c.String(flagDevice)
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// Predict runs the predict command line. args[0] is the program name. It
// writes exactly one JSON result to stdout, logs to stderr, and returns the
// process exit code.
func Predict(args []string, stdout, stderr io.Writer) (code int) {
	var (
		result model.Result
		ran    bool
	)
	defer func() {
		if r := recover(); r != nil {
			result = model.Failure(model.Errorf(model.KindInternal, "unexpected failure: %v", r))
		}
		writeResult(stdout, result)
		code = 0
		if !result.Success {
			code = 1
		}
	}()

	app := &cli.App{
		Name:            "predict",
		Usage:           "classify a fundus image for glaucoma",
		ArgsUsage:       "<file>",
		Description:     "The file holds the image as base64 text, optionally as a data URL. Use --raw for image bytes. Flags go before the file.",
		Writer:          stderr,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		ExitErrHandler:  func(*cli.Context, error) {},
		Flags: append(modelFlags(), &cli.BoolFlag{
			Name:  flagRaw,
			Usage: "the file holds raw image bytes instead of base64 text",
		}),
		Action: func(c *cli.Context) error {
			ran = true
			result = runPredict(c, stderr)
			return nil
		},
	}

	if err := app.Run(args); err != nil {
		result = model.Failure(model.NewError(model.KindArgument, err))
	} else if !ran {
		// Help was shown instead of running; there is still no image.
		result = model.Failure(errImageRequired())
	}
	return 0
}

func runPredict(c *cli.Context, stderr io.Writer) model.Result {
	switch c.NArg() {
	case 0:
		return model.Failure(errImageRequired())
	case 1:
	default:
		// Flags after the file are not parsed and show up here as extra arguments.
		return model.Failure(model.Errorf(model.KindArgument,
			"expected exactly one image file path, got %d arguments %q (flags must come before the file)",
			c.NArg(), c.Args().Slice()))
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return model.Failure(model.NewError(model.KindConfig, err))
	}
	logger, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return model.Failure(model.NewError(model.KindConfig, err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	path := c.Args().First()
	payload, err := os.ReadFile(path)
	if err != nil {
		return model.Failure(model.NewError(model.KindInput, errors.Wrap(err, "reading image file")))
	}

	enc := preprocess.EncodingBase64
	if c.Bool(flagRaw) {
		enc = preprocess.EncodingRaw
	}

	classifier := model.Load(cfg.Model, cfg.Runtime, logger)
	defer func() {
		if err := classifier.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	result := classifier.Predict(payload, enc)
	logger.Info("prediction finished",
		zap.String("file", path),
		zap.Bool("success", result.Success),
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

func errImageRequired() error {
	return model.Errorf(model.KindArgument, "Image file path is required")
}

func writeResult(w io.Writer, result model.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(model.Failure(model.NewError(model.KindInternal, err)))
	}
	fmt.Fprintln(w, string(data))
}
