package main

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/urfave/cli"
	"github.com/urfave/cli/altsrc"

	"github.com/10gen/replset-consistency/internal/checker"
	"github.com/10gen/replset-consistency/internal/logger"
)

const (
	memberURIFlag      = "memberURI"
	blacklistDBFlag    = "blacklistDB"
	oplogDumpLimitFlag = "oplogDumpLimit"
	logPathFlag        = "logPath"
	debugFlag          = "debug"
	configFileFlag     = "configFile"
)

func main() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx := context.Background()

	flags := []cli.Flag{
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  configFileFlag,
			Usage: "path to an optional YAML config file",
		}),
		altsrc.NewStringSliceFlag(cli.StringSliceFlag{
			Name:  memberURIFlag,
			Usage: "`URI` of one replica set member; give one per member (primary included)",
		}),
		altsrc.NewStringSliceFlag(cli.StringSliceFlag{
			Name:  blacklistDBFlag,
			Usage: "database `names` to exclude from comparison, in addition to the node-local defaults",
		}),
		altsrc.NewInt64Flag(cli.Int64Flag{
			Name:  oplogDumpLimitFlag,
			Value: 100,
			Usage: "`number` of recent oplog entries to dump per node on the first inconsistency",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  logPathFlag,
			Value: "stderr",
			Usage: "logging file `path`",
		}),
		altsrc.NewBoolFlag(cli.BoolFlag{
			Name:  debugFlag,
			Usage: "Turn on debug logging",
		}),
	}

	app := &cli.App{
		Name:  "replset-consistency",
		Usage: "verify that every replica set member holds identical data",
		Flags: flags,
		Before: func(cCtx *cli.Context) error {
			confFile := cCtx.String(configFileFlag)

			if len(confFile) > 0 {
				readConfFunc := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc(configFileFlag))
				return readConfFunc(cCtx)
			}

			return nil
		},
		Action: func(cCtx *cli.Context) error {
			if cCtx.Bool(debugFlag) {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			return runCheck(ctx, cCtx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Stack().Msg("Fatal Error")
	}
}

func runCheck(ctx context.Context, cCtx *cli.Context) error {
	memberURIs := expandCommaSeparators(cCtx.StringSlice(memberURIFlag))
	if len(memberURIs) < 2 {
		return cli.NewExitError("need at least two member URIs (the primary and one secondary)", 2)
	}

	lgr, err := buildLogger(cCtx.String(logPathFlag), cCtx.Bool(debugFlag))
	if err != nil {
		return err
	}

	var nodes []*checker.Node
	defer func() {
		for _, node := range nodes {
			if err := node.Close(ctx); err != nil {
				lgr.Warn().Err(err).Str("node", node.Host).Msg("Failed to disconnect.")
			}
		}
	}()

	for _, uri := range memberURIs {
		node, err := checker.Connect(ctx, uri)
		if err != nil {
			return err
		}

		nodes = append(nodes, node)
	}

	c := checker.NewChecker(
		lgr,
		checker.WithOplogDumpLimit(cCtx.Int64(oplogDumpLimitFlag)),
	)

	report, err := c.CheckConsistency(
		ctx,
		nodes,
		expandCommaSeparators(cCtx.StringSlice(blacklistDBFlag)),
	)
	if err != nil {
		return err
	}

	if err := report.Render(os.Stdout); err != nil {
		return err
	}

	if !report.Consistent() {
		return cli.NewExitError("cluster members are NOT consistent", 1)
	}

	return nil
}

func buildLogger(logPath string, debug bool) (*logger.Logger, error) {
	switch logPath {
	case "stderr":
		if debug {
			return logger.NewDebugLogger(), nil
		}
		return logger.NewDefaultLogger(), nil
	}

	writer, err := logger.NewRotatingWriter(logPath)
	if err != nil {
		return nil, err
	}

	level := logger.DefaultLogLevel
	if debug {
		level = zerolog.DebugLevel
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	return logger.NewLogger(&zl, writer), nil
}

func expandCommaSeparators(in []string) []string {
	ret := []string{}
	for _, item := range in {
		multiples := strings.Split(item, ",")
		for _, sub := range multiples {
			ret = append(ret, strings.Trim(sub, " \t"))
		}
	}
	return ret
}
