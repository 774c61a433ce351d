package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/perfgo/smokerun/backend/stub"
	"github.com/urfave/cli/v2"
)

func stubFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Address to bind",
			Value: "127.0.0.1:0",
		},
		&cli.StringFlag{
			Name:  "port-file",
			Usage: "File the bound port is written to",
		},
		&cli.StringFlag{
			Name:  "capture",
			Usage: "JSONL file receiving every request",
		},
		&cli.BoolFlag{
			Name:  "simulate-gpu",
			Usage: "Log a simulated GPU initialisation marker",
		},
	}
}

// stubBackend serves the stub until SIGTERM or SIGINT.
func (a *App) stubBackend(ctx *cli.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGTERM, os.Interrupt)
	defer stop()

	s := stub.New(a.logger, stub.Options{
		Listen:      ctx.String("listen"),
		PortFile:    ctx.String("port-file"),
		CaptureFile: ctx.String("capture"),
		SimulateGPU: ctx.Bool("simulate-gpu"),
	})
	return s.Serve(sigCtx)
}
