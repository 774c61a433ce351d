package cli

import (
	"fmt"

	"github.com/perfgo/smokerun/rundir"
	"github.com/urfave/cli/v2"
)

func (a *App) prune(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	root, err := rundir.ResolveRoot(cfg.SmokeRoot, cfg.ProjectRoot)
	if err != nil {
		return err
	}

	m := rundir.NewManager(a.logger, root)
	unlock, err := m.Lock(ctx.Context)
	if err != nil {
		return err
	}
	defer unlock()

	res, err := m.Prune(cfg.RetentionPolicy())
	if err != nil {
		return err
	}
	for _, name := range res.Removed {
		fmt.Printf("removed  %s\n", name)
	}
	for _, name := range res.Failed {
		fmt.Printf("failed   %s\n", name)
	}
	fmt.Printf("%d kept, %d removed, %d skipped, %d failed\n", len(res.Kept), len(res.Removed), len(res.Skipped), len(res.Failed))
	if len(res.Failed) > 0 {
		return fmt.Errorf("failed to remove %d run director(ies)", len(res.Failed))
	}
	return nil
}
