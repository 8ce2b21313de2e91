package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish unfinished workflows without serving the API",
		Long: `Resume every workflow left unfinished by a crash or shutdown, drive
them to a terminal state and exit. Pending job notifications are
redelivered as well.

Interrupting resume is safe: workflows stop at a step boundary and are
resumed again by the next serve or resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.resume(ctx); err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				rt.exec.Wait()
				close(done)
			}()

			select {
			case <-done:
				log.Info().Msg("All resumed workflows finished")
			case <-ctx.Done():
				log.Info().Msg("Interrupted; remaining workflows resume on next start")
			}
			return nil
		},
	}
}
