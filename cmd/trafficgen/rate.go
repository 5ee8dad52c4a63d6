package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	hitsPerSecond int
	hitDate       string
	runFor        time.Duration
	totalHits     int64
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Send hits at a steady rate until interrupted",
	Long: `Send hits at a target rate across the configured workers. Stops on Ctrl+C,
after --duration, or once --total hits have been sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if hitsPerSecond < 0 || totalHits < 0 || runFor < 0 {
			return errors.New("rps, total and duration must not be negative")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if runFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runFor)
			defer cancel()
		}

		s, err := newSender(baseURL, hitDate, timeout)
		if err != nil {
			return err
		}

		fmt.Println("=== webtraffic load generator ===")
		fmt.Printf("   URL:      %s\n", s.target)
		fmt.Printf("   Workers:  %d\n", workers)
		if hitsPerSecond > 0 {
			fmt.Printf("   Target:   %d req/sec\n", hitsPerSecond)
		} else {
			fmt.Println("   Target:   unlimited")
		}
		if runFor > 0 {
			fmt.Printf("   Duration: %s\n", runFor)
		}
		if totalHits > 0 {
			fmt.Printf("   Total:    %d hits\n", totalHits)
		}
		fmt.Println("   Press Ctrl+C to stop")

		st := &stats{start: time.Now()}
		finish := progress(ctx, st, totalHits)
		err = s.run(ctx, workers, newLimiter(hitsPerSecond), totalHits, st)
		finish()

		if st.failed.Load() > 0 && st.sent.Load() == 0 {
			fmt.Fprintln(os.Stderr, "No hits were accepted; is the server running?")
		}
		return err
	},
}

func init() {
	rateCmd.Flags().IntVar(&hitsPerSecond, "rps", 500, "Target hits per second (0 = unlimited)")
	rateCmd.Flags().StringVar(&hitDate, "date", "", "Backdate hits to YYYY-MM-DD")
	rateCmd.Flags().DurationVarP(&runFor, "duration", "d", 0, "Stop after this long (0 = until interrupted)")
	rateCmd.Flags().Int64Var(&totalHits, "total", 0, "Stop after this many hits (0 = unlimited)")
}
