package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var defaultWeekHits = map[string]int64{
	"mon": 2569,
	"tue": 1232,
	"wed": 6542,
	"thu": 2340,
	"fri": 7984,
	"sat": 2345,
	"sun": 1234,
}

var (
	weekRPS  int
	weekDays string
)

var weekCmd = &cobra.Command{
	Use:   "week",
	Short: "Backfill the current week with per-day hit totals",
	Long: `Send a fixed number of hits for each weekday, backdated with ?date= to the
most recent occurrence of that weekday (today included).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := parseWeekPlan(weekDays)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var planned int64
		for _, p := range plan {
			planned += p.hits
		}
		fmt.Println("=== webtraffic mock week ===")
		fmt.Printf("   %d/sec | %d total hits\n", weekRPS, planned)
		fmt.Println("   Press Ctrl+C to stop")

		now := time.Now()
		var accepted int64
		for _, p := range plan {
			if ctx.Err() != nil {
				break
			}
			date := weekdayDate(p.day, now)
			fmt.Printf("\n%s (%s) - %d hits\n", p.day, date, p.hits)

			s, err := newSender(baseURL, date, timeout)
			if err != nil {
				return err
			}
			st := &stats{start: time.Now()}
			finish := progress(ctx, st, p.hits)
			if err := s.run(ctx, workers, newLimiter(weekRPS), p.hits, st); err != nil {
				finish()
				return err
			}
			finish()
			accepted += st.sent.Load()
		}

		fmt.Printf("\nDone: %d of %d hits accepted\n", accepted, planned)
		return nil
	},
}

func init() {
	weekCmd.Flags().IntVar(&weekRPS, "rps", 500, "Target hits per second (0 = unlimited)")
	weekCmd.Flags().StringVar(&weekDays, "day", "", "Comma-separated days to send, e.g. mon,wed (default all)")
}

type dayPlan struct {
	day  string
	hits int64
}

// parseWeekPlan turns "mon,fri" into the default totals for those days, in
// the order given. An empty list means the whole week.
func parseWeekPlan(list string) ([]dayPlan, error) {
	names := weekdays
	if strings.TrimSpace(list) != "" {
		names = strings.Split(list, ",")
	}

	plan := make([]dayPlan, 0, len(names))
	for _, name := range names {
		day := strings.ToLower(strings.TrimSpace(name))
		hits, ok := defaultWeekHits[day]
		if !ok {
			return nil, fmt.Errorf("invalid day: %q", name)
		}
		plan = append(plan, dayPlan{day: day, hits: hits})
	}
	return plan, nil
}

// weekdayDate returns the most recent date, today included, that falls on day.
func weekdayDate(day string, now time.Time) string {
	target := -1
	for i, d := range weekdays {
		if d == day {
			target = i
		}
	}
	today := (int(now.Weekday()) + 6) % 7 // Monday = 0
	diff := target - today
	if diff > 0 {
		diff -= 7
	}
	return now.AddDate(0, 0, diff).Format("2006-01-02")
}
