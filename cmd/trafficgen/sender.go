package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// stats is shared by every sender goroutine.
type stats struct {
	sent    atomic.Int64
	failed  atomic.Int64
	latency atomic.Int64 // total nanoseconds of successful requests
	start   time.Time
}

func (s *stats) record(ok bool, d time.Duration) {
	if ok {
		s.sent.Add(1)
		s.latency.Add(int64(d))
		return
	}
	s.failed.Add(1)
}

// line renders the one-line progress summary. total <= 0 means unbounded.
func (s *stats) line(total int64) string {
	sent := s.sent.Load()
	failed := s.failed.Load()
	elapsed := time.Since(s.start).Seconds()

	var rps float64
	if elapsed > 0 {
		rps = float64(sent) / elapsed
	}
	var avg time.Duration
	if sent > 0 {
		avg = time.Duration(s.latency.Load() / sent)
	}

	var b strings.Builder
	if total > 0 {
		pct := float64(sent+failed) / float64(total) * 100
		fmt.Fprintf(&b, "[%d/%d] %5.1f%% | ", sent, total, pct)
	} else {
		fmt.Fprintf(&b, "%d sent | ", sent)
	}
	fmt.Fprintf(&b, "%d failed | %.1f/sec | avg %s", failed, rps, avg.Round(time.Millisecond))
	return b.String()
}

// sender posts hits to /api/hit, optionally backdated with ?date=.
type sender struct {
	client *http.Client
	target string
}

func newSender(base string, date string, timeout time.Duration) (*sender, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/hit")
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", base, err)
	}
	if date != "" {
		q := u.Query()
		q.Set("date", date)
		u.RawQuery = q.Encode()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 256

	return &sender{
		client: &http.Client{Timeout: timeout, Transport: transport},
		target: u.String(),
	}, nil
}

func (s *sender) hit(ctx context.Context) (bool, time.Duration) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, nil)
	if err != nil {
		return false, 0
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, time.Since(start)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK, time.Since(start)
}

// run sends hits from n goroutines sharing limiter until ctx is done or total
// hits have been attempted. total <= 0 runs until ctx is cancelled.
func (s *sender) run(ctx context.Context, n int, limiter *rate.Limiter, total int64, st *stats) error {
	if n <= 0 {
		n = 1
	}
	var claimed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				if total > 0 && claimed.Add(1) > total {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				if gctx.Err() != nil {
					return nil
				}
				ok, d := s.hit(gctx)
				st.record(ok, d)
			}
		})
	}
	return g.Wait()
}

// newLimiter returns nil for an unlimited rate.
func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// progress redraws the summary line every interval while stdout is a
// terminal. Redirected output only gets the final line.
func progress(ctx context.Context, st *stats, total int64) func() {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		if !interactive {
			<-done
			return
		}
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("\r   %s ", st.line(total))
			case <-done:
				return
			case <-ctx.Done():
				<-done
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		if interactive {
			fmt.Print("\r")
		}
		fmt.Printf("   %s\n", st.line(total))
	}
}
