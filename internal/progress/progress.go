// Package progress renders restore progress to the terminal, adapted from
// internal/rsync/parallel.go's bar/plain display split: a live mpb bar for
// interactive terminals, a periodic plain-text line for log files, or
// nothing at all.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/vbp1/pgrestore/internal/restore/scheduler"
)

// Reporter receives scheduler.Progress updates and renders them according
// to its configured mode.
type Reporter struct {
	mode string

	p   *mpb.Progress
	bar *mpb.Bar

	plainInterval time.Duration
	lastPlain     time.Time
	start         time.Time
}

// New builds a Reporter. mode is one of "auto", "bar", "plain", "none";
// "auto" picks "bar" when stderr is a terminal-like stream and "plain"
// otherwise, mirroring the teacher's progress-mode resolution.
func New(mode string, label string, total int64) *Reporter {
	if mode == "auto" {
		mode = "plain"
		if isTerminal(os.Stderr) {
			mode = "bar"
		}
	}

	r := &Reporter{mode: mode, plainInterval: 30 * time.Second, start: time.Now()}

	switch mode {
	case "bar":
		r.p = mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond))
		namePrefix := label + " "
		r.bar = r.p.New(total, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name(namePrefix, decor.WC{W: len(namePrefix), C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
				return fmt.Sprintf("%s / %s", formatBytes(s.Current), formatBytes(s.Total))
			})))
	case "plain":
		r.lastPlain = time.Time{}
	}

	return r
}

// Update reports the latest scheduler progress snapshot.
func (r *Reporter) Update(p scheduler.Progress) {
	switch r.mode {
	case "bar":
		if r.bar == nil {
			return
		}
		r.bar.SetCurrent(p.SizeRestored)
	case "plain":
		now := time.Now()
		if !r.lastPlain.IsZero() && now.Sub(r.lastPlain) < r.plainInterval {
			return
		}
		r.lastPlain = now
		elapsed := now.Sub(r.start)
		speed := int64(0)
		if elapsed.Seconds() > 0 {
			speed = int64(float64(p.SizeRestored) / elapsed.Seconds())
		}
		remaining := p.SizeTotal - p.SizeRestored
		eta := int64(0)
		if speed > 0 {
			eta = remaining / speed
		}
		fmt.Fprintf(os.Stderr, "[%s] %5.1f %%  (%s / %s, %s/s, ETA %02d:%02d:%02d)\n",
			now.Format("2006-01-02 15:04:05"),
			p.Percent(),
			formatBytes(p.SizeRestored),
			formatBytes(p.SizeTotal),
			formatBytes(speed),
			eta/3600, (eta%3600)/60, eta%60)
	case "none":
	}
}

// Done finalizes the bar, if any.
func (r *Reporter) Done() {
	if r.bar != nil && r.p != nil {
		r.bar.SetCurrent(r.bar.Current())
		r.p.Wait()
	}
}

func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	exp, value := 0, float64(n)
	for value >= unit && exp < 5 {
		value /= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}[exp-1]
	return fmt.Sprintf("%.2f %s", value, suffix)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
