package bot

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/eventbus"
	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	"chanfetch/internal/storage"
)

const barWidth = 12

func progressBar(pct float64) string {
	filled := min(barWidth, max(0, int(pct/100*barWidth+0.5)))
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func code(s string) string { return "<code>" + html.EscapeString(s) + "</code>" }

func renderQueued(link, jobID string) string {
	return "⏳ queued " + code(link) + "\njob " + code(jobID)
}

func renderProgress(link, jobID string, u progress.Update) string {
	var b strings.Builder
	b.WriteString("⬇️ " + code(link) + "\n")
	if pct := u.Percent(); pct >= 0 {
		fmt.Fprintf(&b, "%s %.1f%%\n%s / %s", progressBar(pct), pct,
			humanize.IBytes(uint64(max(u.Received, 0))), humanize.IBytes(uint64(u.Total)))
	} else {
		b.WriteString(humanize.IBytes(uint64(max(u.Received, 0))) + " received")
	}
	b.WriteString("\njob " + code(jobID))
	return b.String()
}

func renderOutcome(link string, res media.Result, err error, took time.Duration) string {
	switch {
	case err == nil:
		name := res.FileName
		if name == "" {
			name = link
		}
		return fmt.Sprintf("✅ %s\n%s in %s", code(name), humanize.IBytes(uint64(max(res.Size, 0))), took.Round(time.Second))
	case errors.Is(err, dispatcher.ErrCancelled):
		return "🚫 cancelled " + code(link)
	default:
		return "❌ failed " + code(link) + "\n" + html.EscapeString(err.Error())
	}
}

func renderJobs(jobs []dispatcher.JobInfo) string {
	if len(jobs) == 0 {
		return "no active jobs"
	}
	var b strings.Builder
	for i, j := range jobs {
		if i > 0 {
			b.WriteByte('\n')
		}
		state := string(j.State)
		if j.CancelRequested {
			state += " (cancelling)"
		}
		fmt.Fprintf(&b, "%s %s\n  %s", code(j.JobID), state, code(j.Link))
		if j.State == dispatcher.JobRunning {
			u := progress.Update{Received: j.Received, Total: j.Total}
			if pct := u.Percent(); pct >= 0 {
				fmt.Fprintf(&b, " %.0f%%", pct)
			} else if j.Received > 0 {
				b.WriteString(" " + humanize.IBytes(uint64(j.Received)))
			}
		}
	}
	return b.String()
}

func renderStatus(s dispatcher.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Dispatcher</b>\nactive %d/%d, queued %d, sandboxes %d\n", s.ActiveCount, s.MaxActive, s.Queued, len(s.Sandboxes))
	ttl := "ttl " + s.TTL.String()
	if s.AlwaysOn {
		ttl = "always on"
	}
	b.WriteString(ttl + "\n")
	c := s.Counters
	fmt.Fprintf(&b, "done %d, failed %d, cancelled %d, spawns %d, exits %d",
		c.Completed, c.Failed, c.Cancelled, c.Spawns, c.Exits)
	for _, sb := range s.Sandboxes {
		fmt.Fprintf(&b, "\n• chat %d pid %d queued %d", sb.ChatID, sb.PID, sb.Queued)
		if sb.Running {
			b.WriteString(" running")
		}
		b.WriteString(", idle " + humanize.Time(sb.LastUsedAt))
	}
	return b.String()
}

func renderHistory(recs []storage.JobRecord) string {
	if len(recs) == 0 {
		return "no history yet"
	}
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteByte('\n')
		}
		icon := "❌"
		switch r.Outcome {
		case eventbus.OutcomeDone:
			icon = "✅"
		case eventbus.OutcomeCancelled:
			icon = "🚫"
		}
		name := r.FileName
		if name == "" {
			name = r.Link
		}
		fmt.Fprintf(&b, "%s %s %s", icon, code(name), humanize.Time(r.FinishedAt))
		if r.Size > 0 {
			b.WriteString(" " + humanize.IBytes(uint64(r.Size)))
		}
		if r.Error != "" {
			b.WriteString("\n  " + html.EscapeString(r.Error))
		}
	}
	return b.String()
}
