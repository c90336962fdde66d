package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "chanfetch/internal/transport"
)

// Sender is the part of the chat adapter the Telegram output needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	alertQueue       = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
)

type alert struct {
	to   kit.ChatTarget
	text string
}

// alertSink is a zerolog.LevelWriter that forwards records to a chat. It
// never blocks the caller: records over the rate or the queue are dropped.
type alertSink struct {
	sender Sender
	queue  chan alert

	mu       sync.Mutex
	on       bool
	to       kit.ChatTarget
	minLevel zerolog.Level
	lim      *rate.Limiter

	once sync.Once
	quit chan struct{}
	wg   sync.WaitGroup
}

func newAlertSink(sender Sender) *alertSink {
	return &alertSink{sender: sender, queue: make(chan alert, alertQueue), quit: make(chan struct{})}
}

// configure reports whether the sink should be attached.
func (a *alertSink) configure(c TelegramConfig) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Enabled && c.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram output enabled without a chat; set telegram.group_log")
	}
	a.on = c.Enabled && c.ChatID != 0
	a.to = kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
	a.minLevel = parseLevel(c.MinLevel, zerolog.WarnLevel)
	rps := max(1, c.RatePerSec)
	a.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if a.on {
		a.once.Do(func() {
			a.wg.Add(1)
			go a.run()
		})
	}
	return a.on
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.on && level >= a.minLevel && a.lim.Allow()
	to := a.to
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- alert{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

func (a *alertSink) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			// Flush what is already queued.
			for {
				select {
				case it := <-a.queue:
					a.send(it)
				default:
					return
				}
			}
		case it := <-a.queue:
			a.send(it)
		}
	}
}

func (a *alertSink) send(it alert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
	defer cancel()
	_, _ = a.sender.SendText(ctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
}

func (a *alertSink) close() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	a.wg.Wait()
}

// formatAlert renders a JSON record as
//
//	WARN comp: message
//	key=value
//
// with caller and timestamp left out.
func formatAlert(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), alertMaxLen)
	}
	level, _ := rec[zerolog.LevelFieldName].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)
	comp, _ := rec["comp"].(string)
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName, "comp"} {
		delete(rec, k)
	}

	var b strings.Builder
	if level != "" {
		b.WriteString(strings.ToUpper(level))
		b.WriteByte(' ')
	}
	if comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(rec[k]), 600))
	}
	return clip(b.String(), alertMaxLen)
}
