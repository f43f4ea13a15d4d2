package trigger

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type options struct {
	Logger   *slog.Logger
	Cron     *cron.Cron
	Parser   cron.Parser
	Location *time.Location
	Buffer   int
}

// Option applies configuration to a Timer.
type Option func(*options)

// DefaultParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as "@every 5m" or "@hourly".
var DefaultParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func defaultOptions() options {
	return options{
		Logger:   slog.Default(),
		Parser:   DefaultParser,
		Location: time.Local,
		Buffer:   64,
	}
}

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithCron supplies a preconfigured cron scheduler instance. Clones of the
// timer get their own scheduler.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser replaces the schedule parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.Location = loc
		}
	}
}

// WithBuffer sets the capacity of the event channel. Events emitted while it
// is full are dropped.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.Buffer = n
		}
	}
}
