package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronTrigger fires when the current time matches every given calendar
// field. Fields take cron syntax ("*/5", "1-5", "mon-fri"). Fields more
// significant than the least significant one given default to "*", the less
// significant ones to their minimum. DayOfWeek counts from Monday (0=mon,
// 6=sun), and Day and DayOfWeek must both match when both are given.
type CronTrigger struct {
	// Expr is a raw 5 or 6 field expression or descriptor ("@hourly"). When
	// set the calendar fields are ignored and plain cron semantics apply.
	Expr string

	Month     string
	Day       string
	DayOfWeek string
	Hour      string
	Minute    string
	Second    string

	StartDate *time.Time // inclusive
	EndDate   *time.Time // inclusive
	Timezone  string     // IANA name; the driver location when empty
	Jitter    time.Duration
}

type field struct {
	value string
	min   string
}

// Spec renders the trigger as a six field expression (seconds first).
func (t CronTrigger) Spec() string {
	if expr := strings.TrimSpace(t.Expr); expr != "" {
		return expr
	}
	return strings.Join(t.fields(), " ")
}

// fields returns sec min hour dom month dow.
func (t CronTrigger) fields() []string {
	// most significant first
	fields := []field{
		{t.Month, "1"},
		{t.Day, "1"},
		{t.DayOfWeek, "*"},
		{t.Hour, "0"},
		{t.Minute, "0"},
		{t.Second, "0"},
	}
	last := -1
	for i, f := range fields {
		if strings.TrimSpace(f.value) != "" {
			last = i
		}
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		switch v := strings.TrimSpace(f.value); {
		case v != "":
			out[i] = v
		case i < last:
			out[i] = "*"
		default:
			out[i] = f.min
		}
	}
	if restricted(t.DayOfWeek) {
		if dow, err := weekdays(t.DayOfWeek); err == nil {
			out[2] = dow
		}
	}
	return []string{out[5], out[4], out[3], out[1], out[0], out[2]}
}

// Next returns the first firing after from, or the zero time when the
// trigger never fires again. loc is used when the trigger has no Timezone.
func (t CronTrigger) Next(loc *time.Location, from time.Time) (time.Time, error) {
	s, err := t.schedule(loc)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

func (t CronTrigger) schedule(loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t.Timezone != "" {
		l, err := time.LoadLocation(t.Timezone)
		if err != nil {
			return nil, fmt.Errorf("cron trigger timezone: %w", err)
		}
		loc = l
	}
	if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
		return nil, errors.New("cron trigger end date precedes start date")
	}
	if strings.TrimSpace(t.Expr) == "" && restricted(t.DayOfWeek) {
		if _, err := weekdays(t.DayOfWeek); err != nil {
			return nil, err
		}
	}
	s, err := parse(t.Spec(), loc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.Expr) == "" && restricted(t.Day) && restricted(t.DayOfWeek) {
		// cron ORs day of month and day of week; keep only days matching both
		f := t.fields()
		days, err := parse(strings.Join(append(f[:5:5], "*"), " "), loc)
		if err != nil {
			return nil, err
		}
		dow, err := parse("0 0 0 * * "+f[5], loc)
		if err != nil {
			return nil, err
		}
		spec, ok := dow.(*cron.SpecSchedule)
		if !ok {
			return nil, fmt.Errorf("parse cron trigger %q: unexpected schedule", t.Spec())
		}
		s = &weekdaySchedule{inner: days, dow: spec.Dow, loc: loc}
	}
	if t.StartDate == nil && t.EndDate == nil && t.Jitter <= 0 {
		return s, nil
	}
	return &windowSchedule{inner: s, start: t.StartDate, end: t.EndDate, jitter: t.Jitter}, nil
}

func parse(spec string, loc *time.Location) (cron.Schedule, error) {
	full := spec
	if !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		full = "CRON_TZ=" + loc.String() + " " + spec
	}
	s, err := parser.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("parse cron trigger %q: %w", spec, err)
	}
	return s, nil
}

func restricted(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != "*" && v != "?"
}

var dayNames = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// weekdays rewrites a Monday-first day of week field as a list of day names,
// expanding ranges and steps.
func weekdays(v string) (string, error) {
	var out []string
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(v)), ",") {
		base, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			base = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return "", fmt.Errorf("day of week %q: bad step", part)
			}
			step = n
		}
		lo, hi := 0, 6
		switch {
		case base == "*":
		case strings.Contains(base, "-"):
			a, b, _ := strings.Cut(base, "-")
			var err error
			if lo, err = weekday(a); err != nil {
				return "", err
			}
			if hi, err = weekday(b); err != nil {
				return "", err
			}
			if hi < lo {
				return "", fmt.Errorf("day of week %q: range end precedes start", part)
			}
		default:
			d, err := weekday(base)
			if err != nil {
				return "", err
			}
			lo = d
			if step == 1 {
				hi = d
			}
		}
		for d := lo; d <= hi; d += step {
			out = append(out, dayNames[d])
		}
	}
	return strings.Join(out, ","), nil
}

func weekday(v string) (int, error) {
	for i, name := range dayNames {
		if v == name {
			return i, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 6 {
		return 0, fmt.Errorf("day of week %q: want 0-6 (mon-sun) or a day name", v)
	}
	return n, nil
}

// weekdaySchedule keeps the activations of inner that fall on a day in dow
// (bit 0 is Sunday).
type weekdaySchedule struct {
	inner cron.Schedule
	dow   uint64
	loc   *time.Location
}

func (w *weekdaySchedule) Next(t time.Time) time.Time {
	for range 366 * 5 {
		next := w.inner.Next(t)
		if next.IsZero() {
			return next
		}
		local := next.In(w.loc)
		if w.dow&(1<<uint(local.Weekday())) != 0 {
			return next
		}
		y, m, d := local.Date()
		t = time.Date(y, m, d+1, 0, 0, 0, 0, w.loc).Add(-time.Second)
	}
	return time.Time{}
}

// windowSchedule bounds a schedule to [start, end] and delays each firing by
// up to jitter.
type windowSchedule struct {
	inner  cron.Schedule
	start  *time.Time
	end    *time.Time
	jitter time.Duration
}

func (w *windowSchedule) Next(t time.Time) time.Time {
	from := t
	if w.start != nil && from.Before(*w.start) {
		from = w.start.Add(-time.Second)
	}
	next := w.inner.Next(from)
	if next.IsZero() {
		return next
	}
	if w.end != nil && next.After(*w.end) {
		return time.Time{}
	}
	if w.jitter > 0 {
		next = next.Add(rand.N(w.jitter))
	}
	return next
}

// DateTrigger fires once at RunDate, or right away when RunDate is zero or
// already past.
type DateTrigger struct {
	RunDate time.Time
	// Timezone, when set, reinterprets RunDate's wall clock in that zone.
	Timezone string
}

func (t DateTrigger) at() (time.Time, error) {
	if t.RunDate.IsZero() || t.Timezone == "" {
		return t.RunDate, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("date trigger timezone: %w", err)
	}
	d := t.RunDate
	return time.Date(d.Year(), d.Month(), d.Day(), d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), loc), nil
}

// onceSchedule yields a single activation and the zero time afterwards,
// which cron treats as "never again".
type onceSchedule struct {
	at    time.Time
	fired atomic.Bool
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	if o.fired.Swap(true) {
		return time.Time{}
	}
	if o.at.IsZero() || o.at.Before(t) {
		return t
	}
	return o.at
}
