// Package calendar answers business-time questions for SLA deadline math,
// wrapping rickar/cal with OTRS-style working hours and vacation days.
package calendar

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rickar/cal/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// maxSegments bounds one walk; an hour-sized step means roughly twenty years.
const maxSegments = 200000

// Excluder reports whether business time is suspended at t. Answers must be
// constant within one clock hour of the calendar's zone.
type Excluder interface {
	Excluded(t time.Time) (bool, error)
}

// ExcluderFunc adapts a function to Excluder.
type ExcluderFunc func(t time.Time) (bool, error)

// Excluded calls f(t).
func (f ExcluderFunc) Excluded(t time.Time) (bool, error) { return f(t) }

type noExclusions struct{}

func (noExclusions) Excluded(time.Time) (bool, error) { return false, nil }

// Definition is one named calendar.
// Working hours use the OTRS layout: { Mon: [8,9,...,16], Sat: [] }.
// Vacation days: { 12: { 25: Christmas } }; one-time: { 2025: { 4: { 18: Good Friday } } }.
type Definition struct {
	Name                string                         `yaml:"name"`
	Timezone            string                         `yaml:"timezone"`
	WorkingHours        map[string][]int               `yaml:"working_hours"`
	VacationDays        map[int]map[int]string         `yaml:"vacation_days"`
	VacationDaysOneTime map[int]map[int]map[int]string `yaml:"vacation_days_one_time"`
}

// File is the on-disk calendar set.
type File struct {
	Calendars []Definition `yaml:"calendars"`
}

type dayHours struct {
	start, end time.Duration
}

// Calendar is a business calendar in a fixed zone with per-weekday hours.
type Calendar struct {
	Name  string
	loc   *time.Location
	bc    *cal.BusinessCalendar
	hours map[time.Weekday]dayHours
}

var dayMap = map[string]time.Weekday{
	"Mon": time.Monday,
	"Tue": time.Tuesday,
	"Wed": time.Wednesday,
	"Thu": time.Thursday,
	"Fri": time.Friday,
	"Sat": time.Saturday,
	"Sun": time.Sunday,
}

// NewCalendar builds a calendar from a definition. An empty working-hours
// map yields Monday to Friday, 09:00 to 17:00.
func NewCalendar(def Definition, defaultZone *time.Location) (*Calendar, error) {
	loc := defaultZone
	if loc == nil {
		loc = time.UTC
	}
	if def.Timezone != "" {
		l, err := time.LoadLocation(def.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar %q: %w", def.Name, err)
		}
		loc = l
	}

	c := &Calendar{
		Name:  def.Name,
		loc:   loc,
		bc:    cal.NewBusinessCalendar(),
		hours: make(map[time.Weekday]dayHours),
	}

	wh := def.WorkingHours
	if len(wh) == 0 {
		wh = map[string][]int{
			"Mon": officeHours(), "Tue": officeHours(), "Wed": officeHours(),
			"Thu": officeHours(), "Fri": officeHours(),
		}
	}
	if err := c.applyWorkingHours(wh); err != nil {
		return nil, fmt.Errorf("calendar %q: %w", def.Name, err)
	}
	c.applyVacationDays(def.VacationDays)
	c.applyVacationDaysOneTime(def.VacationDaysOneTime)
	return c, nil
}

func officeHours() []int { return []int{9, 10, 11, 12, 13, 14, 15, 16} }

// applyWorkingHours turns hour lists into contiguous daily windows.
// The window runs from the first listed hour to the end of the last one.
func (c *Calendar) applyWorkingHours(hours map[string][]int) error {
	for _, wd := range dayMap {
		c.bc.SetWorkday(wd, false)
	}

	minAll, maxAll := 24, -1
	for dayName, list := range hours {
		weekday, ok := dayMap[dayName]
		if !ok {
			return fmt.Errorf("unknown weekday %q", dayName)
		}
		if len(list) == 0 {
			continue
		}
		lo, hi := 24, -1
		for _, h := range list {
			if h < 0 || h > 23 {
				return fmt.Errorf("%s: hour %d out of range", dayName, h)
			}
			if h < lo {
				lo = h
			}
			if h > hi {
				hi = h
			}
		}
		c.bc.SetWorkday(weekday, true)
		c.hours[weekday] = dayHours{start: time.Duration(lo) * time.Hour, end: time.Duration(hi+1) * time.Hour}
		if lo < minAll {
			minAll = lo
		}
		if hi > maxAll {
			maxAll = hi
		}
	}

	if maxAll >= 0 {
		c.bc.SetWorkHours(time.Duration(minAll)*time.Hour, time.Duration(maxAll+1)*time.Hour)
	}
	return nil
}

// applyVacationDays adds recurring holidays.
func (c *Calendar) applyVacationDays(days map[int]map[int]string) {
	for month, byDay := range days {
		if month < 1 || month > 12 {
			continue
		}
		for day, name := range byDay {
			if day < 1 || day > 31 {
				continue
			}
			c.bc.AddHoliday(&cal.Holiday{
				Name:  name,
				Type:  cal.ObservancePublic,
				Month: time.Month(month),
				Day:   day,
				Func:  cal.CalcDayOfMonth,
			})
		}
	}
}

// applyVacationDaysOneTime adds holidays bound to a single year.
func (c *Calendar) applyVacationDaysOneTime(days map[int]map[int]map[int]string) {
	for year, byMonth := range days {
		if year == 0 {
			continue
		}
		for month, byDay := range byMonth {
			if month < 1 || month > 12 {
				continue
			}
			for day, name := range byDay {
				if day < 1 || day > 31 {
					continue
				}
				c.bc.AddHoliday(&cal.Holiday{
					Name:      name,
					Type:      cal.ObservancePublic,
					Month:     time.Month(month),
					Day:       day,
					Func:      cal.CalcDayOfMonth,
					StartYear: year,
					EndYear:   year,
				})
			}
		}
	}
}

// Location is the calendar's zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// window returns the business window of t's local day.
func (c *Calendar) window(t time.Time) (time.Time, time.Time, bool) {
	h, ok := c.hours[t.Weekday()]
	if !ok || !c.bc.IsWorkday(t) {
		return time.Time{}, time.Time{}, false
	}
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
	return midnight.Add(h.start), midnight.Add(h.end), true
}

func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

func nextHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
}

// segment is a stretch of time with constant business status.
type segment struct {
	start, end time.Time
	business   bool
}

// walk visits consecutive segments from start until visit returns false.
func (c *Calendar) walk(ctx context.Context, start time.Time, ex Excluder, visit func(segment) bool) error {
	if ex == nil {
		ex = noExclusions{}
	}
	t := start.In(c.loc)
	for i := 0; i < maxSegments; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return slaerrors.Classify("calendar.walk", err)
			}
		}

		ws, we, ok := c.window(t)
		if !ok || !t.Before(we) {
			end := nextDay(t)
			if !visit(segment{start: t, end: end}) {
				return nil
			}
			t = end
			continue
		}
		if t.Before(ws) {
			if !visit(segment{start: t, end: ws}) {
				return nil
			}
			t = ws
			continue
		}

		end := nextHour(t)
		if end.After(we) {
			end = we
		}
		excluded, err := ex.Excluded(t)
		if err != nil {
			return err
		}
		if !visit(segment{start: t, end: end, business: !excluded}) {
			return nil
		}
		t = end
	}
	return slaerrors.Configuration("calendar.walk", fmt.Errorf("%w: %q", slaerrors.ErrNoBusinessTime, c.Name))
}

// AddBusinessTime returns the instant at which d of business time has
// elapsed after start.
func (c *Calendar) AddBusinessTime(ctx context.Context, start time.Time, d time.Duration, ex Excluder) (time.Time, error) {
	if d <= 0 {
		return start, nil
	}
	remaining := d
	var result time.Time
	err := c.walk(ctx, start, ex, func(s segment) bool {
		if !s.business {
			return true
		}
		avail := s.end.Sub(s.start)
		if remaining <= avail {
			result = s.start.Add(remaining)
			return false
		}
		remaining -= avail
		return true
	})
	if err != nil {
		return time.Time{}, err
	}
	return result.In(start.Location()), nil
}

// BusinessTimeBetween returns business time elapsed in [start, end).
func (c *Calendar) BusinessTimeBetween(ctx context.Context, start, end time.Time, ex Excluder) (time.Duration, error) {
	if !end.After(start) {
		return 0, nil
	}
	var total time.Duration
	err := c.walk(ctx, start, ex, func(s segment) bool {
		if !s.start.Before(end) {
			return false
		}
		segEnd := s.end
		if segEnd.After(end) {
			segEnd = end
		}
		if s.business {
			total += segEnd.Sub(s.start)
		}
		return segEnd.Before(end)
	})
	return total, err
}

// IsBusinessTime reports whether t counts toward a business-hours budget.
func (c *Calendar) IsBusinessTime(t time.Time, ex Excluder) (bool, error) {
	local := t.In(c.loc)
	ws, we, ok := c.window(local)
	if !ok || local.Before(ws) || !local.Before(we) {
		return false, nil
	}
	if ex == nil {
		return true, nil
	}
	excluded, err := ex.Excluded(local)
	return !excluded, err
}

// IsWorkday reports whether t's local day is a working day.
func (c *Calendar) IsWorkday(t time.Time) bool {
	_, _, ok := c.window(t.In(c.loc))
	return ok
}

// Service holds named calendars. The empty name is the default calendar.
type Service struct {
	mu        sync.RWMutex
	calendars map[string]*Calendar
	zone      *time.Location
	logger    *zap.Logger
}

// NewService returns a service with a Monday to Friday 09:00-17:00 default calendar in zone.
func NewService(zone *time.Location, logger *zap.Logger) *Service {
	if zone == nil {
		zone = time.UTC
	}
	s := &Service{
		calendars: make(map[string]*Calendar),
		zone:      zone,
		logger:    logging.OrNop(logger),
	}
	def, _ := NewCalendar(Definition{}, zone)
	s.calendars[""] = def
	return s
}

// Register adds or replaces a named calendar.
func (s *Service) Register(def Definition) error {
	c, err := NewCalendar(def, s.zone)
	if err != nil {
		return slaerrors.Configuration("calendar.register", err)
	}
	s.mu.Lock()
	s.calendars[def.Name] = c
	s.mu.Unlock()
	return nil
}

// Load registers every calendar in a YAML calendar file.
func (s *Service) Load(r io.Reader) error {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return slaerrors.Configuration("calendar.load", fmt.Errorf("decode calendars: %w", err))
	}
	for _, def := range f.Calendars {
		if err := s.Register(def); err != nil {
			return err
		}
	}
	s.logger.Info("calendars loaded", zap.Strings("names", s.Names()))
	return nil
}

// LoadFile reads calendars from path.
func (s *Service) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return slaerrors.Configuration("calendar.load", err)
	}
	defer f.Close()
	return s.Load(f)
}

// Calendar returns a calendar by name, falling back to the default.
func (s *Service) Calendar(name string) *Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.calendars[name]; ok {
		return c
	}
	if name != "" {
		s.logger.Warn("unknown calendar, using default", zap.String("calendar", name))
	}
	return s.calendars[""]
}

// Has reports whether a calendar is registered under name.
func (s *Service) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calendars[name]
	return ok
}

// Names lists registered calendar names.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.calendars))
	for n := range s.calendars {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AddBusinessMinutes advances start by the given business minutes on the named calendar.
func (s *Service) AddBusinessMinutes(ctx context.Context, name string, start time.Time, minutes int, ex Excluder) (time.Time, error) {
	return s.Calendar(name).AddBusinessTime(ctx, start, time.Duration(minutes)*time.Minute, ex)
}

// BusinessMinutesBetween counts business minutes in [start, end) on the named calendar.
func (s *Service) BusinessMinutesBetween(ctx context.Context, name string, start, end time.Time, ex Excluder) (float64, error) {
	d, err := s.Calendar(name).BusinessTimeBetween(ctx, start, end, ex)
	return d.Minutes(), err
}

// IsBusinessTime reports whether t is business time on the named calendar.
func (s *Service) IsBusinessTime(name string, t time.Time, ex Excluder) (bool, error) {
	return s.Calendar(name).IsBusinessTime(t, ex)
}
