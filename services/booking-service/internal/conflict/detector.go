package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// Reader loads the non-canceled appointments of one business day.
type Reader interface {
	FindActive(ctx context.Context, businessID, date string) ([]model.Appointment, error)
}

type ConflictType string

const (
	TypeTimeConflict    ConflictType = "TIME_CONFLICT"
	TypeValidationError ConflictType = "VALIDATION_ERROR"
)

// Conflict explains why a candidate range was rejected. For TIME_CONFLICT it
// names the clashing appointment.
type Conflict struct {
	Type          ConflictType
	AppointmentID string
	StartTime     string
	EndTime       string
	ServiceName   string
	Message       string
}

// Candidate is a requested placement on a business calendar.
type Candidate struct {
	BusinessID      string
	Date            string
	Time            string
	DurationMinutes int
}

// Result is the outcome of a validation. Snapshot holds the appointments the
// candidate was compared against. Err carries a repository failure when the
// snapshot could not be loaded; Valid is false in that case.
type Result struct {
	Valid            bool
	Conflicts        []Conflict
	BlockedSlots     []string
	AlternativeSlots []string
	Snapshot         []model.Appointment
	Err              error
}

type Detector struct {
	reader Reader
	cfg    Config
}

func NewDetector(reader Reader, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.DayEnd <= cfg.DayStart {
		cfg.DayStart, cfg.DayEnd = def.DayStart, def.DayEnd
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	return &Detector{reader: reader, cfg: cfg}
}

func (d *Detector) Config() Config {
	return d.cfg
}

// ValidateBooking checks the candidate against every non-canceled appointment
// of its business day.
func (d *Detector) ValidateBooking(ctx context.Context, c Candidate, buffer int) Result {
	return d.validate(ctx, c, "", buffer)
}

// ValidateReschedule is ValidateBooking with appointmentID left out of the
// comparison set, so an appointment never conflicts with its own slot.
func (d *Detector) ValidateReschedule(ctx context.Context, appointmentID string, c Candidate, buffer int) Result {
	return d.validate(ctx, c, appointmentID, buffer)
}

// BlockedTimeSlots returns the sorted step labels blocked on a business day,
// using the default buffer.
func (d *Detector) BlockedTimeSlots(ctx context.Context, businessID, date string) ([]string, error) {
	if err := ValidateDay(businessID, date); err != nil {
		return nil, err
	}
	appts, err := d.reader.FindActive(ctx, businessID, date)
	if err != nil {
		return nil, err
	}
	occupied, _ := toOccupied(appts, "")
	return BlockedSlots(occupied, DefaultBuffer, d.cfg.Step), nil
}

func (d *Detector) validate(ctx context.Context, c Candidate, excludeID string, buffer int) Result {
	start, end, msg := checkCandidate(c)
	if msg != "" {
		return invalidInput(msg)
	}

	appts, err := d.reader.FindActive(ctx, c.BusinessID, c.Date)
	if err != nil {
		return Result{
			Valid: false,
			Conflicts: []Conflict{{
				Type:    TypeValidationError,
				Message: "unable to load existing appointments",
			}},
			Err: err,
		}
	}

	occupied, snapshot := toOccupied(appts, excludeID)
	res := Result{
		Conflicts: Overlapping(start, end, occupied, buffer),
		Snapshot:  snapshot,
	}
	res.BlockedSlots = BlockedSlots(occupied, buffer, d.cfg.Step)
	res.Valid = len(res.Conflicts) == 0
	if !res.Valid {
		res.AlternativeSlots = GenerateAlternativeSlots(d.cfg, c.DurationMinutes, occupied, res.BlockedSlots, buffer)
	}
	return res
}

// Overlapping returns a TIME_CONFLICT entry for every occupied range that
// overlaps [start,end) once both are widened by buffer.
func Overlapping(start, end int, occupied []Occupied, buffer int) []Conflict {
	var out []Conflict
	for _, o := range occupied {
		if !RangesOverlap(start, end, o.Start, o.End, buffer) {
			continue
		}
		out = append(out, Conflict{
			Type:          TypeTimeConflict,
			AppointmentID: o.AppointmentID,
			StartTime:     MinutesToTime(o.Start),
			EndTime:       MinutesToTime(o.End),
			ServiceName:   o.ServiceName,
			Message:       fmt.Sprintf("overlaps appointment %s (%s-%s)", o.AppointmentID, MinutesToTime(o.Start), MinutesToTime(o.End)),
		})
	}
	return out
}

// CandidateRange parses the candidate into minutes. It is the same check the
// detector runs before touching the repository.
func CandidateRange(c Candidate) (start, end int, err error) {
	start, end, msg := checkCandidate(c)
	if msg != "" {
		return 0, 0, errors.New(msg)
	}
	return start, end, nil
}

// ToOccupied converts appointments into minute ranges, dropping canceled rows,
// rows with unparseable times and excludeID.
func ToOccupied(appts []model.Appointment, excludeID string) []Occupied {
	occupied, _ := toOccupied(appts, excludeID)
	return occupied
}

func toOccupied(appts []model.Appointment, excludeID string) ([]Occupied, []model.Appointment) {
	occupied := make([]Occupied, 0, len(appts))
	snapshot := make([]model.Appointment, 0, len(appts))
	for _, a := range appts {
		if !a.Active() || (excludeID != "" && a.ID == excludeID) {
			continue
		}
		start, err := TimeToMinutes(a.Time)
		if err != nil || a.DurationMinutes <= 0 {
			continue
		}
		occupied = append(occupied, Occupied{
			AppointmentID: a.ID,
			ServiceName:   a.ServiceName,
			Start:         start,
			End:           start + a.DurationMinutes,
		})
		snapshot = append(snapshot, a)
	}
	return occupied, snapshot
}

// ValidateDay checks the (business, date) pair that scopes every calendar read.
func ValidateDay(businessID, date string) error {
	if businessID == "" {
		return errors.New("business id is required")
	}
	if !validDate(date) {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
	}
	return nil
}

func checkCandidate(c Candidate) (int, int, string) {
	if err := ValidateDay(c.BusinessID, c.Date); err != nil {
		return 0, 0, err.Error()
	}
	start, err := TimeToMinutes(c.Time)
	if err != nil {
		return 0, 0, err.Error()
	}
	if c.DurationMinutes <= 0 {
		return 0, 0, fmt.Sprintf("duration must be positive (got %d)", c.DurationMinutes)
	}
	end := start + c.DurationMinutes
	if end > minutesPerDay {
		return 0, 0, "appointment must end by 24:00"
	}
	return start, end, ""
}

func invalidInput(msg string) Result {
	return Result{
		Valid: false,
		Conflicts: []Conflict{{
			Type:    TypeValidationError,
			Message: msg,
		}},
	}
}
