package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// memRepo emulates the write guarantees of a real store: a unique
// (business, date, time) among non-canceled rows, a version-gated update and
// events stored under the same lock as the write that carries them.
type memRepo struct {
	mu       sync.Mutex
	appts    map[string]model.Appointment
	events   []model.Event
	readErr  error
	writeErr error
	// beforeUpdate runs inside ConditionalUpdate before the version check.
	beforeUpdate func(m *memRepo)
}

func newMemRepo(appts ...model.Appointment) *memRepo {
	r := &memRepo{appts: map[string]model.Appointment{}}
	for _, a := range appts {
		r.appts[a.ID] = a
	}
	return r
}

func (r *memRepo) FindActive(_ context.Context, businessID, date string) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return nil, r.readErr
	}
	var out []model.Appointment
	for _, a := range r.appts {
		if a.BusinessID == businessID && a.Date == date && a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) FindActiveAt(_ context.Context, businessID, date, clock string) (model.Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return model.Appointment{}, false, r.readErr
	}
	a, ok := r.slotHolder(businessID, date, clock, "")
	return a, ok, nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return model.Appointment{}, r.readErr
	}
	a, ok := r.appts[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (r *memRepo) InsertUnique(_ context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return model.Appointment{}, r.writeErr
	}
	if _, taken := r.slotHolder(appt.BusinessID, appt.Date, appt.Time, ""); taken {
		return model.Appointment{}, model.ErrDuplicate
	}
	r.appts[appt.ID] = appt
	r.events = append(r.events, events...)
	return appt, nil
}

func (r *memRepo) ConditionalUpdate(_ context.Context, id string, expectedVersion int, patch model.SlotPatch, events ...model.Event) (model.Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeUpdate != nil {
		r.beforeUpdate(r)
	}
	if r.writeErr != nil {
		return model.Appointment{}, false, r.writeErr
	}
	cur, ok := r.appts[id]
	if !ok || cur.Version != expectedVersion {
		return model.Appointment{}, false, nil
	}
	next := patch.Apply(cur, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	if next.Active() {
		if _, taken := r.slotHolder(next.BusinessID, next.Date, next.Time, id); taken {
			return model.Appointment{}, false, model.ErrDuplicate
		}
	}
	r.appts[id] = next
	r.events = append(r.events, events...)
	return next, true, nil
}

func (r *memRepo) slotHolder(businessID, date, clock, excludeID string) (model.Appointment, bool) {
	for _, a := range r.appts {
		if a.ID != excludeID && a.BusinessID == businessID && a.Date == date && a.Time == clock && a.Active() {
			return a, true
		}
	}
	return model.Appointment{}, false
}

func (r *memRepo) get(id string) model.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appts[id]
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appts)
}

// eventTypes lists the stored events in write order.
func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, evt := range r.events {
		out = append(out, evt.EventType)
	}
	return out
}

func (r *memRepo) storedEvents() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// testEvents builds events whose payload is the appointment's version.
type testEvents struct {
	err error
}

func (b *testEvents) build(name string, appt model.Appointment) (model.Event, error) {
	if b.err != nil {
		return model.Event{}, b.err
	}
	return model.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     name,
		Payload:       []byte(strconv.Itoa(appt.Version)),
	}, nil
}

func (b *testEvents) Booked(appt model.Appointment) (model.Event, error) {
	return b.build("booked", appt)
}

func (b *testEvents) Rescheduled(_, appt model.Appointment) (model.Event, error) {
	return b.build("rescheduled", appt)
}

func (b *testEvents) StatusChanged(_, appt model.Appointment) (model.Event, error) {
	return b.build("status_changed", appt)
}

func newTestEngine(repo Repository, events Events) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	detector := conflict.NewDetector(repo, conflict.DefaultConfig())
	return NewEngine(repo, detector, events, logger, Config{Buffer: conflict.DefaultBuffer})
}

func booked(id, clock string, duration int) model.Appointment {
	return model.Appointment{
		ID:              id,
		BusinessID:      "biz-1",
		UserID:          "user-1",
		ServiceID:       "svc-1",
		Date:            "2026-03-02",
		Time:            clock,
		DurationMinutes: duration,
		Status:          model.StatusBooked,
	}
}

func bookReq(clock string, duration int) BookRequest {
	return BookRequest{
		BusinessID:      "biz-1",
		UserID:          "user-2",
		ServiceID:       "svc-1",
		Date:            "2026-03-02",
		Time:            clock,
		DurationMinutes: duration,
	}
}

func expectKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error of kind %s, got %v", want.Code(), err)
	}
	if be.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want.Code(), be.Kind.Code(), err)
	}
	return be
}

func TestBookCreatesVersionZero(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(repo, &testEvents{})

	appt, err := e.Book(context.Background(), bookReq("10:00", 30))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.ID == "" || appt.Version != 0 || appt.Status != model.StatusBooked {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
	if appt.CreatedAt.IsZero() || !appt.StatusUpdatedAt.Equal(appt.CreatedAt) {
		t.Fatalf("expected timestamps to be stamped: %+v", appt)
	}
	if repo.count() != 1 {
		t.Fatalf("expected 1 stored appointment, got %d", repo.count())
	}
	stored := repo.storedEvents()
	if len(stored) != 1 || stored[0].EventType != "booked" || stored[0].AggregateID != appt.ID || string(stored[0].Payload) != "0" {
		t.Fatalf("expected one booked event for version 0, got %+v", stored)
	}
}

func TestBookTimeConflictOffersAlternatives(t *testing.T) {
	repo := newMemRepo(booked("a1", "10:00", 30))
	e := newTestEngine(repo, nil)

	_, err := e.Book(context.Background(), bookReq("10:15", 30))
	be := expectKind(t, err, KindTimeConflict)
	if len(be.Conflicts) != 1 || be.Conflicts[0].AppointmentID != "a1" {
		t.Fatalf("expected conflict with a1, got %+v", be.Conflicts)
	}
	if len(be.Alternatives) == 0 {
		t.Fatal("expected alternatives")
	}
	if repo.count() != 1 {
		t.Fatalf("expected no write, got %d rows", repo.count())
	}
}

func TestBookValidation(t *testing.T) {
	e := newTestEngine(newMemRepo(), nil)
	cases := []BookRequest{
		{BusinessID: "biz-1", UserID: "u", ServiceID: "s", Date: "2026-03-02", Time: "25:00", DurationMinutes: 30},
		{BusinessID: "biz-1", UserID: "u", ServiceID: "s", Date: "03/02/2026", Time: "10:00", DurationMinutes: 30},
		{BusinessID: "biz-1", UserID: "u", ServiceID: "s", Date: "2026-03-02", Time: "10:00", DurationMinutes: 0},
		{BusinessID: "biz-1", UserID: "", ServiceID: "s", Date: "2026-03-02", Time: "10:00", DurationMinutes: 30},
		{BusinessID: "biz-1", UserID: "u", ServiceID: "s", Date: "2026-03-02", Time: "23:45", DurationMinutes: 30},
	}
	for _, req := range cases {
		_, err := e.Book(context.Background(), req)
		expectKind(t, err, KindValidation)
		if !IsTerminal(err) {
			t.Fatalf("expected validation error to be terminal: %v", err)
		}
	}
}

func TestBookReadFailureIsTransient(t *testing.T) {
	repo := newMemRepo()
	repo.readErr = errors.New("connection reset")
	e := newTestEngine(repo, nil)

	_, err := e.Book(context.Background(), bookReq("10:00", 30))
	expectKind(t, err, KindTransient)
	if IsTerminal(err) {
		t.Fatal("expected read failure to be retryable")
	}
}

func TestBookDuplicateFromInsert(t *testing.T) {
	// The slot is free when validated and taken by the time of the insert.
	repo := &racingRepo{memRepo: newMemRepo(), winner: booked("w1", "10:00", 30)}
	e := newTestEngine(repo, &testEvents{})

	_, err := e.Book(context.Background(), bookReq("10:00", 30))
	expectKind(t, err, KindDuplicateBooking)
	if got := repo.get("w1"); got.Version != 0 || got.UserID != "user-1" {
		t.Fatalf("winner must be untouched, got %+v", got)
	}
	if types := repo.eventTypes(); len(types) != 0 {
		t.Fatalf("a rejected insert must not store events, got %v", types)
	}
}

// racingRepo lets another writer claim the winner's slot right before the
// first insert.
type racingRepo struct {
	*memRepo
	winner model.Appointment
	once   sync.Once
}

func (r *racingRepo) InsertUnique(ctx context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.appts[r.winner.ID] = r.winner
		r.mu.Unlock()
	})
	return r.memRepo.InsertUnique(ctx, appt, events...)
}

func TestBookRaceConditionAtExactStart(t *testing.T) {
	// FindActive misses the winner, FindActiveAt sees it.
	repo := &lateReadRepo{memRepo: newMemRepo(booked("w1", "10:00", 30))}
	e := newTestEngine(repo, nil)

	_, err := e.Book(context.Background(), bookReq("10:00", 30))
	be := expectKind(t, err, KindRaceCondition)
	if len(be.Conflicts) != 1 || be.Conflicts[0].AppointmentID != "w1" {
		t.Fatalf("expected conflict naming w1, got %+v", be.Conflicts)
	}
	for _, alt := range be.Alternatives {
		if alt == "10:00" {
			t.Fatalf("alternatives must not offer the taken slot: %v", be.Alternatives)
		}
	}
}

type lateReadRepo struct {
	*memRepo
}

func (r *lateReadRepo) FindActive(context.Context, string, string) ([]model.Appointment, error) {
	return nil, nil
}

func TestConcurrentBookingsExactlyOneWins(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(repo, nil)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		failures []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Book(context.Background(), bookReq("11:00", 45))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one booking to succeed, got %d", success)
	}
	if repo.count() != 1 {
		t.Fatalf("expected one stored appointment, got %d", repo.count())
	}
	for _, err := range failures {
		switch KindOf(err) {
		case KindTimeConflict, KindRaceCondition, KindDuplicateBooking:
		default:
			t.Fatalf("unexpected failure kind: %v", err)
		}
		if !IsTerminal(err) {
			t.Fatalf("expected terminal failure: %v", err)
		}
	}
}

func TestBookEventFailureWritesNothing(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(repo, &testEvents{err: errors.New("encode failed")})

	_, err := e.Book(context.Background(), bookReq("10:00", 30))
	expectKind(t, err, KindTransient)
	if repo.count() != 0 {
		t.Fatalf("expected no appointment without its event, got %d", repo.count())
	}
}

// cancelAfterInsert cancels the caller's context as soon as the insert lands,
// as a client hanging up mid-request would.
type cancelAfterInsert struct {
	*memRepo
	cancel context.CancelFunc
}

func (r *cancelAfterInsert) InsertUnique(ctx context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error) {
	saved, err := r.memRepo.InsertUnique(ctx, appt, events...)
	if err == nil {
		r.cancel()
	}
	return saved, err
}

func TestBookEventSurvivesCancelAfterInsert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := &cancelAfterInsert{memRepo: newMemRepo(), cancel: cancel}
	e := newTestEngine(repo, &testEvents{})

	appt, err := e.Book(ctx, bookReq("10:00", 30))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected the context to be canceled after the insert")
	}
	if repo.count() != 1 {
		t.Fatalf("expected 1 stored appointment, got %d", repo.count())
	}
	stored := repo.storedEvents()
	if len(stored) != 1 || stored[0].AggregateID != appt.ID {
		t.Fatalf("expected the booked event to be stored with the insert, got %+v", stored)
	}
}

func TestDurationOverlapUsesFullSpan(t *testing.T) {
	e := newTestEngine(newMemRepo(), nil)

	// 10:00-10:45 against a stored 10:30-11:00.
	err := e.durationOverlap(600, 645, []model.Appointment{booked("a1", "10:30", 30)}, 45)
	be := expectKind(t, err, KindDurationOverlap)
	if len(be.Conflicts) != 1 || be.Conflicts[0].AppointmentID != "a1" {
		t.Fatalf("expected overlap with a1, got %+v", be.Conflicts)
	}
	if len(be.Alternatives) == 0 {
		t.Fatal("expected alternatives")
	}
	if !IsTerminal(err) {
		t.Fatal("duration overlap must be terminal")
	}

	// Back to back is not an overlap once the buffer is out of the picture.
	if err := e.durationOverlap(570, 600, []model.Appointment{booked("a1", "10:00", 30)}, 30); err != nil {
		t.Fatalf("expected adjacent slots to pass, got %v", err)
	}
	if err := e.durationOverlap(600, 645, nil, 45); err != nil {
		t.Fatalf("expected empty snapshot to pass, got %v", err)
	}
}

func TestEventTypesFollowWriteOrder(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(repo, &testEvents{})

	appt, err := e.Book(context.Background(), bookReq("10:00", 30))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := e.Reschedule(context.Background(), appt.ID, Slot{Date: "2026-03-02", Time: "12:00"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, err := e.UpdateStatus(context.Background(), appt.ID, model.StatusCanceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got, want := repo.eventTypes(), []string{"booked", "rescheduled", "status_changed"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestListDayAndBlockedSlots(t *testing.T) {
	repo := newMemRepo(booked("a1", "10:00", 30))
	e := newTestEngine(repo, nil)

	appts, err := e.ListDay(context.Background(), "biz-1", "2026-03-02")
	if err != nil || len(appts) != 1 {
		t.Fatalf("list: %v %+v", err, appts)
	}
	if _, err := e.ListDay(context.Background(), "biz-1", "bad"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	slots, err := e.BlockedTimeSlots(context.Background(), "biz-1", "2026-03-02")
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	want := []string{"09:45", "10:00", "10:15", "10:30"}
	if len(slots) != len(want) {
		t.Fatalf("expected %v, got %v", want, slots)
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, slots)
		}
	}
}
