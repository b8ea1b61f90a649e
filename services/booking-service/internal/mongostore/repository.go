package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/md-rashed-zaman/slotguard/libs/mongox"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

const (
	appointmentsCollection = "appointments"
	businessesCollection   = "business_profiles"
	servicesCollection     = "business_services"
	customersCollection    = "customers"

	activeSlotIndex = "appointments_active_slot_uniq"
)

// appointmentDoc is the stored shape of an appointment. Active mirrors
// status != canceled so the partial unique index can use a plain equality
// filter.
type appointmentDoc struct {
	ID              string    `bson:"_id"`
	BusinessID      string    `bson:"business_id"`
	UserID          string    `bson:"user_id"`
	ServiceID       string    `bson:"service_id"`
	Date            string    `bson:"date"`
	Time            string    `bson:"time"`
	DurationMinutes int       `bson:"duration_minutes"`
	Status          string    `bson:"status"`
	Active          bool      `bson:"active"`
	Version         int       `bson:"version"`
	StatusUpdatedAt time.Time `bson:"status_updated_at"`
	LastModified    time.Time `bson:"last_modified"`
	CreatedAt       time.Time `bson:"created_at"`
}

type nameDoc struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

// Publisher forwards an event once its write has landed.
type Publisher interface {
	Append(ctx context.Context, evt model.Event) error
}

// Repository stores appointments in MongoDB. There is no outbox collection:
// the events of a write are handed to the publisher after the write succeeds,
// detached from the caller's cancellation, and dropped when it is nil.
type Repository struct {
	appts     *mongo.Collection
	business  *mongo.Collection
	services  *mongo.Collection
	customers *mongo.Collection
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewRepository(client *mongox.Client, publisher Publisher, logger *slog.Logger) *Repository {
	return newRepository(client.DB, publisher, logger)
}

func newRepository(db *mongo.Database, publisher Publisher, logger *slog.Logger) *Repository {
	return &Repository{
		appts:     db.Collection(appointmentsCollection),
		business:  db.Collection(businessesCollection),
		services:  db.Collection(servicesCollection),
		customers: db.Collection(customersCollection),
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the partial unique slot index and the day lookup
// index. Safe to call on every start.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "date", Value: 1}, {Key: "time", Value: 1}},
			Options: options.Index().
				SetName(activeSlotIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "active", Value: true}}),
		},
		{
			Keys:    bson.D{{Key: "business_id", Value: 1}, {Key: "date", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("appointments_business_day"),
		},
	}
	if _, err := r.appts.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create appointment indexes: %w", err)
	}
	return nil
}

func (r *Repository) FindActive(ctx context.Context, businessID, date string) ([]model.Appointment, error) {
	filter := bson.D{
		{Key: "business_id", Value: businessID},
		{Key: "date", Value: date},
		{Key: "active", Value: true},
	}
	cur, err := r.appts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "time", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []appointmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return r.withNames(ctx, docs)
}

func (r *Repository) FindActiveAt(ctx context.Context, businessID, date, clock string) (model.Appointment, bool, error) {
	filter := bson.D{
		{Key: "business_id", Value: businessID},
		{Key: "date", Value: date},
		{Key: "time", Value: clock},
		{Key: "active", Value: true},
	}
	appt, err := r.findOne(ctx, filter)
	if errors.Is(err, model.ErrNotFound) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (model.Appointment, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (r *Repository) InsertUnique(ctx context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error) {
	doc := toDoc(appt)
	if _, err := r.appts.InsertOne(ctx, doc); err != nil {
		return model.Appointment{}, classify(err)
	}
	return r.committed(ctx, doc, events), nil
}

// ConditionalUpdate matches on both _id and version, so a concurrent writer
// that already advanced the version makes this a no-match.
func (r *Repository) ConditionalUpdate(ctx context.Context, id string, expectedVersion int, patch model.SlotPatch, events ...model.Event) (model.Appointment, bool, error) {
	if patch.Empty() {
		return model.Appointment{}, false, errors.New("conditional update with empty patch")
	}
	filter := bson.D{{Key: "_id", Value: id}, {Key: "version", Value: expectedVersion}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc appointmentDoc
	err := r.appts.FindOneAndUpdate(ctx, filter, updatePipeline(patch, r.now()), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, classify(err)
	}
	return r.committed(ctx, doc, events), true, nil
}

// committed finishes a write that has already landed, so nothing here may
// turn it into an error: a publish failure or a failed name lookup is logged
// and the appointment is returned as stored.
func (r *Repository) committed(ctx context.Context, doc appointmentDoc, events []model.Event) model.Appointment {
	r.publish(context.WithoutCancel(ctx), events)
	out, err := r.withNames(ctx, []appointmentDoc{doc})
	if err != nil {
		r.logger.WarnContext(ctx, "appointment names not resolved", "appointment_id", doc.ID, "err", err)
		return fromDoc(doc)
	}
	return out[0]
}

func (r *Repository) publish(ctx context.Context, events []model.Event) {
	if r.publisher == nil {
		return
	}
	for _, evt := range events {
		if err := r.publisher.Append(ctx, evt); err != nil {
			r.logger.WarnContext(ctx, "appointment event not published",
				"event_type", evt.EventType, "appointment_id", evt.AggregateID, "err", err)
		}
	}
}

// updatePipeline builds an aggregation-pipeline update so the status stamp can
// depend on the stored status.
func updatePipeline(patch model.SlotPatch, now time.Time) mongo.Pipeline {
	set := bson.D{}
	if patch.Date != nil {
		set = append(set, bson.E{Key: "date", Value: *patch.Date})
	}
	if patch.Time != nil {
		set = append(set, bson.E{Key: "time", Value: *patch.Time})
	}
	if patch.Status != nil {
		status := string(*patch.Status)
		set = append(set,
			bson.E{Key: "status_updated_at", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$status", status}}},
				now,
				"$status_updated_at",
			}}}},
			bson.E{Key: "status", Value: bson.D{{Key: "$literal", Value: status}}},
			bson.E{Key: "active", Value: *patch.Status != model.StatusCanceled},
		)
	}
	set = append(set,
		bson.E{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{"$version", 1}}}},
		bson.E{Key: "last_modified", Value: now},
	)
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (r *Repository) findOne(ctx context.Context, filter bson.D) (model.Appointment, error) {
	var doc appointmentDoc
	err := r.appts.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Appointment{}, model.ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, err
	}
	out, err := r.withNames(ctx, []appointmentDoc{doc})
	if err != nil {
		return model.Appointment{}, err
	}
	return out[0], nil
}

// withNames converts docs and fills the display names with one lookup per
// referenced collection.
func (r *Repository) withNames(ctx context.Context, docs []appointmentDoc) ([]model.Appointment, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var businessIDs, serviceIDs, userIDs []string
	for _, d := range docs {
		businessIDs = append(businessIDs, d.BusinessID)
		serviceIDs = append(serviceIDs, d.ServiceID)
		userIDs = append(userIDs, d.UserID)
	}
	businesses, err := names(ctx, r.business, businessIDs)
	if err != nil {
		return nil, err
	}
	services, err := names(ctx, r.services, serviceIDs)
	if err != nil {
		return nil, err
	}
	customers, err := names(ctx, r.customers, userIDs)
	if err != nil {
		return nil, err
	}

	out := make([]model.Appointment, 0, len(docs))
	for _, d := range docs {
		a := fromDoc(d)
		a.BusinessName = businesses[d.BusinessID]
		a.ServiceName = services[d.ServiceID]
		a.CustomerName = customers[d.UserID]
		out = append(out, a)
	}
	return out, nil
}

func names(ctx context.Context, coll *mongo.Collection, ids []string) (map[string]string, error) {
	cur, err := coll.Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetProjection(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []nameDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.ID] = d.Name
	}
	return out, nil
}

func toDoc(a model.Appointment) appointmentDoc {
	return appointmentDoc{
		ID:              a.ID,
		BusinessID:      a.BusinessID,
		UserID:          a.UserID,
		ServiceID:       a.ServiceID,
		Date:            a.Date,
		Time:            a.Time,
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Active:          a.Active(),
		Version:         a.Version,
		StatusUpdatedAt: a.StatusUpdatedAt,
		LastModified:    a.LastModified,
		CreatedAt:       a.CreatedAt,
	}
}

func fromDoc(d appointmentDoc) model.Appointment {
	return model.Appointment{
		ID:              d.ID,
		BusinessID:      d.BusinessID,
		UserID:          d.UserID,
		ServiceID:       d.ServiceID,
		Date:            d.Date,
		Time:            d.Time,
		DurationMinutes: d.DurationMinutes,
		Status:          model.Status(d.Status),
		Version:         d.Version,
		StatusUpdatedAt: d.StatusUpdatedAt,
		LastModified:    d.LastModified,
		CreatedAt:       d.CreatedAt,
	}
}

func classify(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", model.ErrDuplicate, err)
	}
	return err
}
