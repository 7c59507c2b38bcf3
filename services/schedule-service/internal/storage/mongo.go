package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/md-rashed-zaman/driverduty/libs/mongox"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

const (
	lockTTL   = 30 * time.Second
	lockWait  = 5 * time.Second
	lockRetry = 25 * time.Millisecond
)

var errLockTimeout = errors.New("timed out waiting for schedule lock")

// scheduleLock is one (driver, UTC date) lock document. The TTL index reaps
// locks left behind by a crashed writer.
type scheduleLock struct {
	ID        string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoRepository has no multi-document transactions to lean on, so every
// write that can collide runs while holding the lock documents for the
// (driver, date) keys it touches.
type MongoRepository struct {
	drivers  *mongo.Collection
	shifts   *mongo.Collection
	timeOffs *mongo.Collection
	locks    *mongo.Collection
	now      func() time.Time
}

func NewMongoRepository(ctx context.Context, db *mongox.DB) (*MongoRepository, error) {
	r := &MongoRepository{
		drivers:  db.Collection("drivers"),
		shifts:   db.Collection("shifts"),
		timeOffs: db.Collection("time_off"),
		locks:    db.Collection("schedule_locks"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if _, err := r.drivers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("create drivers indexes: %w", err)
	}
	if _, err := r.shifts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "start_time", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "end_time", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create shifts indexes: %w", err)
	}
	if _, err := r.timeOffs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}, {Key: "start_date", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create time_off indexes: %w", err)
	}
	if _, err := r.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return nil, fmt.Errorf("create schedule_locks indexes: %w", err)
	}
	return r, nil
}

func (r *MongoRepository) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	var d model.Driver
	if err := r.drivers.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return model.Driver{}, mongoErr("get driver", err)
	}
	return d, nil
}

func (r *MongoRepository) ListEligibleDrivers(ctx context.Context, excludeID string) ([]model.Driver, error) {
	cursor, err := r.drivers.Find(ctx, bson.M{
		"_id":    bson.M{"$ne": excludeID},
		"status": model.DriverStatusActive,
	}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr("list drivers", err)
	}
	var out []model.Driver
	if err := cursor.All(ctx, &out); err != nil {
		return nil, mongoErr("decode drivers", err)
	}
	return out, nil
}

func (r *MongoRepository) UpsertDriver(ctx context.Context, d model.Driver) error {
	_, err := r.drivers.UpdateOne(ctx, bson.M{"_id": d.ID}, bson.M{
		"$set": bson.M{"name": d.Name, "status": d.Status, "updated_at": r.now()},
	}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return mongoErr("upsert driver", err)
	}
	return nil
}

func activeShiftFilter(driverID string, w interval.Window, excludeID string) bson.M {
	filter := bson.M{
		"driver_id":  driverID,
		"status":     bson.M{"$ne": model.ShiftStatusCancelled},
		"start_time": bson.M{"$lt": w.End},
		"end_time":   bson.M{"$gt": w.Start},
	}
	if excludeID != "" {
		filter["_id"] = bson.M{"$ne": excludeID}
	}
	return filter
}

func approvedTimeOffFilter(driverID, fromDate, toDate string) bson.M {
	return bson.M{
		"driver_id":  driverID,
		"status":     model.TimeOffStatusApproved,
		"start_date": bson.M{"$lte": toDate},
		"end_date":   bson.M{"$gte": fromDate},
	}
}

func (r *MongoRepository) ListShifts(ctx context.Context, driverID string, w interval.Window, excludeID string) ([]model.Shift, error) {
	cursor, err := r.shifts.Find(ctx, activeShiftFilter(driverID, w, excludeID),
		options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr("list shifts", err)
	}
	var out []model.Shift
	if err := cursor.All(ctx, &out); err != nil {
		return nil, mongoErr("decode shifts", err)
	}
	return out, nil
}

func (r *MongoRepository) ListApprovedTimeOff(ctx context.Context, driverID, fromDate, toDate string) ([]model.TimeOff, error) {
	cursor, err := r.timeOffs.Find(ctx, approvedTimeOffFilter(driverID, fromDate, toDate),
		options.Find().SetSort(bson.D{{Key: "start_date", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr("list time off", err)
	}
	var out []model.TimeOff
	if err := cursor.All(ctx, &out); err != nil {
		return nil, mongoErr("decode time off", err)
	}
	return out, nil
}

func (r *MongoRepository) GetShift(ctx context.Context, id string) (model.Shift, error) {
	var s model.Shift
	if err := r.shifts.FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		return model.Shift{}, mongoErr("get shift", err)
	}
	return s, nil
}

func (r *MongoRepository) GetTimeOff(ctx context.Context, id string) (model.TimeOff, error) {
	var t model.TimeOff
	if err := r.timeOffs.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return model.TimeOff{}, mongoErr("get time off", err)
	}
	return t, nil
}

func (r *MongoRepository) CreateShift(ctx context.Context, s *model.Shift, dates []string) error {
	if _, err := r.GetDriver(ctx, s.DriverID); err != nil {
		return err
	}
	return r.withLocks(ctx, lockKeys(s.DriverID, s.Window()), func() error {
		if err := r.guard(ctx, s.DriverID, s.Window(), "", dates); err != nil {
			return err
		}
		now := r.now()
		s.ID = uuid.NewString()
		if s.Status == "" {
			s.Status = model.ShiftStatusScheduled
		}
		s.CreatedAt, s.UpdatedAt = now, now
		if _, err := r.shifts.InsertOne(ctx, s); err != nil {
			return mongoErr("insert shift", err)
		}
		return nil
	})
}

func (r *MongoRepository) RescheduleShift(ctx context.Context, id string, w interval.Window, dates []string) (model.Shift, error) {
	current, err := r.GetShift(ctx, id)
	if err != nil {
		return model.Shift{}, err
	}
	if !current.Active() {
		return model.Shift{}, ErrInvalidTransition
	}
	var out model.Shift
	err = r.withLocks(ctx, lockKeys(current.DriverID, w), func() error {
		if err := r.guard(ctx, current.DriverID, w, id, dates); err != nil {
			return err
		}
		return r.updateShift(ctx, "reschedule shift", bson.M{"_id": id, "driver_id": current.DriverID},
			bson.M{"start_time": w.Start, "end_time": w.End}, &out)
	})
	return out, err
}

func (r *MongoRepository) ReassignShift(ctx context.Context, id, toDriverID string, dates []string) (model.Shift, error) {
	current, err := r.GetShift(ctx, id)
	if err != nil {
		return model.Shift{}, err
	}
	if _, err := r.GetDriver(ctx, toDriverID); err != nil {
		return model.Shift{}, err
	}
	if !current.Active() {
		return model.Shift{}, ErrInvalidTransition
	}
	w := current.Window()
	var out model.Shift
	err = r.withLocks(ctx, lockKeys(toDriverID, w), func() error {
		if err := r.guard(ctx, toDriverID, w, id, dates); err != nil {
			return err
		}
		return r.updateShift(ctx, "reassign shift",
			bson.M{"_id": id, "start_time": current.StartTime, "end_time": current.EndTime},
			bson.M{"driver_id": toDriverID}, &out)
	})
	return out, err
}

// updateShift applies set to an active shift matching filter. A miss means the
// shift was cancelled or moved underneath us.
func (r *MongoRepository) updateShift(ctx context.Context, op string, filter, set bson.M, out *model.Shift) error {
	filter["status"] = bson.M{"$ne": model.ShiftStatusCancelled}
	set["updated_at"] = r.now()
	err := r.shifts.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrInvalidTransition
	}
	if err != nil {
		return mongoErr(op, err)
	}
	return nil
}

func (r *MongoRepository) CancelShift(ctx context.Context, id string) (model.Shift, error) {
	current, err := r.GetShift(ctx, id)
	if err != nil {
		return model.Shift{}, err
	}
	switch current.Status {
	case model.ShiftStatusCancelled:
		return current, nil
	case model.ShiftStatusCompleted:
		return model.Shift{}, ErrInvalidTransition
	}
	var out model.Shift
	err = r.shifts.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": current.Status},
		bson.M{"$set": bson.M{"status": model.ShiftStatusCancelled, "updated_at": r.now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Raced with another status change; report whatever won.
		return r.CancelShift(ctx, id)
	}
	if err != nil {
		return model.Shift{}, mongoErr("cancel shift", err)
	}
	return out, nil
}

func (r *MongoRepository) CreateTimeOff(ctx context.Context, t *model.TimeOff) error {
	if _, err := r.GetDriver(ctx, t.DriverID); err != nil {
		return err
	}
	now := r.now()
	t.ID = uuid.NewString()
	t.Status = model.TimeOffStatusPending
	t.CreatedAt, t.UpdatedAt = now, now
	if _, err := r.timeOffs.InsertOne(ctx, t); err != nil {
		return mongoErr("insert time off", err)
	}
	return nil
}

func (r *MongoRepository) ApproveTimeOff(ctx context.Context, id string, span interval.Window, decidedBy string) (model.TimeOff, error) {
	current, err := r.GetTimeOff(ctx, id)
	if err != nil {
		return model.TimeOff{}, err
	}
	if !model.CanTransitionTimeOff(current.Status, model.TimeOffStatusApproved) {
		return model.TimeOff{}, ErrInvalidTransition
	}
	var out model.TimeOff
	err = r.withLocks(ctx, lockKeys(current.DriverID, span), func() error {
		n, err := r.shifts.CountDocuments(ctx, activeShiftFilter(current.DriverID, span, ""), options.Count().SetLimit(1))
		if err != nil {
			return mongoErr("count shifts", err)
		}
		if n > 0 {
			return ErrShiftsInTimeOff
		}
		out, err = r.decide(ctx, current, model.TimeOffStatusApproved, decidedBy)
		return err
	})
	return out, err
}

func (r *MongoRepository) SetTimeOffStatus(ctx context.Context, id, status, decidedBy string) (model.TimeOff, error) {
	current, err := r.GetTimeOff(ctx, id)
	if err != nil {
		return model.TimeOff{}, err
	}
	if status == model.TimeOffStatusApproved || !model.CanTransitionTimeOff(current.Status, status) {
		return model.TimeOff{}, ErrInvalidTransition
	}
	return r.decide(ctx, current, status, decidedBy)
}

// decide is a compare-and-set on the status the caller validated against.
func (r *MongoRepository) decide(ctx context.Context, current model.TimeOff, status, decidedBy string) (model.TimeOff, error) {
	now := r.now()
	var out model.TimeOff
	err := r.timeOffs.FindOneAndUpdate(ctx,
		bson.M{"_id": current.ID, "status": current.Status},
		bson.M{"$set": bson.M{"status": status, "decided_by": decidedBy, "decided_at": now, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.TimeOff{}, ErrInvalidTransition
	}
	if err != nil {
		return model.TimeOff{}, mongoErr("decide time off", err)
	}
	return out, nil
}

func (r *MongoRepository) guard(ctx context.Context, driverID string, w interval.Window, excludeID string, dates []string) error {
	n, err := r.shifts.CountDocuments(ctx, activeShiftFilter(driverID, w, excludeID), options.Count().SetLimit(1))
	if err != nil {
		return mongoErr("count shifts", err)
	}
	if n > 0 {
		return ErrOverlap
	}
	if len(dates) == 0 {
		return nil
	}
	n, err = r.timeOffs.CountDocuments(ctx, approvedTimeOffFilter(driverID, dates[0], dates[len(dates)-1]), options.Count().SetLimit(1))
	if err != nil {
		return mongoErr("count time off", err)
	}
	if n > 0 {
		return ErrTimeOffApproved
	}
	return nil
}

// withLocks acquires every key in order, runs fn and releases what it took.
func (r *MongoRepository) withLocks(ctx context.Context, keys []string, fn func() error) error {
	owner := uuid.NewString()
	held := make([]string, 0, len(keys))
	defer func() {
		if len(held) == 0 {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = r.locks.DeleteMany(releaseCtx, bson.M{"_id": bson.M{"$in": held}, "owner": owner})
	}()

	for _, key := range keys {
		if err := r.acquire(ctx, key, owner); err != nil {
			return err
		}
		held = append(held, key)
	}
	return fn()
}

func (r *MongoRepository) acquire(ctx context.Context, key, owner string) error {
	deadline := time.Now().Add(lockWait)
	for {
		now := r.now()
		_, err := r.locks.InsertOne(ctx, scheduleLock{ID: key, Owner: owner, ExpiresAt: now.Add(lockTTL), CreatedAt: now})
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return mongoErr("acquire lock", err)
		}
		// The TTL monitor only runs about once a minute; clear stale locks here.
		if _, err := r.locks.DeleteOne(ctx, bson.M{"_id": key, "expires_at": bson.M{"$lt": now}}); err != nil {
			return mongoErr("expire lock", err)
		}
		if time.Now().After(deadline) {
			return unavailable("acquire lock "+key, errLockTimeout)
		}
		select {
		case <-ctx.Done():
			return unavailable("acquire lock "+key, ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

func mongoErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return unavailable(op, err)
}
