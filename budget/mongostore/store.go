// Package mongostore implements budget.Ledger on top of MongoDB for
// multi-node deployments where the file-based ledger's single-process
// assumption does not hold. It keeps one document per account and updates
// it with findAndModify-style conditional writes, standing in for SQL
// transactions since Mongo single-document writes are atomic.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ryehq/rye-core/budget"
)

const (
	defaultAccountsCollection     = "budget_accounts"
	defaultReservationsCollection = "budget_reservations"
	defaultTimeout                = 5 * time.Second
)

// Options configures the Mongo-backed ledger.
type Options struct {
	Client      *mongo.Client
	Database    string
	AccountsCol string
	ReserveCol  string
	Timeout     time.Duration
}

// Store implements budget.Ledger against MongoDB collections.
type Store struct {
	accounts     *mongo.Collection
	reservations *mongo.Collection
	timeout      time.Duration
}

type accountDoc struct {
	ThreadID  string  `bson:"_id"`
	Limit     float64 `bson:"limit"`
	Committed float64 `bson:"committed"`
	Active    float64 `bson:"active"`
}

type reservationDoc struct {
	ChildID  string  `bson:"_id"`
	ParentID string  `bson:"parent_id"`
	Reserved float64 `bson:"reserved"`
	Actual   float64 `bson:"actual"`
	State    string  `bson:"state"`
}

// New constructs a Mongo-backed Ledger.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	accountsCol := opts.AccountsCol
	if accountsCol == "" {
		accountsCol = defaultAccountsCollection
	}
	reserveCol := opts.ReserveCol
	if reserveCol == "" {
		reserveCol = defaultReservationsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{
		accounts:     db.Collection(accountsCol),
		reservations: db.Collection(reserveCol),
		timeout:      timeout,
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Open implements budget.Ledger.
func (s *Store) Open(ctx context.Context, threadID string, limit float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.accounts.UpdateByID(ctx, threadID, bson.M{
		"$setOnInsert": accountDoc{ThreadID: threadID, Limit: limit},
	}, options.UpdateOne().SetUpsert(true))
	return err
}

// Reserve implements budget.Ledger. Mongo lacks multi-document ACID
// transactions in the single-node deployment this adapter targets, so the
// check-and-insert is performed via a single findAndModify-style update
// guarded by a server-side headroom filter, keeping the critical
// check-then-write atomic at the document level.
func (s *Store) Reserve(ctx context.Context, parentID, childID string, amount float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id": parentID,
		"$or": bson.A{
			bson.M{"limit": bson.M{"$lte": 0}},
			bson.M{"$expr": bson.M{"$gte": bson.A{
				bson.M{"$subtract": bson.A{"$limit", bson.M{"$add": bson.A{"$committed", "$active", amount}}}},
				0,
			}}},
		},
	}
	res := s.accounts.FindOneAndUpdate(ctx, filter, bson.M{
		"$inc": bson.M{"active": amount},
	})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: parent %q", budget.ErrInsufficientHeadroom, parentID)
		}
		return err
	}
	_, err := s.reservations.InsertOne(ctx, reservationDoc{
		ChildID: childID, ParentID: parentID, Reserved: amount, State: string(budget.StatePending),
	})
	return err
}

// Report implements budget.Ledger.
func (s *Store) Report(ctx context.Context, childID string, actual float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r reservationDoc
	if err := s.reservations.FindOneAndUpdate(ctx,
		bson.M{"_id": childID, "state": string(budget.StatePending)},
		bson.M{"$set": bson.M{"state": string(budget.StateReported), "actual": actual}},
	).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %q", budget.ErrUnknownReservation, childID)
		}
		return err
	}
	_, err := s.accounts.UpdateByID(ctx, r.ParentID, bson.M{
		"$inc": bson.M{"committed": actual, "active": -r.Reserved},
	})
	return err
}

// Forfeit implements budget.Ledger.
func (s *Store) Forfeit(ctx context.Context, childID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r reservationDoc
	if err := s.reservations.FindOneAndUpdate(ctx,
		bson.M{"_id": childID, "state": string(budget.StatePending)},
		bson.M{"$set": bson.M{"state": string(budget.StateForfeited)}},
	).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %q", budget.ErrUnknownReservation, childID)
		}
		return err
	}
	_, err := s.accounts.UpdateByID(ctx, r.ParentID, bson.M{"$inc": bson.M{"active": -r.Reserved}})
	return err
}

// Account implements budget.Ledger.
func (s *Store) Account(ctx context.Context, threadID string) (budget.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc accountDoc
	if err := s.accounts.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return budget.Account{}, fmt.Errorf("%w: %q", budget.ErrUnknownAccount, threadID)
		}
		return budget.Account{}, err
	}
	return budget.Account{ThreadID: doc.ThreadID, Limit: doc.Limit, Committed: doc.Committed}, nil
}

// Reservation implements budget.Ledger.
func (s *Store) Reservation(ctx context.Context, childID string) (budget.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc reservationDoc
	if err := s.reservations.FindOne(ctx, bson.M{"_id": childID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return budget.Reservation{}, fmt.Errorf("%w: %q", budget.ErrUnknownReservation, childID)
		}
		return budget.Reservation{}, err
	}
	return budget.Reservation{
		ParentID: doc.ParentID, ChildID: doc.ChildID, Reserved: doc.Reserved,
		Actual: doc.Actual, State: budget.ReservationState(doc.State),
	}, nil
}

var _ budget.Ledger = (*Store)(nil)
