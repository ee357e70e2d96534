package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/patient-queue/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	patientsCollection = "patients"
	doctorsCollection  = "doctors"
	branchesCollection = "branches"
)

// Mongo reads master data from a document store whose documents use the
// record id as _id.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

func ConnectMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Patient(ctx context.Context, patientID string) (models.Patient, error) {
	var out models.Patient
	err := m.findByID(ctx, patientsCollection, patientID, &out)
	return out, err
}

func (m *Mongo) Doctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	var out models.Doctor
	err := m.findByID(ctx, doctorsCollection, doctorID, &out)
	return out, err
}

func (m *Mongo) Branch(ctx context.Context, branchID string) (models.Branch, error) {
	var out models.Branch
	err := m.findByID(ctx, branchesCollection, branchID, &out)
	return out, err
}

func (m *Mongo) findByID(ctx context.Context, collection, id string, target interface{}) error {
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(target)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
