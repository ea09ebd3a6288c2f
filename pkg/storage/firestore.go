package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Everything for a feeder lives under the "feeders/{feederID}" document.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	feederID  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	feederID := lflag.String("firestore-feeder-id", "default", "Feeder document that holds all state")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.feederID = *feederID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty since it can be inferred.
	if f.feederID == "" {
		return fmt.Errorf("feederID cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(name string) *firestore.CollectionRef {
	return f.client.Collection("feeders").Doc(f.feederID).Collection(name)
}

// SaveState writes the snapshot as a single JSON document in "state/houses".
func (f *FirestoreProvider) SaveState(ctx context.Context, houses []types.HouseState) error {
	jsonStr, err := marshalState(houses)
	if err != nil {
		return err
	}
	_, err = f.getCollection("state").Doc("houses").Set(ctx, map[string]interface{}{
		"json":    jsonStr,
		"version": types.CurrentHouseStateVersion,
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save house state: %w", err)
	}
	return nil
}

// LoadState reads the snapshot written by SaveState.
func (f *FirestoreProvider) LoadState(ctx context.Context) ([]types.HouseState, error) {
	doc, err := f.getCollection("state").Doc("houses").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch house state doc: %w", err)
	}
	jsonStr, err := docJSON(ctx, doc)
	if err != nil {
		return nil, err
	}
	return unmarshalState(jsonStr)
}

// AppendTelemetry adds a telemetry event to the "telemetry" collection.
// The document ID is the event ID so retries overwrite.
func (f *FirestoreProvider) AppendTelemetry(ctx context.Context, event types.TelemetryEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}
	_, err = f.getCollection("telemetry").Doc(event.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"houseID":   event.HouseID,
		"timestamp": event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append telemetry: %w", err)
	}
	return nil
}

// AppendSwitch adds a switch event to the "switch_history" collection.
func (f *FirestoreProvider) AppendSwitch(ctx context.Context, event types.SwitchEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal switch event: %w", err)
	}
	_, err = f.getCollection("switch_history").Doc(event.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"houseID":   event.HouseID,
		"timestamp": event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append switch: %w", err)
	}
	return nil
}

// GetSwitchHistory returns the newest switch events first.
func (f *FirestoreProvider) GetSwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error) {
	q := f.getCollection("switch_history").OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var events []types.SwitchEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating switch history: %w", err)
		}
		jsonStr, err := docJSON(ctx, doc)
		if err != nil {
			return nil, err
		}
		var e types.SwitchEvent
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal switch event", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal switch event (id=%s): %w", doc.Ref.ID, err)
		}
		events = append(events, e)
	}
	// equal timestamps come back in document order, so normalize
	newestFirst(events)
	return events, nil
}

// GetTelemetryHistory requires a composite index on (houseID, timestamp).
func (f *FirestoreProvider) GetTelemetryHistory(ctx context.Context, houseID string, since time.Time) ([]types.TelemetryEvent, error) {
	iter := f.getCollection("telemetry").
		Where("houseID", "==", houseID).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	return f.collectTelemetry(ctx, iter)
}

func (f *FirestoreProvider) GetLatestTelemetry(ctx context.Context, since time.Time) (map[string]types.TelemetryEvent, error) {
	iter := f.getCollection("telemetry").
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	events, err := f.collectTelemetry(ctx, iter)
	if err != nil {
		return nil, err
	}
	return latestPerHouse(events, since), nil
}

func (f *FirestoreProvider) collectTelemetry(ctx context.Context, iter *firestore.DocumentIterator) ([]types.TelemetryEvent, error) {
	defer iter.Stop()

	var events []types.TelemetryEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating telemetry: %w", err)
		}
		jsonStr, err := docJSON(ctx, doc)
		if err != nil {
			return nil, err
		}
		var e types.TelemetryEvent
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal telemetry event", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal telemetry event (id=%s): %w", doc.Ref.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (f *FirestoreProvider) ClearTelemetry(ctx context.Context) error {
	return f.clearCollection(ctx, "telemetry")
}

func (f *FirestoreProvider) ClearSwitchHistory(ctx context.Context) error {
	return f.clearCollection(ctx, "switch_history")
}

func (f *FirestoreProvider) clearCollection(ctx context.Context, name string) error {
	iter := f.getCollection(name).DocumentRefs(ctx)
	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("error iterating %s: %w", name, err)
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete of %s/%s: %w", name, ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared collection", slog.String("collection", name), slog.Int("docs", len(jobs)))
	return nil
}

// docJSON extracts the "json" field every document is stored with.
func docJSON(ctx context.Context, doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return "", fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return "", fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}
	return jsonStr, nil
}
