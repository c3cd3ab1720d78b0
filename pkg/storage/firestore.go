package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Documents live under sites/{siteID} and hold their payload as a JSON
// string.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty, it is then detected from the environment.
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

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

func docJSON(ctx context.Context, doc *firestore.DocumentSnapshot, siteID string) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.String("siteID", siteID))
		return "", fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID), slog.String("siteID", siteID))
		return "", fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	return jsonStr, nil
}

// GetTariffConfig retrieves the tariff from the "config/tariff" document.
func (f *FirestoreProvider) GetTariffConfig(ctx context.Context, siteID string) (types.TariffConfig, int, error) {
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return types.TariffConfig{}, 0, err
	}
	doc, err := coll.Doc("tariff").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil
		}
		return types.TariffConfig{}, 0, fmt.Errorf("failed to fetch tariff doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	jsonStr, err := docJSON(ctx, doc, siteID)
	if err != nil {
		return types.TariffConfig{}, 0, err
	}
	return decodeTariffConfig(jsonStr, version)
}

// SetTariffConfig saves the tariff to the "config/tariff" document.
func (f *FirestoreProvider) SetTariffConfig(ctx context.Context, siteID string, cfg types.TariffConfig, version int) error {
	jsonBytes, err := json.Marshal(cfg.WithoutSensorValues())
	if err != nil {
		return fmt.Errorf("failed to marshal tariff config: %w", err)
	}

	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("tariff").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save tariff config: %w", err)
	}
	return nil
}

// GetPeriodTotals retrieves the snapshot stored in "period_totals/{range}".
func (f *FirestoreProvider) GetPeriodTotals(ctx context.Context, siteID, rng string) (types.PeriodSnapshot, bool, error) {
	coll, err := f.getCollection(siteID, "period_totals")
	if err != nil {
		return types.PeriodSnapshot{}, false, err
	}
	doc, err := coll.Doc(rng).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PeriodSnapshot{}, false, nil
		}
		return types.PeriodSnapshot{}, false, fmt.Errorf("failed to fetch period totals doc: %w", err)
	}
	jsonStr, err := docJSON(ctx, doc, siteID)
	if err != nil {
		return types.PeriodSnapshot{}, false, err
	}
	var snap types.PeriodSnapshot
	if err := json.Unmarshal([]byte(jsonStr), &snap); err != nil {
		return types.PeriodSnapshot{}, false, fmt.Errorf("failed to unmarshal period totals (range=%s): %w", rng, err)
	}
	return snap, true, nil
}

// SetPeriodTotals stores the snapshot under its range.
func (f *FirestoreProvider) SetPeriodTotals(ctx context.Context, siteID string, snap types.PeriodSnapshot) error {
	if snap.Range == "" {
		return fmt.Errorf("period snapshot missing range")
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal period totals: %w", err)
	}

	coll, err := f.getCollection(siteID, "period_totals")
	if err != nil {
		return err
	}
	_, err = coll.Doc(snap.Range).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"fetchedAt": snap.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save period totals: %w", err)
	}
	return nil
}

// ListPeriodTotals returns every stored snapshot ordered by range.
func (f *FirestoreProvider) ListPeriodTotals(ctx context.Context, siteID string) ([]types.PeriodSnapshot, error) {
	coll, err := f.getCollection(siteID, "period_totals")
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var snaps []types.PeriodSnapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating period totals: %w", err)
		}
		jsonStr, err := docJSON(ctx, doc, siteID)
		if err != nil {
			return nil, err
		}
		var snap types.PeriodSnapshot
		if err := json.Unmarshal([]byte(jsonStr), &snap); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal period totals", slog.String("docID", doc.Ref.ID), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal period totals (id=%s): %w", doc.Ref.ID, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

