package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// RecommendationRepository persists recommendation audit records to
// Postgres, supplementing the mandatory file-based JSONL audit log with a
// queryable history (spec §9). Entirely optional: the engine runs without
// one, falling back to the file log alone.
type RecommendationRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRecommendationRepository creates a new recommendation repository.
func NewRecommendationRepository(db *pgxpool.Pool, logger *logrus.Logger) *RecommendationRepository {
	return &RecommendationRepository{db: db, log: logger}
}

// Save inserts a recommendation audit record.
func (r *RecommendationRepository) Save(ctx context.Context, rec *domain.Recommendation) error {
	chosenRegimenJSON, err := json.Marshal(rec.ChosenRegimen)
	if err != nil {
		return fmt.Errorf("marshaling chosen regimen: %w", err)
	}
	warningsJSON, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("marshaling warnings: %w", err)
	}
	provenanceJSON, err := json.Marshal(rec.Provenance)
	if err != nil {
		return fmt.Errorf("marshaling provenance: %w", err)
	}

	query := `
		INSERT INTO recommendations (
			request_id, engine_version, infection_category, allergy_classification,
			pregnancy_state, chosen_regimen, warnings, confidence, provenance, emitted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err = r.db.Exec(ctx, query,
		rec.RequestID,
		rec.EngineVersion,
		rec.InfectionCategory,
		rec.AllergyClassification,
		rec.PregnancyState,
		chosenRegimenJSON,
		warningsJSON,
		rec.Confidence,
		provenanceJSON,
		rec.EmittedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id":         rec.RequestID,
			"infection_category": rec.InfectionCategory,
			"error":              err,
		}).Error("Failed to save recommendation")
		return fmt.Errorf("saving recommendation: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"request_id":         rec.RequestID,
		"infection_category": rec.InfectionCategory,
		"confidence":         rec.Confidence,
	}).Info("Recommendation saved successfully")

	return nil
}

// GetByRequestID retrieves a recommendation by its request ID.
func (r *RecommendationRepository) GetByRequestID(ctx context.Context, requestID string) (*domain.Recommendation, error) {
	query := `
		SELECT request_id, engine_version, infection_category, allergy_classification,
			   pregnancy_state, chosen_regimen, warnings, confidence, provenance, emitted_at
		FROM recommendations
		WHERE request_id = $1`

	rec, chosenRegimenJSON, warningsJSON, provenanceJSON, err := scanRecommendationRow(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("recommendation not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err,
		}).Error("Failed to get recommendation by request ID")
		return nil, fmt.Errorf("getting recommendation by request ID: %w", err)
	}

	if err := unmarshalRecommendationJSON(rec, chosenRegimenJSON, warningsJSON, provenanceJSON); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByInfection retrieves recommendations for an infection category with
// pagination, most recent first.
func (r *RecommendationRepository) ListByInfection(ctx context.Context, category domain.InfectionCategory, limit, offset int) ([]*domain.Recommendation, error) {
	query := `
		SELECT request_id, engine_version, infection_category, allergy_classification,
			   pregnancy_state, chosen_regimen, warnings, confidence, provenance, emitted_at
		FROM recommendations
		WHERE infection_category = $1
		ORDER BY emitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, category, limit, offset)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"infection_category": category,
			"error":              err,
		}).Error("Failed to list recommendations by infection")
		return nil, fmt.Errorf("listing recommendations by infection: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		rec, chosenRegimenJSON, warningsJSON, provenanceJSON, err := scanRecommendationRow(rows)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"infection_category": category,
				"error":              err,
			}).Error("Failed to scan recommendation row")
			return nil, fmt.Errorf("scanning recommendation row: %w", err)
		}
		if err := unmarshalRecommendationJSON(rec, chosenRegimenJSON, warningsJSON, provenanceJSON); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recommendation rows: %w", err)
	}

	return recs, nil
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendationRow(row rowScanner) (*domain.Recommendation, []byte, []byte, []byte, error) {
	var rec domain.Recommendation
	var chosenRegimenJSON, warningsJSON, provenanceJSON []byte
	var emittedAt time.Time

	err := row.Scan(
		&rec.RequestID,
		&rec.EngineVersion,
		&rec.InfectionCategory,
		&rec.AllergyClassification,
		&rec.PregnancyState,
		&chosenRegimenJSON,
		&warningsJSON,
		&rec.Confidence,
		&provenanceJSON,
		&emittedAt,
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rec.EmittedAt = emittedAt
	return &rec, chosenRegimenJSON, warningsJSON, provenanceJSON, nil
}

func unmarshalRecommendationJSON(rec *domain.Recommendation, chosenRegimenJSON, warningsJSON, provenanceJSON []byte) error {
	if err := json.Unmarshal(chosenRegimenJSON, &rec.ChosenRegimen); err != nil {
		return fmt.Errorf("unmarshaling chosen regimen: %w", err)
	}
	if err := json.Unmarshal(warningsJSON, &rec.Warnings); err != nil {
		return fmt.Errorf("unmarshaling warnings: %w", err)
	}
	if err := json.Unmarshal(provenanceJSON, &rec.Provenance); err != nil {
		return fmt.Errorf("unmarshaling provenance: %w", err)
	}
	return nil
}

var _ domain.RecommendationRepository = (*RecommendationRepository)(nil)
