package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/acmg-amp-mcp-server/internal/database"
	"github.com/acmg-amp-mcp-server/internal/domain"
)

func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) (*database.DB, func()) {
	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	databaseURL := "postgres://testuser:" + testPassword + "@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
	runner, err := database.NewMigrationRunner(databaseURL, "../../migrations", logger)
	if err != nil {
		t.Fatalf("failed to create migration runner: %v", err)
	}
	if err := runner.Up(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		runner.Close()
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}
	return db, cleanup
}

func sampleRecommendation() *domain.Recommendation {
	return &domain.Recommendation{
		RequestID:             uuid.New().String(),
		EngineVersion:         "1.0.0",
		InfectionCategory:     domain.Pyelonephritis,
		AllergyClassification: domain.AllergyNone,
		ChosenRegimen: domain.ChosenRegimen{
			Drugs: []domain.RegimenDrug{
				{
					DrugID:    "ceftriaxone",
					Dose:      "1g",
					Frequency: "q24h",
					Route:     domain.RouteIV,
				},
			},
			IndicationTag: "pyelonephritis",
		},
		Warnings:   []string{},
		Confidence: 0.9,
		Provenance: domain.Provenance{
			InfectionFileVersion: "1.0.0",
			DrugFileVersions:     map[string]string{"ceftriaxone": "1.0.0"},
			ModifierVersions:     map[string]string{"allergy_rules": "1.0.0"},
		},
		EmittedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestRecommendationRepository_SaveAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewRecommendationRepository(db.Pool, logger)

	rec := sampleRecommendation()
	ctx := context.Background()
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("failed to save recommendation: %v", err)
	}

	got, err := repo.GetByRequestID(ctx, rec.RequestID)
	if err != nil {
		t.Fatalf("failed to get recommendation: %v", err)
	}
	if got.RequestID != rec.RequestID {
		t.Errorf("expected request id %s, got %s", rec.RequestID, got.RequestID)
	}
	if got.InfectionCategory != rec.InfectionCategory {
		t.Errorf("expected infection category %s, got %s", rec.InfectionCategory, got.InfectionCategory)
	}
	if len(got.ChosenRegimen.Drugs) != 1 || got.ChosenRegimen.Drugs[0].DrugID != "ceftriaxone" {
		t.Errorf("chosen regimen did not round-trip: %+v", got.ChosenRegimen)
	}
}

func TestRecommendationRepository_GetByRequestID_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewRecommendationRepository(db.Pool, logger)

	_, err := repo.GetByRequestID(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown request id, got nil")
	}
}

func TestRecommendationRepository_ListByInfection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewRecommendationRepository(db.Pool, logger)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := sampleRecommendation()
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("failed to save recommendation %d: %v", i, err)
		}
	}

	recs, err := repo.ListByInfection(ctx, domain.Pyelonephritis, 10, 0)
	if err != nil {
		t.Fatalf("failed to list recommendations: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 recommendations, got %d", len(recs))
	}
}
