package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentnet/internal/database"
	"github.com/BaSui01/agentnet/workflow"
)

// DefinitionRecord is one row of workflow_definitions. The definition
// itself is stored as its JSON document.
type DefinitionRecord struct {
	ID          string `gorm:"primaryKey;size:128"`
	Name        string `gorm:"size:255"`
	Version     string `gorm:"size:64"`
	Description string `gorm:"type:text"`
	StepCount   int
	Document    string `gorm:"type:text;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (DefinitionRecord) TableName() string { return "workflow_definitions" }

// ErrDefinitionNotFound is returned by Get for unknown ids.
var ErrDefinitionNotFound = errors.New("catalog: definition not found")

// saveRetries bounds WithTransactionRetry for upserts.
const saveRetries = 3

// DefinitionRepository stores definitions through a database.PoolManager.
type DefinitionRepository struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ workflow.DefinitionStore = (*DefinitionRepository)(nil)

// NewDefinitionRepository creates a repository; call Migrate before first use.
func NewDefinitionRepository(pool *database.PoolManager, logger *zap.Logger) *DefinitionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefinitionRepository{pool: pool, logger: logger.With(zap.String("component", "definition_catalog"))}
}

// Migrate creates or updates the workflow_definitions table.
func (r *DefinitionRepository) Migrate(ctx context.Context) error {
	if err := r.pool.DB().WithContext(ctx).AutoMigrate(&DefinitionRecord{}); err != nil {
		return fmt.Errorf("migrate workflow_definitions: %w", err)
	}
	return nil
}

// SaveDefinition upserts def by id.
func (r *DefinitionRepository) SaveDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	doc, err := def.ToJSON()
	if err != nil {
		return err
	}
	rec := DefinitionRecord{
		ID:          def.ID,
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		StepCount:   len(def.Steps),
		Document:    string(doc),
	}

	err = r.pool.WithTransactionRetry(ctx, saveRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "version", "description", "step_count", "document", "updated_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	r.logger.Debug("definition saved", zap.String("workflow_id", def.ID), zap.String("version", def.Version))
	return nil
}

// GetDefinition loads one definition.
func (r *DefinitionRepository) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	var rec DefinitionRecord
	err := r.pool.DB().WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return workflow.ParseDefinitionJSON([]byte(rec.Document))
}

// ListDefinitions returns every stored definition ordered by id. Rows
// whose document no longer parses are skipped and logged.
func (r *DefinitionRepository) ListDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error) {
	var recs []DefinitionRecord
	if err := r.pool.DB().WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}

	defs := make([]*workflow.WorkflowDefinition, 0, len(recs))
	for _, rec := range recs {
		def, err := workflow.ParseDefinitionJSON([]byte(rec.Document))
		if err != nil {
			r.logger.Warn("skipping unreadable definition", zap.String("workflow_id", rec.ID), zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DeleteDefinition removes a definition; unknown ids are not an error.
func (r *DefinitionRepository) DeleteDefinition(ctx context.Context, id string) error {
	if err := r.pool.DB().WithContext(ctx).Delete(&DefinitionRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete definition %s: %w", id, err)
	}
	return nil
}
