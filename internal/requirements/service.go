package requirements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrRowNotFound indicates that no row carries the requested identifier.
	ErrRowNotFound = errors.New("requirements: row not found")
	// ErrVersionConflict indicates that a conditional write lost against a newer version.
	ErrVersionConflict = errors.New("requirements: row version conflict")
	// ErrInvalidVersion indicates that a write carried a non-positive expected version.
	ErrInvalidVersion = errors.New("requirements: expected version must be positive")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "requirements.service.new"
	opGetRow         = "requirements.get_row"
	opGetVersion     = "requirements.get_version"
	opListRows       = "requirements.list_rows"
	opInsertRow      = "requirements.insert_row"
	opUpdateRow      = "requirements.update_row"
	opDeleteRow      = "requirements.delete_row"
	opListRevisions  = "requirements.list_revisions"
	defaultListLimit = 1000
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the row service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Publisher  ChangePublisher
}

// Service persists requirement rows with version compare-and-swap semantics.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	publisher  ChangePublisher
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		publisher:  cfg.Publisher,
	}, nil
}

// GetRow loads a single row.
func (s *Service) GetRow(ctx context.Context, rowID RowID) (Row, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("row_id = ?", rowID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, newServiceError(opGetRow, "not_found", ErrRowNotFound)
	}
	if err != nil {
		s.logError(opGetRow, "query_failed", err, zap.String("row_id", rowID.String()))
		return Row{}, newServiceError(opGetRow, "query_failed", err)
	}
	return row, nil
}

// GetVersion loads only the version column of a row.
func (s *Service) GetVersion(ctx context.Context, rowID RowID) (int64, error) {
	var row Row
	err := s.db.WithContext(ctx).Select("version").Where("row_id = ?", rowID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opGetVersion, "not_found", ErrRowNotFound)
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err, zap.String("row_id", rowID.String()))
		return 0, newServiceError(opGetVersion, "query_failed", err)
	}
	return row.Version, nil
}

// ListRows returns the rows of a block in position order.
func (s *Service) ListRows(ctx context.Context, blockID BlockID) ([]Row, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("block_id = ?", blockID.String()).
		Order("position ASC").
		Order("row_id ASC").
		Limit(defaultListLimit).
		Find(&rows).Error; err != nil {
		s.logError(opListRows, "query_failed", err, zap.String("block_id", blockID.String()))
		return nil, newServiceError(opListRows, "query_failed", err)
	}
	return rows, nil
}

// InsertRow appends a row to its block at version 1.
func (s *Service) InsertRow(ctx context.Context, request InsertRequest) (Row, error) {
	rowID := strings.TrimSpace(request.RowID)
	if rowID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opInsertRow, "id_generation_failed", err)
			return Row{}, newServiceError(opInsertRow, "id_generation_failed", err)
		}
		rowID = generated
	} else if _, err := NewRowID(rowID); err != nil {
		return Row{}, newServiceError(opInsertRow, "invalid_row_id", err)
	}

	now := s.clock().UTC().Unix()
	row := Row{
		RowID:            rowID,
		BlockID:          request.BlockID.String(),
		Properties:       toJSONMap(request.Properties),
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		UpdatedBy:        request.Actor.String(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPosition sql.NullInt64
		if err := tx.Model(&Row{}).
			Where("block_id = ?", row.BlockID).
			Select("MAX(position)").
			Scan(&maxPosition).Error; err != nil {
			s.logError(opInsertRow, "position_query_failed", err, zap.String("block_id", row.BlockID))
			return newServiceError(opInsertRow, "position_query_failed", err)
		}
		if maxPosition.Valid {
			row.Position = maxPosition.Int64 + 1
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opInsertRow, "row_insert_failed", err, zap.String("row_id", row.RowID))
			return newServiceError(opInsertRow, "row_insert_failed", err)
		}
		return s.recordRevision(tx, opInsertRow, row, OperationInsert, request.Actor)
	})
	if txErr != nil {
		return Row{}, txErr
	}

	s.publish(RowChange{Operation: OperationInsert, Row: row})
	return row, nil
}

// UpdateRow replaces a row's properties when its stored version still equals
// ExpectedVersion. The check and the write are one conditional statement.
func (s *Service) UpdateRow(ctx context.Context, request UpdateRequest) (Row, error) {
	if request.ExpectedVersion <= 0 {
		return Row{}, newServiceError(opUpdateRow, "invalid_version", ErrInvalidVersion)
	}
	rowID := request.RowID.String()

	var previous Row
	var updated Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("row_id = ?", rowID).Take(&previous).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opUpdateRow, "not_found", ErrRowNotFound)
			}
			s.logError(opUpdateRow, "row_select_failed", err, zap.String("row_id", rowID))
			return newServiceError(opUpdateRow, "row_select_failed", err)
		}

		result := tx.Model(&Row{}).
			Where("row_id = ? AND version = ?", rowID, request.ExpectedVersion).
			Updates(map[string]any{
				"properties":   toJSONMap(request.Properties),
				"version":      gorm.Expr("version + 1"),
				"updated_at_s": s.clock().UTC().Unix(),
				"updated_by":   request.Actor.String(),
			})
		if result.Error != nil {
			s.logError(opUpdateRow, "row_update_failed", result.Error, zap.String("row_id", rowID))
			return newServiceError(opUpdateRow, "row_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opUpdateRow, "version_conflict",
				fmt.Errorf("%w: stored version %d, expected %d", ErrVersionConflict, previous.Version, request.ExpectedVersion))
		}

		if err := tx.Where("row_id = ?", rowID).Take(&updated).Error; err != nil {
			s.logError(opUpdateRow, "row_reload_failed", err, zap.String("row_id", rowID))
			return newServiceError(opUpdateRow, "row_reload_failed", err)
		}
		return s.recordRevision(tx, opUpdateRow, updated, OperationUpdate, request.Actor)
	})
	if txErr != nil {
		return Row{}, txErr
	}

	s.publish(RowChange{Operation: OperationUpdate, Row: updated, OldRow: &previous})
	return updated, nil
}

// DeleteRow removes a row and returns its last state.
func (s *Service) DeleteRow(ctx context.Context, rowID RowID, actor ActorID) (Row, error) {
	var deleted Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("row_id = ?", rowID.String()).Take(&deleted).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opDeleteRow, "not_found", ErrRowNotFound)
			}
			s.logError(opDeleteRow, "row_select_failed", err, zap.String("row_id", rowID.String()))
			return newServiceError(opDeleteRow, "row_select_failed", err)
		}
		if err := tx.Where("row_id = ?", rowID.String()).Delete(&Row{}).Error; err != nil {
			s.logError(opDeleteRow, "row_delete_failed", err, zap.String("row_id", rowID.String()))
			return newServiceError(opDeleteRow, "row_delete_failed", err)
		}
		tombstone := deleted
		tombstone.Version++
		return s.recordRevision(tx, opDeleteRow, tombstone, OperationDelete, actor)
	})
	if txErr != nil {
		return Row{}, txErr
	}

	s.publish(RowChange{Operation: OperationDelete, Row: deleted, OldRow: &deleted})
	return deleted, nil
}

// ListRevisions returns the audit trail of a row, oldest first.
func (s *Service) ListRevisions(ctx context.Context, rowID RowID) ([]RowRevision, error) {
	var revisions []RowRevision
	if err := s.db.WithContext(ctx).
		Where("row_id = ?", rowID.String()).
		Order("version ASC").
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, "query_failed", err, zap.String("row_id", rowID.String()))
		return nil, newServiceError(opListRevisions, "query_failed", err)
	}
	return revisions, nil
}

func (s *Service) recordRevision(tx *gorm.DB, operation string, row Row, kind Operation, actor ActorID) error {
	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("row_id", row.RowID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	revision := RowRevision{
		RevisionID:       revisionID,
		RowID:            row.RowID,
		BlockID:          row.BlockID,
		Version:          row.Version,
		Operation:        kind,
		Properties:       row.Properties,
		ChangedBy:        actor.String(),
		ChangedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&revision).Error; err != nil {
		s.logError(operation, "audit_insert_failed", err, zap.String("row_id", row.RowID))
		return newServiceError(operation, "audit_insert_failed", err)
	}
	return nil
}

func (s *Service) publish(change RowChange) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishRowChange(change)
}

func toJSONMap(properties map[string]any) datatypes.JSONMap {
	converted := make(datatypes.JSONMap, len(properties))
	for key, value := range properties {
		converted[key] = value
	}
	return converted
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("requirements service error", attrs...)
}
