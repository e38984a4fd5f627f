// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Row is one persisted checkpoint.
type Row struct {
	TaskID string `gorm:"column:task_id;type:varchar(255);primaryKey"`
	// Instance is empty unless the row belongs to one copy of a replicated
	// task.
	Instance string `gorm:"column:instance_id;type:varchar(255);primaryKey;not null;default:''"`
	// partition is a reserved word in MySQL.
	Partition int32  `gorm:"column:partition_id;primaryKey;autoIncrement:false"`
	Token     string `gorm:"column:token;type:text;not null"`
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Row) TableName() string {
	return "datastream_checkpoints"
}

var _ Store = (*SQLStore)(nil)

// SQLStore keeps checkpoints in a SQL table through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens a MySQL or SQLite database by storage name and
// creates the checkpoint table if needed.
func OpenSQLStore(ctx context.Context, storage, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch storage {
	case config.CheckpointStorageMySQL:
		dialector = mysql.Open(dsn)
	case config.CheckpointStorageSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, cerror.ErrCheckpointStore.GenWithStack("unknown checkpoint storage %s", storage)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Error("create gorm client fail", zap.String("storage", storage), zap.Error(err))
		return nil, cerror.WrapError(cerror.ErrCheckpointStore, err)
	}
	s := &SQLStore{db: db}
	if err := s.Initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Info("sql checkpoint store opened", zap.String("storage", storage))
	return s, nil
}

// Initialize creates the checkpoint table.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Row{}); err != nil {
		return cerror.WrapError(cerror.ErrCheckpointStore, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, scope model.CheckpointScope) (model.Checkpoints, error) {
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND instance_id = ?", scope.TaskID, scope.Instance).
		Find(&rows).Error
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrCheckpointStore, err)
	}
	checkpoints := make(model.Checkpoints, len(rows))
	for _, row := range rows {
		checkpoints[row.Partition] = row.Token
	}
	return checkpoints, nil
}

// Commit implements Store.
func (s *SQLStore) Commit(
	ctx context.Context, scope model.CheckpointScope, checkpoints model.Checkpoints,
) error {
	if len(checkpoints) == 0 {
		return nil
	}
	rows := make([]Row, 0, len(checkpoints))
	for _, partition := range checkpoints.Partitions() {
		rows = append(rows, Row{
			TaskID:    scope.TaskID,
			Instance:  scope.Instance,
			Partition: partition,
			Token:     checkpoints[partition],
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "instance_id"}, {Name: "partition_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&rows).Error
	return cerror.WrapError(cerror.ErrCheckpointStore, err)
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&Row{}).Error
	return cerror.WrapError(cerror.ErrCheckpointStore, err)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	impl, err := s.db.DB()
	if err != nil {
		return cerror.WrapError(cerror.ErrCheckpointStore, err)
	}
	return cerror.WrapError(cerror.ErrCheckpointStore, impl.Close())
}
