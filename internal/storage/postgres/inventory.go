package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/session"
)

// DumpInventory loads every session-scoped table inside one transaction so
// the isolation audit sees a consistent cut of the store. The SQLite backend
// reuses it against its own connection.
func DumpInventory(ctx context.Context, db *gorm.DB) (*session.Inventory, error) {
	inv := &session.Inventory{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessions []SessionModel
		if err := tx.Order("created_at DESC").Find(&sessions).Error; err != nil {
			return fmt.Errorf("loading sessions: %w", err)
		}
		for i := range sessions {
			inv.Sessions = append(inv.Sessions, *toSessionDomain(&sessions[i]))
		}

		var files []SessionFileModel
		if err := tx.Find(&files).Error; err != nil {
			return fmt.Errorf("loading session files: %w", err)
		}
		for i := range files {
			inv.Files = append(inv.Files, *toFileDomain(&files[i]))
		}

		var records []TerminalRecordModel
		if err := tx.Find(&records).Error; err != nil {
			return fmt.Errorf("loading terminal records: %w", err)
		}
		for i := range records {
			inv.Records = append(inv.Records, *toRecordDomain(&records[i]))
		}

		var snapshots []SnapshotModel
		if err := tx.Find(&snapshots).Error; err != nil {
			return fmt.Errorf("loading snapshots: %w", err)
		}
		for i := range snapshots {
			inv.Snapshots = append(inv.Snapshots, *toSnapshotDomain(&snapshots[i]))
		}

		var shares []ShareModel
		if err := tx.Find(&shares).Error; err != nil {
			return fmt.Errorf("loading shares: %w", err)
		}
		for i := range shares {
			inv.Shares = append(inv.Shares, *toShareDomain(&shares[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}
