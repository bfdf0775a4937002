package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"biomewatch/internal/detect"
)

// Store persists per-session detection tallies to a local SQLite file.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create stats directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}
	if err := db.AutoMigrate(&DetectionSession{}, &BiomeTally{}); err != nil {
		return nil, fmt.Errorf("migrate stats schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes a finished session and its tallies in one transaction.
// Sessions with no detections are still recorded so uptime is visible.
func (s *Store) Record(summary detect.SessionSummary) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		session := DetectionSession{
			StartedAt:       summary.StartedAt,
			EndedAt:         summary.EndedAt,
			DurationSeconds: summary.Duration.Seconds(),
		}
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		for biome, count := range summary.Tallies {
			tally := BiomeTally{
				SessionID: session.ID,
				Biome:     biome,
				Count:     count,
			}
			if err := tx.Create(&tally).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Totals aggregates biome counts across every recorded session.
func (s *Store) Totals() (map[string]int64, error) {
	var rows []struct {
		Biome string
		Total int64
	}
	err := s.db.Model(&BiomeTally{}).
		Select("biome, sum(count) as total").
		Group("biome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate tallies: %w", err)
	}
	totals := make(map[string]int64, len(rows))
	for _, row := range rows {
		totals[row.Biome] = row.Total
	}
	return totals, nil
}

// SessionCount reports how many sessions have been recorded.
func (s *Store) SessionCount() (int64, error) {
	var count int64
	if err := s.db.Model(&DetectionSession{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
