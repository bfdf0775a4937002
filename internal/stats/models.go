package stats

import "time"

type DetectionSession struct {
	ID              uint      `gorm:"primaryKey"`
	StartedAt       time.Time `gorm:"index"`
	EndedAt         time.Time
	DurationSeconds float64
}

type BiomeTally struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID uint   `gorm:"index"`
	Biome     string `gorm:"index;size:64"`
	Count     int64
}
