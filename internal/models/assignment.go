package models

import "time"

// DefaultMaxScore is used when an assignment does not set its own.
const DefaultMaxScore = 100

// Assignment groups the questions a student answers in one submission.
type Assignment struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	DueDate     *time.Time `json:"due_date"`
	MaxScore    float64    `gorm:"not null;default:100" json:"max_score"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Questions   []Question `json:"questions,omitempty"`
}

// IsPastDue returns true when the assignment deadline has already passed.
func (a Assignment) IsPastDue(reference time.Time) bool {
	return a.DueDate != nil && reference.After(*a.DueDate)
}

// EffectiveMaxScore falls back to DefaultMaxScore for unset values.
func (a Assignment) EffectiveMaxScore() float64 {
	if a.MaxScore <= 0 {
		return DefaultMaxScore
	}
	return a.MaxScore
}
