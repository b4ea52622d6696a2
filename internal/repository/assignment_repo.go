package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// AssignmentRepository loads assignments with their questions and test cases.
type AssignmentRepository interface {
	Create(ctx context.Context, assignment *models.Assignment) error
	GetByID(ctx context.Context, id uint) (models.Assignment, error)
	GetQuestion(ctx context.Context, id uint) (models.Question, error)
	ListQuestions(ctx context.Context, assignmentID uint) ([]models.Question, error)
}

type assignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository instantiates the repository.
func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &assignmentRepository{db: db}
}

func orderedTestCases(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC").Order("id ASC")
}

func (r *assignmentRepository) Create(ctx context.Context, assignment *models.Assignment) error {
	return r.db.WithContext(ctx).Create(assignment).Error
}

func (r *assignmentRepository) GetByID(ctx context.Context, id uint) (models.Assignment, error) {
	var assignment models.Assignment
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC").Order("id ASC") }).
		Preload("Questions.TestCases", orderedTestCases).
		First(&assignment, id).Error
	if err != nil {
		return models.Assignment{}, err
	}
	return assignment, nil
}

func (r *assignmentRepository) GetQuestion(ctx context.Context, id uint) (models.Question, error) {
	var question models.Question
	err := r.db.WithContext(ctx).
		Preload("TestCases", orderedTestCases).
		First(&question, id).Error
	if err != nil {
		return models.Question{}, err
	}
	return question, nil
}

func (r *assignmentRepository) ListQuestions(ctx context.Context, assignmentID uint) ([]models.Question, error) {
	var questions []models.Question
	err := r.db.WithContext(ctx).
		Preload("TestCases", orderedTestCases).
		Where("assignment_id = ?", assignmentID).
		Order("position ASC").Order("id ASC").
		Find(&questions).Error
	if err != nil {
		return nil, err
	}
	return questions, nil
}
