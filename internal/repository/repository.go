package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"crm-mail-ingest-go/internal/model"
)

// Store is the persistence contract the ingestion worker depends on.
// The gorm-backed Repository is the production implementation; tests
// substitute in-memory fakes.
type Store interface {
	ListUserAddresses() ([]string, error)
	FindUserByEmail(email string) (*model.User, error)
	FindStaffOrAdminByEmail(email string) (*model.User, error)
	FirstStaffOrAdmin() (*model.User, error)
	CreateUser(user *model.User) error
	CreateEmailRecord(record *model.EmailRecord) error
	TouchLastCommunication(userID uint, at time.Time, preview string) error
	RecordActivity(activity *model.Activity) error
	CountEmailRecords() (int64, error)
}

// Repository implements Store on top of gorm
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ListUserAddresses returns the email addresses of all accounts with the
// regular user role. Used to build the directory cache snapshot.
func (r *Repository) ListUserAddresses() ([]string, error) {
	var addresses []string
	result := r.db.Model(&model.User{}).
		Where("role = ?", model.RoleUser).
		Pluck("email", &addresses)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list user addresses: %w", result.Error)
	}
	return addresses, nil
}

func (r *Repository) FindUserByEmail(email string) (*model.User, error) {
	var user model.User
	result := r.db.Where("email = ?", email).First(&user)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error finding user by email: %w", result.Error)
	}
	return &user, nil
}

// FindStaffOrAdminByEmail resolves a staff or admin account by address
func (r *Repository) FindStaffOrAdminByEmail(email string) (*model.User, error) {
	var user model.User
	result := r.db.Where("email = ? AND role IN ?", email, []string{model.RoleStaff, model.RoleAdmin}).
		First(&user)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error finding staff by email: %w", result.Error)
	}
	return &user, nil
}

// FirstStaffOrAdmin returns any existing staff or admin account, admins first
func (r *Repository) FirstStaffOrAdmin() (*model.User, error) {
	var user model.User
	result := r.db.Where("role IN ?", []string{model.RoleStaff, model.RoleAdmin}).
		Order("role = 'admin' DESC, id ASC").
		First(&user)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error finding staff account: %w", result.Error)
	}
	return &user, nil
}

func (r *Repository) CreateUser(user *model.User) error {
	if err := r.db.Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *Repository) CreateEmailRecord(record *model.EmailRecord) error {
	if err := r.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to create email record: %w", err)
	}
	return nil
}

// TouchLastCommunication updates the sender's last-contact timestamp and
// last-message summary
func (r *Repository) TouchLastCommunication(userID uint, at time.Time, preview string) error {
	result := r.db.Model(&model.User{}).Where("id = ?", userID).Updates(map[string]any{
		"last_contact_at":      at,
		"last_message_preview": preview,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update last communication: %w", result.Error)
	}
	return nil
}

func (r *Repository) RecordActivity(activity *model.Activity) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	if err := r.db.Create(activity).Error; err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (r *Repository) CountEmailRecords() (int64, error) {
	var total int64
	if err := r.db.Model(&model.EmailRecord{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count email records: %w", err)
	}
	return total, nil
}
