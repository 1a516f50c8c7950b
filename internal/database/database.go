package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the sqlite database at path, enables WAL and migrates the schema.
func Init(path string) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open returns a migrated gorm handle without touching the package-level DB.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// busy_timeout must reach every pooled connection, so it goes in the DSN.
	// Immediate transactions take the write lock up front instead of failing
	// on upgrade.
	dsn := path + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the control plane owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Setting{},
		&User{},
		&WebAuthnCredential{},
		&RoleCapability{},
		&TerminalSession{},
		&TranscriptEntry{},
		&AuditLog{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

// DeleteUser removes the user together with their passkeys, terminal
// sessions and transcripts. Live processes must be stopped by the caller
// first.
func DeleteUser(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&TerminalSession{}).Where("user_id = ?", id).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Where("session_id IN ?", ids).Delete(&TranscriptEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Where("user_id = ?", id).Delete(&TerminalSession{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("user_id = ?", id).Delete(&WebAuthnCredential{}).Error; err != nil {
			return err
		}
		return tx.Delete(&User{}, id).Error
	})
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func UpdateUserRole(id uint, role string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("role", role).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUserSessionIDs returns the ids of every terminal session owned by userID.
func ListUserSessionIDs(userID uint) ([]string, error) {
	var ids []string
	err := DB.Model(&TerminalSession{}).Where("user_id = ?", userID).Pluck("id", &ids).Error
	return ids, err
}

// WebAuthn credential helpers

func GetWebAuthnCredentials(userID uint) ([]WebAuthnCredential, error) {
	var creds []WebAuthnCredential
	if err := DB.Where("user_id = ?", userID).Order("created_at").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func SaveWebAuthnCredential(cred *WebAuthnCredential) error {
	return DB.Create(cred).Error
}

// DeleteWebAuthnCredential removes one of the user's passkeys and reports
// whether it existed.
func DeleteWebAuthnCredential(id string, userID uint) (bool, error) {
	res := DB.Where("id = ? AND user_id = ?", id, userID).Delete(&WebAuthnCredential{})
	return res.RowsAffected > 0, res.Error
}

func UpdateCredentialSignCount(id string, count uint32) error {
	return DB.Model(&WebAuthnCredential{}).Where("id = ?", id).Update("sign_count", count).Error
}
