// Package rbac maps roles to capabilities. Grants live in the
// role_capabilities table and are seeded from a Policy at startup.
package rbac

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hostdeck/hostdeck/internal/database"
)

const (
	CapAll              = "*"
	CapTerminalAccess   = "terminal:access"
	CapContainersManage = "containers:manage"
)

// Policy maps a role name to the capabilities it grants.
type Policy map[string][]string

func DefaultPolicy() Policy {
	return Policy{
		"admin": {CapAll},
		"user":  {CapTerminalAccess},
	}
}

type policyFile struct {
	Roles Policy `yaml:"roles"`
}

// LoadPolicyFile reads a YAML document with a top-level `roles:` mapping.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(pf.Roles) == 0 {
		return nil, fmt.Errorf("policy %s defines no roles", path)
	}
	return pf.Roles, nil
}

type Checker struct {
	db *gorm.DB
}

// NewChecker replaces the stored grants with policy and returns a checker
// reading from db.
func NewChecker(db *gorm.DB, policy Policy) (*Checker, error) {
	c := &Checker{db: db}
	if err := c.Apply(policy); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Checker) Apply(policy Policy) error {
	var rows []database.RoleCapability
	for role, caps := range policy {
		for _, cp := range caps {
			rows = append(rows, database.RoleCapability{Role: role, Capability: cp})
		}
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&database.RoleCapability{}).Error; err != nil {
			return fmt.Errorf("clear grants: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("seed grants: %w", err)
		}
		return nil
	})
}

// HasCapability reports whether the user's role grants capability.
// Unknown users have no capabilities.
func (c *Checker) HasCapability(ctx context.Context, userID uint, capability string) (bool, error) {
	var user database.User
	err := c.db.WithContext(ctx).Select("id", "role").First(&user, userID).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	return c.RoleHas(ctx, user.Role, capability)
}

func (c *Checker) RoleHas(ctx context.Context, role, capability string) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&database.RoleCapability{}).
		Where("role = ? AND capability IN ?", role, []string{capability, CapAll}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check capability: %w", err)
	}
	return count > 0, nil
}

// Capabilities lists the grants of role in sorted order.
func (c *Checker) Capabilities(ctx context.Context, role string) ([]string, error) {
	var caps []string
	if err := c.db.WithContext(ctx).Model(&database.RoleCapability{}).
		Where("role = ?", role).Pluck("capability", &caps).Error; err != nil {
		return nil, err
	}
	sort.Strings(caps)
	return caps, nil
}
