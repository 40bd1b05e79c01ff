package services

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdate adds a row lock on dialects that support one. sqlite already
// serializes writers through a single connection.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// forUpdateSkipLocked lets concurrent pollers pass over rows already
// claimed by another transaction.
func forUpdateSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// lockUser serializes registry writes for one user until the transaction
// ends. Row locks would miss a user with no connections yet.
func lockUser(tx *gorm.DB, userID uint) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", userLockSpace, int32(userID)).Error
}

// userLockSpace namespaces the per-user advisory locks.
const userLockSpace int32 = 0x41424731
