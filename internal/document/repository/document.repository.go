package repository

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"collabcore/internal/document/model"
	"collabcore/pkg/logger"
)

// ErrLocked reports a document whose exclusive-edit lock is held by another
// user.
var ErrLocked = errors.New("repository: document locked by another user")

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

// Get loads the durable snapshot for a document. A document that has never
// been persisted returns (nil, nil).
func (r *DocumentRepository) Get(documentID string) (*model.DocumentSnapshot, error) {
	var snap model.DocumentSnapshot
	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	err := r.DB.QueryRow(`
		SELECT id, content, version, checksum, last_modified_by, last_modified_at, locked_by, locked_at
		FROM document_snapshots WHERE id = $1`, documentID).
		Scan(&snap.ID, &snap.Content, &snap.Version, &snap.Checksum,
			&snap.LastModifiedBy, &snap.LastModifiedAt, &lockedBy, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load snapshot for doc %s: %v", documentID, err)
		return nil, err
	}
	if lockedBy.Valid {
		snap.LockedBy = &lockedBy.String
	}
	if lockedAt.Valid {
		snap.LockedAt = &lockedAt.Time
	}
	return &snap, nil
}

// Put upserts the snapshot and stamps its checksum.
func (r *DocumentRepository) Put(documentID string, snap model.DocumentSnapshot) error {
	sum := sha256.Sum256([]byte(snap.Content))
	_, err := r.DB.Exec(`
		INSERT INTO document_snapshots (id, content, version, checksum, last_modified_by, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET content = $2, version = $3, checksum = $4, last_modified_by = $5, last_modified_at = NOW()`,
		documentID, snap.Content, snap.Version, hex.EncodeToString(sum[:]), snap.LastModifiedBy)
	if err != nil {
		logger.Sugar.Errorf("Failed to persist snapshot for doc %s: %v", documentID, err)
	}
	return err
}

// RoleOf resolves the stored role for a user on a resource (a project or a
// document). sql.ErrNoRows passes through so the permission gate can apply
// its viewer default.
func (r *DocumentRepository) RoleOf(userID, resourceID string) (string, error) {
	var role string
	err := r.DB.QueryRow(
		"SELECT role FROM resource_roles WHERE user_id = $1 AND resource_id = $2",
		userID, resourceID).Scan(&role)
	if err != nil && err != sql.ErrNoRows {
		logger.Sugar.Errorf("Failed to resolve role for user %s on %s: %v", userID, resourceID, err)
	}
	return role, err
}

// Lock acquires or refreshes the exclusive-edit lock. Acquiring a lock you
// already hold is a no-op refresh.
func (r *DocumentRepository) Lock(documentID, userID string) error {
	result, err := r.DB.Exec(`
		UPDATE document_snapshots SET locked_by = $2, locked_at = NOW()
		WHERE id = $1 AND (locked_by IS NULL OR locked_by = $2)`,
		documentID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to lock doc %s for user %s: %v", documentID, userID, err)
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock if held by userID.
func (r *DocumentRepository) Unlock(documentID, userID string) error {
	_, err := r.DB.Exec(`
		UPDATE document_snapshots SET locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND locked_by = $2`,
		documentID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to unlock doc %s for user %s: %v", documentID, userID, err)
	}
	return err
}
