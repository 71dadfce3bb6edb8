package repository

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/utils"
)

var (
	ErrNotFound           = errors.New("connection not found")
	ErrDuplicateName      = errors.New("connection name already exists")
	ErrInvalidEnvironment = errors.New("environment must be production, staging or development")
)

type ConnectionRepository interface {
	List() ([]*models.Connection, error)
	ListGrouped() (map[models.Environment][]*models.Connection, error)
	Get(id string) (*models.Connection, error)
	Create(conn *models.Connection) (*models.Connection, error)
	Delete(id string) error
}

type connectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

func (r *connectionRepository) List() ([]*models.Connection, error) {
	rows, err := r.db.Query("SELECT id, name, environment, uri, db_name, created_at, updated_at FROM connections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []*models.Connection
	for rows.Next() {
		conn := &models.Connection{}
		var stored string
		if err := rows.Scan(&conn.ID, &conn.Name, &conn.Environment, &stored, &conn.DBName, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, err
		}
		if conn.URI, err = openURI(stored); err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

// ListGrouped returns profiles keyed by environment, the shape the dashboard
// renders.
func (r *connectionRepository) ListGrouped() (map[models.Environment][]*models.Connection, error) {
	connections, err := r.List()
	if err != nil {
		return nil, err
	}
	grouped := make(map[models.Environment][]*models.Connection)
	for _, conn := range connections {
		grouped[conn.Environment] = append(grouped[conn.Environment], conn)
	}
	return grouped, nil
}

func (r *connectionRepository) Get(id string) (*models.Connection, error) {
	conn := &models.Connection{}
	var stored string
	err := r.db.QueryRow("SELECT id, name, environment, uri, db_name, created_at, updated_at FROM connections WHERE id = ?", id).Scan(
		&conn.ID, &conn.Name, &conn.Environment, &stored, &conn.DBName, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if conn.URI, err = openURI(stored); err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *connectionRepository) Create(conn *models.Connection) (*models.Connection, error) {
	if conn.Environment == "" {
		conn.Environment = models.EnvDevelopment
	}
	if !conn.Environment.Valid() {
		return nil, ErrInvalidEnvironment
	}

	stored, err := sealURI(conn.URI)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conn.ID = uuid.NewString()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err = r.db.Exec(
		"INSERT INTO connections (id, name, environment, uri, db_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		conn.ID, conn.Name, string(conn.Environment), stored, conn.DBName, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	return conn, nil
}

func (r *connectionRepository) Delete(id string) error {
	res, err := r.db.Exec("DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicate classifies sqlite's unique-constraint failure. The driver has
// no portable error code surface for this, so match the message.
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const encPrefix = "enc:"

// sealURI prepares a URI for storage. With an encryption key configured the
// URI is sealed and base64-marked; without one it is stored as typed.
func sealURI(uri string) (string, error) {
	if !utils.EncryptionEnabled() {
		return uri, nil
	}
	sealed, err := utils.EncryptURI(uri)
	if err != nil {
		return "", err
	}
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// openURI reverses sealURI. Plaintext rows written before a key was
// configured stay readable.
func openURI(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", err
	}
	return utils.DecryptURI(raw)
}
