package models

import "time"

// Environment tags a connection profile with the class of deployment it
// points at. The dashboard groups profiles by this tag and renders
// production targets with an extra warning in the confirmation dialog.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return true
	}
	return false
}

type Connection struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Environment Environment `json:"environment" db:"environment"`
	URI         string      `json:"uri,omitempty" db:"uri"`
	DBName      string      `json:"db_name" db:"db_name"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}
