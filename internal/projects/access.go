// Package projects models the external identity/org-membership
// collaborator as a narrow interface (spec.md §1 Out of scope):
// assert_project_access(user, project) -> organization_id | Forbidden.
// The core never depends on how membership is authoritatively stored; in
// this repo it is backed in-process by the same Postgres projects table
// for demonstration and tests, but production deployments may swap in a
// real external service behind this same interface.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrForbidden is returned when the user has no access to the project.
var ErrForbidden = errors.New("projects: forbidden")

// Access is the capability the core consumes; internal/api's handlers call
// AssertAccess on every project-scoped request, and internal/wsapi calls it
// on open and on every auth refresh.
type Access interface {
	AssertAccess(ctx context.Context, userID, projectID uuid.UUID) (organizationID uuid.UUID, err error)
}

// PostgresAccess is a reference implementation backed by a projects table
// and an implicit "every org member can read every project in their org"
// rule, standing in for the real external membership service.
type PostgresAccess struct {
	db *sql.DB
}

// NewPostgresAccess builds a PostgresAccess over db.
func NewPostgresAccess(db *sql.DB) *PostgresAccess {
	return &PostgresAccess{db: db}
}

// AssertAccess resolves projectID to its organization and checks that
// userID belongs to that organization. Membership itself is modeled with a
// minimal org_members table (created by internal/dbschema) that only this
// package queries, so the rest of the core never needs to know its shape.
func (a *PostgresAccess) AssertAccess(ctx context.Context, userID, projectID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := a.db.QueryRowContext(ctx,
		`SELECT organization_id FROM projects WHERE id = $1`, projectID,
	).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrForbidden
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("projects: resolve project org: %w", err)
	}

	var member bool
	err = a.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM org_members WHERE organization_id = $1 AND user_id = $2)`,
		orgID, userID,
	).Scan(&member)
	if err != nil {
		return uuid.Nil, fmt.Errorf("projects: check membership: %w", err)
	}
	if !member {
		return uuid.Nil, ErrForbidden
	}
	return orgID, nil
}
