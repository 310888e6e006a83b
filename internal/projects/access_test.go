package projects

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertAccessGrantsMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	access := NewPostgresAccess(db)
	userID, projectID, orgID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT organization_id FROM projects WHERE id = $1")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(orgID))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM org_members")).
		WithArgs(orgID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	got, err := access.AssertAccess(context.Background(), userID, projectID)
	require.NoError(t, err)
	assert.Equal(t, orgID, got)
}

func TestAssertAccessRejectsNonMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	access := NewPostgresAccess(db)
	userID, projectID, orgID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT organization_id FROM projects WHERE id = $1")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(orgID))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM org_members")).
		WithArgs(orgID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = access.AssertAccess(context.Background(), userID, projectID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAssertAccessRejectsUnknownProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	access := NewPostgresAccess(db)
	userID, projectID := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT organization_id FROM projects WHERE id = $1")).
		WithArgs(projectID).
		WillReturnError(sql.ErrNoRows)

	_, err = access.AssertAccess(context.Background(), userID, projectID)
	assert.ErrorIs(t, err, ErrForbidden)
}
