package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
)

func TestHashAndVerifyServiceKey(t *testing.T) {
	hash, err := auth.HashServiceKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyServiceKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyServiceKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	userID := uuid.New()
	token, expiresAt, err := mgr.IssueToken(userID, model.RoleTeacher, "teacher@school.test")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, model.RoleTeacher, claims.Role)
	assert.Equal(t, "teacher@school.test", claims.Email)

	id := claims.Identity()
	assert.Equal(t, userID, id.ID)
	assert.Equal(t, model.RoleTeacher, id.Role)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	mgr1, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(uuid.New(), model.RoleAdmin, "a@b.test")
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -1*time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(uuid.New(), model.RoleStudent, "s@b.test")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestClaimsIdentityUnknownRoleDegradesToAnonymous(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(uuid.New(), model.Role("superuser"), "x@b.test")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAnonymous, claims.Identity().Role)
}

func TestContextResolver(t *testing.T) {
	var r auth.ContextResolver

	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	want := auth.Identity{ID: uuid.New(), Role: model.RoleStudent, Email: "s@school.test"}
	ctx := auth.WithIdentity(context.Background(), want)
	got, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRequireRole(t *testing.T) {
	admin := auth.Identity{Role: model.RoleAdmin}
	student := auth.Identity{Role: model.RoleStudent}

	assert.NoError(t, auth.RequireRole(admin, model.RoleTeacher))
	assert.ErrorIs(t, auth.RequireRole(student, model.RoleTeacher), auth.ErrForbidden)
	assert.NoError(t, auth.RequireRole(student, model.RoleStudent))
}
