package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shepherdsync/backend/internal/models"
)

func testUser() *models.User {
	return &models.User{
		ID:             "user-1",
		OrganizationID: "org-1",
		Email:          "pastor@example.com",
		Role:           models.RolePastor,
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse battery", hash)

	require.True(t, CheckPassword(hash, "correct horse battery"))
	require.False(t, CheckPassword(hash, "wrong password"))
}

func TestHashPasswordRejectsShort(t *testing.T) {
	_, err := HashPassword("short")
	require.Error(t, err)
}

func TestIssueAndParsePair(t *testing.T) {
	issuer := NewIssuer("access-secret", "refresh-secret")

	pair, err := issuer.IssuePair(testUser())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := issuer.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "org-1", claims.OrganizationID)
	require.Equal(t, models.RolePastor, claims.Role)

	// Tokens are bound to their secret: an access token is not a valid
	// refresh token and vice versa.
	_, err = issuer.ParseRefresh(pair.AccessToken)
	require.Error(t, err)
	_, err = issuer.ParseAccess(pair.RefreshToken)
	require.Error(t, err)
}

func TestParseExpiredToken(t *testing.T) {
	issuer := NewIssuer("access-secret", "refresh-secret")
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	pair, err := issuer.IssuePair(testUser())
	require.NoError(t, err)

	_, err = issuer.ParseAccess(pair.AccessToken)
	require.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	claims := &Claims{UserID: "user-1", OrganizationID: "org-1", Role: models.RolePastor}

	require.NoError(t, Authorize(claims, "org-1", models.RoleUsher))
	require.NoError(t, Authorize(claims, "org-1", models.RolePastor))
	require.Error(t, Authorize(claims, "org-1", models.RoleAdmin))
	require.Error(t, Authorize(claims, "org-2", models.RoleMember))
	require.Error(t, Authorize(nil, "org-1", models.RoleMember))

	super := &Claims{UserID: "root", OrganizationID: "org-9", Role: models.RoleSuperAdmin}
	require.NoError(t, Authorize(super, "org-1", models.RoleAdmin))
}

func TestCanActOn(t *testing.T) {
	admin := &Claims{UserID: "admin-1", OrganizationID: "org-1", Role: models.RoleAdmin}
	member := &models.User{ID: "user-2", OrganizationID: "org-1", Role: models.RoleMember}
	peerAdmin := &models.User{ID: "admin-2", OrganizationID: "org-1", Role: models.RoleAdmin}
	outsider := &models.User{ID: "user-3", OrganizationID: "org-2", Role: models.RoleMember}

	require.True(t, CanActOn(admin, member))
	require.False(t, CanActOn(admin, peerAdmin))
	require.False(t, CanActOn(admin, outsider))

	self := &Claims{UserID: "user-2", OrganizationID: "org-1", Role: models.RoleMember}
	require.True(t, CanActOn(self, member))
}
