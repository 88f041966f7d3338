package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miid-sh/miid/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func testChallenge(ttl time.Duration) *models.Challenge {
	return &models.Challenge{
		ID:          NewID(),
		Nonce:       RandomToken(16),
		ServiceID:   "svc-demo",
		ClientID:    "client-demo",
		RedirectURI: "https://demo.example/cb",
		Scopes:      []string{"openid", "profile"},
		Status:      models.ChallengePending,
		ExpiresAt:   Now().Add(ttl),
	}
}

func TestChallengeLazyExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	ch := testChallenge(-time.Second)
	require.NoError(t, s.CreateChallenge(ctx, ch))

	got, err := s.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengePending, got.Status)

	flipped, err := s.ExpireChallengeIfNeeded(ctx, got)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.Equal(t, models.ChallengeExpired, got.Status)

	// second pass observes the terminal status without another transition
	again, err := s.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	flipped, err = s.ExpireChallengeIfNeeded(ctx, again)
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.Equal(t, models.ChallengeExpired, again.Status)
}

func TestChallengeDenyOnlyWhenPending(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	ch := testChallenge(time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, ch))

	ok, err := s.MarkChallengeDenied(ctx, ch.ID, Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkChallengeDenied(ctx, ch.ID, Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingChallengesForDidIncludesBroadcast(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	hinted := testChallenge(time.Minute)
	hinted.DidHint = "did:miid:alice"
	require.NoError(t, s.CreateChallenge(ctx, hinted))

	broadcast := testChallenge(time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, broadcast))

	other := testChallenge(time.Minute)
	other.DidHint = "did:miid:bob"
	require.NoError(t, s.CreateChallenge(ctx, other))

	stale := testChallenge(-time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, stale))

	got, err := s.PendingChallengesForDid(ctx, "did:miid:alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, ch := range got {
		assert.NotEqual(t, other.ID, ch.ID)
		assert.NotEqual(t, stale.ID, ch.ID)
	}
}

func TestIssueAuthCodeIdempotentPerChallenge(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	ch := testChallenge(time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, ch))

	first := &models.AuthCode{
		ID:          NewID(),
		Code:        "ac_" + RandomToken(24),
		ChallengeID: ch.ID,
		ServiceID:   ch.ServiceID,
		ClientID:    ch.ClientID,
		Did:         "did:miid:alice",
		Scopes:      ch.Scopes,
		ExpiresAt:   Now().Add(2 * time.Minute),
	}
	created, err := s.IssueAuthCode(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeVerified, got.Status)
	assert.Equal(t, first.Code, got.AuthorizationCode)
	require.NotNil(t, got.VerifiedAt)

	// a racing second approval must converge on the first code
	second := &models.AuthCode{
		ID:          NewID(),
		Code:        "ac_" + RandomToken(24),
		ChallengeID: ch.ID,
		ServiceID:   ch.ServiceID,
		Did:         "did:miid:alice",
		ExpiresAt:   Now().Add(2 * time.Minute),
	}
	created, err = s.IssueAuthCode(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	latest, err := s.LatestAuthCodeForChallenge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Code, latest.Code)
}

func TestMarkAuthCodeUsedSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	ch := testChallenge(time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, ch))

	ac := &models.AuthCode{
		ID:          NewID(),
		Code:        "ac_" + RandomToken(24),
		ChallengeID: ch.ID,
		Did:         "did:miid:alice",
		ExpiresAt:   Now().Add(2 * time.Minute),
	}
	_, err := s.IssueAuthCode(ctx, ac)
	require.NoError(t, err)

	ok, err := s.MarkAuthCodeUsed(ctx, ac.Code, Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkAuthCodeUsed(ctx, ac.Code, Now())
	require.NoError(t, err)
	assert.False(t, ok)

	approved, err := s.ApprovedAuthCodesForDid(ctx, "did:miid:alice")
	require.NoError(t, err)
	assert.Empty(t, approved)
}

func TestRestoreChallengePending(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	ch := testChallenge(time.Minute)
	require.NoError(t, s.CreateChallenge(ctx, ch))

	ac := &models.AuthCode{
		ID:          NewID(),
		Code:        "ac_" + RandomToken(24),
		ChallengeID: ch.ID,
		Did:         "did:miid:alice",
		ExpiresAt:   Now().Add(2 * time.Minute),
	}
	_, err := s.IssueAuthCode(ctx, ac)
	require.NoError(t, err)

	require.NoError(t, s.RestoreChallengePending(ctx, ch.ID))

	got, err := s.GetChallenge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengePending, got.Status)
	assert.Nil(t, got.VerifiedAt)
	assert.Empty(t, got.AuthorizationCode)
}

func TestFindOrCreateSubjectStablePerServicePair(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	a, err := s.FindOrCreateSubject(ctx, "did:miid:alice", "svc-a")
	require.NoError(t, err)
	assert.Contains(t, a, "sub_")

	again, err := s.FindOrCreateSubject(ctx, "did:miid:alice", "svc-a")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := s.FindOrCreateSubject(ctx, "did:miid:alice", "svc-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestConsentVersioning(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	c1, err := s.GrantConsent(ctx, "svc-a", "sub_x", []string{"openid"}, "login", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c1.Version)

	c2, err := s.GrantConsent(ctx, "svc-a", "sub_x", []string{"openid", "profile"}, "login", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Version)

	latest, err := s.LatestActiveConsent(ctx, "svc-a", "sub_x")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, latest.ID)

	require.NoError(t, s.RevokeConsent(ctx, c2.ID, Now()))

	latest, err = s.LatestActiveConsent(ctx, "svc-a", "sub_x")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, latest.ID)

	require.NoError(t, s.RevokeConsent(ctx, c1.ID, Now()))
	_, err = s.LatestActiveConsent(ctx, "svc-a", "sub_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSession(serviceID, did string) *models.Session {
	return &models.Session{
		ID:           NewID(),
		CreatedAt:    Now(),
		ServiceID:    serviceID,
		SubjectID:    "sub_x",
		Did:          did,
		AccessToken:  "at_" + RandomToken(32),
		RefreshToken: "rt_" + RandomToken(32),
		Scope:        "openid profile",
		ExpiresAt:    Now().Add(time.Hour),
	}
}

func TestSingleActiveSessionPerServiceDid(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	first := testSession("svc-a", "did:miid:alice")
	created, err := s.CreateSession(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	// the partial unique index rejects a second live row
	dup := testSession("svc-a", "did:miid:alice")
	created, err = s.CreateSession(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	// other pairs are unaffected
	created, err = s.CreateSession(ctx, testSession("svc-b", "did:miid:alice"))
	require.NoError(t, err)
	assert.True(t, created)

	// revoking frees the slot
	ok, err := s.RevokeSession(ctx, first.ID, Now())
	require.NoError(t, err)
	assert.True(t, ok)

	created, err = s.CreateSession(ctx, testSession("svc-a", "did:miid:alice"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpdateSessionForExchangeRotatesTokens(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	sess := testSession("svc-a", "did:miid:alice")
	_, err := s.CreateSession(ctx, sess)
	require.NoError(t, err)

	oldToken := sess.AccessToken
	patch := testSession("svc-a", "did:miid:alice")
	patch.Scope = "openid profile email"
	require.NoError(t, s.UpdateSessionForExchange(ctx, sess.ID, patch))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, got.AccessToken)
	assert.Equal(t, patch.AccessToken, got.AccessToken)
	assert.Equal(t, "openid profile email", got.Scope)
	assert.Nil(t, got.RevokedAt)

	_, err = s.GetSessionByAccessToken(ctx, oldToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReusableSessionRequiresScopeSuperset(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	sess := testSession("svc-a", "did:miid:alice")
	_, err := s.CreateSession(ctx, sess)
	require.NoError(t, err)

	got, err := s.ReusableSession(ctx, "svc-a", "did:miid:alice", []string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = s.ReusableSession(ctx, "svc-a", "did:miid:alice", []string{"openid", "email"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeSessionsForConsent(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	a := testSession("svc-a", "did:miid:alice")
	_, err := s.CreateSession(ctx, a)
	require.NoError(t, err)

	b := testSession("svc-a", "did:miid:bob")
	b.SubjectID = "sub_y"
	_, err = s.CreateSession(ctx, b)
	require.NoError(t, err)

	revoked, err := s.RevokeSessionsForConsent(ctx, "svc-a", "sub_x", Now())
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, a.ID, revoked[0].ID)

	got, err := s.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)
}

func TestPutServiceClientUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.TODO()

	sc := &models.ServiceClient{
		ClientID:      "client-demo",
		ServiceID:     "svc-demo",
		ClientSecret:  "secret",
		RedirectURIs:  []string{"https://demo.example/cb"},
		DefaultScopes: []string{"openid"},
	}
	require.NoError(t, s.PutServiceClient(ctx, sc))

	sc2 := &models.ServiceClient{
		ClientID:      "client-demo",
		ServiceID:     "svc-demo",
		ClientSecret:  "secret2",
		RedirectURIs:  []string{"https://demo.example/cb2"},
		DefaultScopes: []string{"openid", "profile"},
	}
	require.NoError(t, s.PutServiceClient(ctx, sc2))

	got, err := s.GetServiceClient(ctx, "client-demo")
	require.NoError(t, err)
	assert.Equal(t, "secret2", got.ClientSecret)
	assert.Equal(t, []string{"https://demo.example/cb2"}, got.RedirectURIs)

	deleted, err := s.DeleteServiceClient(ctx, "client-demo")
	require.NoError(t, err)
	assert.Equal(t, got.ID, deleted.ID)

	_, err = s.GetServiceClient(ctx, "client-demo")
	assert.ErrorIs(t, err, ErrNotFound)
}
