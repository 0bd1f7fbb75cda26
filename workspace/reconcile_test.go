package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timesheet-app/workspace-sync/docstore"
)

func threeUsers() []DirectoryUser {
	return []DirectoryUser{
		activeUser("1", "ann@example.com", "Ann", "Archer"),
		activeUser("2", "bob@example.com", "Bob", "Baker"),
		activeUser("3", "cid@example.com", "Cid", "Cole"),
	}
}

func TestScenarioACreatesActiveUsersWithDefaultRole(t *testing.T) {
	f := newFixture()
	res := f.reconciler().Run(context.Background(), NewRunContext(StrategyServiceAccount),
		&pagedSource{pages: [][]DirectoryUser{threeUsers()}})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, SyncDetails{Added: 3}, res.Details)
	for _, email := range []string{"ann@example.com", "bob@example.com", "cid@example.com"} {
		u := f.mustUser(t, email)
		assert.Equal(t, RoleUser, u.Role)
		assert.True(t, u.Synced)
		assert.Equal(t, "/", u.OrgUnitPath)
		assert.Equal(t, "2024-05-01T10:00:00.000Z", u.LastLoginTime)
	}
}

func TestScenarioBSuspendedUserIsSkippedAndLeftAlone(t *testing.T) {
	f := newFixture()
	r := f.reconciler()
	ctx := context.Background()
	users := threeUsers()
	require.True(t, r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{users}}).Success)

	before, err := f.store.Collection(UsersCollection).Get(ctx, f.mustUser(t, "bob@example.com").ID)
	require.NoError(t, err)

	users[1].Suspended = true
	users[1].GivenName = "Robert"
	res := r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{users}})

	require.True(t, res.Success)
	assert.Equal(t, 0, res.Details.Added)
	assert.Equal(t, 0, res.Details.Updated)
	assert.Equal(t, 1, res.Details.Skipped)
	assert.Equal(t, 0, res.Details.Errors)

	after, err := f.store.Collection(UsersCollection).Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Data, after.Data)
}

func TestScenarioCListingFailureKeepsEarlierPages(t *testing.T) {
	f := newFixture()
	src := &pagedSource{
		pages: [][]DirectoryUser{
			{activeUser("1", "p1a@example.com", "A", "One"), activeUser("2", "p1b@example.com", "B", "One")},
			{activeUser("3", "p2@example.com", "C", "Two")},
			{activeUser("4", "p3@example.com", "D", "Three")},
		},
		failAt: 2,
		err:    &DirectoryAPIError{Op: "list users", Status: http.StatusInternalServerError, Err: errors.New("backend error")},
	}
	res := f.reconciler().Run(context.Background(), NewRunContext(StrategyServiceAccount), src)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "status 500")
	assert.Equal(t, 2, res.Details.Added)
	f.mustUser(t, "p1a@example.com")
	f.mustUser(t, "p1b@example.com")
	for _, email := range []string{"p2@example.com", "p3@example.com"} {
		_, err := f.users.FindByEmail(context.Background(), email)
		assert.ErrorIs(t, err, ErrUserNotFound)
	}

	logs := f.logs(t)
	last := logs[len(logs)-1]
	assert.Equal(t, "SYNC_END", last.Data["action"])
	assert.Equal(t, "FAILURE", last.Data["status"])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	f := newFixture()
	r := f.reconciler()
	ctx := context.Background()
	src := &pagedSource{pages: [][]DirectoryUser{threeUsers()}}

	require.Equal(t, 3, r.Run(ctx, NewRunContext(StrategyServiceAccount), src).Details.Added)
	second := r.Run(ctx, NewRunContext(StrategyServiceAccount), src)
	assert.Equal(t, SyncDetails{Unchanged: 3}, second.Details)

	changed := threeUsers()
	changed[2].OrgUnitPath = "/Sales"
	third := r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{changed}})
	assert.Equal(t, SyncDetails{Updated: 1, Unchanged: 2}, third.Details)
	assert.Equal(t, "/Sales", f.mustUser(t, "cid@example.com").OrgUnitPath)
}

func TestRoleIsNeverChangedBySync(t *testing.T) {
	f := newFixture()
	r := f.reconciler()
	ctx := context.Background()
	require.True(t, r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{threeUsers()}}).Success)

	ann := f.mustUser(t, "ann@example.com")
	require.NoError(t, f.store.Collection(UsersCollection).Update(ctx, ann.ID, map[string]any{"role": "SUPER_ADMIN"}))

	changed := threeUsers()
	changed[0].GivenName = "Annie"
	changed[0].IsAdmin = true
	for i := 0; i < 2; i++ {
		res := r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{changed}})
		require.True(t, res.Success)
	}

	ann = f.mustUser(t, "ann@example.com")
	assert.Equal(t, RoleSuperAdmin, ann.Role)
	assert.Equal(t, "Annie", ann.FirstName)
	assert.True(t, ann.IsAdmin)
}

type flakyUsers struct {
	*DocumentUserStore
	failEmail string
	afterCreate func(email string)
}

func (u *flakyUsers) FindByEmail(ctx context.Context, email string) (*LocalUser, error) {
	if email == u.failEmail {
		return nil, errors.New("conflicting user documents")
	}
	return u.DocumentUserStore.FindByEmail(ctx, email)
}

func (u *flakyUsers) Create(ctx context.Context, user *LocalUser) (string, error) {
	id, err := u.DocumentUserStore.Create(ctx, user)
	if u.afterCreate != nil {
		u.afterCreate(user.Email)
	}
	return id, err
}

func TestPerUserFailureDoesNotAbortRun(t *testing.T) {
	f := newFixture()
	users := &flakyUsers{DocumentUserStore: f.users, failEmail: "bob@example.com"}
	r := NewReconciler(users, f.audit, WithReconcilerLogger(quietLogger))

	res := r.Run(context.Background(), NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{threeUsers()}})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Details.Errors)
	assert.Equal(t, 2, res.Details.Added)
	f.mustUser(t, "cid@example.com")

	var errorEntries []docstore.Document
	for _, d := range f.logs(t) {
		if d.Data["action"] == "ERROR" {
			errorEntries = append(errorEntries, d)
		}
	}
	require.Len(t, errorEntries, 1)
	assert.Equal(t, "bob@example.com", errorEntries[0].Data["email"])
	assert.Equal(t, "FAILURE", errorEntries[0].Data["status"])
	assert.Contains(t, errorEntries[0].Data["error"], "conflicting user documents")
}

func TestSuspendedAndEmptyEmailAreSkipped(t *testing.T) {
	f := newFixture()
	suspended := activeUser("9", "gone@example.com", "Gone", "User")
	suspended.Suspended = true
	noEmail := activeUser("10", "  ", "No", "Email")

	res := f.reconciler().Run(context.Background(), NewRunContext(StrategyServiceAccount),
		&pagedSource{pages: [][]DirectoryUser{{suspended, noEmail, activeUser("1", "ann@example.com", "Ann", "Archer")}}})

	assert.Equal(t, SyncDetails{Added: 1, Skipped: 2}, res.Details)
	_, err := f.users.FindByEmail(context.Background(), "gone@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAuditEntriesFollowListingOrder(t *testing.T) {
	f := newFixture()
	var page []DirectoryUser
	for i := 0; i < 12; i++ {
		page = append(page, activeUser(fmt.Sprint(i), fmt.Sprintf("user%02d@example.com", i), "U", fmt.Sprint(i)))
	}
	res := f.reconciler(WithWorkers(4)).Run(context.Background(), NewRunContext(StrategyServiceAccount),
		&pagedSource{pages: [][]DirectoryUser{page[:7], page[7:]}})
	require.True(t, res.Success)
	assert.Equal(t, 12, res.Details.Added)

	logs := f.logs(t)
	require.Len(t, logs, 14)
	assert.Equal(t, "SYNC_START", logs[0].Data["action"])
	assert.Equal(t, "SYNC_END", logs[13].Data["action"])
	assert.Equal(t, "SUCCESS", logs[13].Data["status"])
	for i := 0; i < 12; i++ {
		assert.Equal(t, "CREATE", logs[i+1].Data["action"])
		assert.Equal(t, fmt.Sprintf("user%02d@example.com", i), logs[i+1].Data["email"])
		assert.Equal(t, "test", logs[i+1].Data["environment"])
		assert.Equal(t, res.RunID, logs[i+1].Data["runId"])
	}
}

func TestCancellationStopsBetweenUsers(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	users := &flakyUsers{DocumentUserStore: f.users, afterCreate: func(email string) {
		if email == "ann@example.com" {
			cancel()
		}
	}}
	r := NewReconciler(users, f.audit, WithReconcilerLogger(quietLogger))

	res := r.Run(ctx, NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{threeUsers()}})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "context canceled")
	assert.Equal(t, 1, res.Details.Added)
	_, err := f.users.FindByEmail(context.Background(), "bob@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	// the audit log is still written with a fresh context
	logs := f.logs(t)
	require.NotEmpty(t, logs)
	assert.Equal(t, "SYNC_END", logs[len(logs)-1].Data["action"])
}

type brokenAudit struct{}

func (brokenAudit) Flush(context.Context, []SyncRunLog) error { return errors.New("log store offline") }

func TestAuditFlushFailureDoesNotFailRun(t *testing.T) {
	f := newFixture()
	r := NewReconciler(f.users, brokenAudit{}, WithReconcilerLogger(quietLogger))
	res := r.Run(context.Background(), NewRunContext(StrategyServiceAccount), &pagedSource{pages: [][]DirectoryUser{threeUsers()}})
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Details.Added)
}

func TestUpdateWritesTimestampFromClock(t *testing.T) {
	f := newFixture()
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	ctx := context.Background()

	require.True(t, f.reconciler(withClock(fixedClock(t0))).Run(ctx, NewRunContext(StrategyServiceAccount),
		&pagedSource{pages: [][]DirectoryUser{threeUsers()}}).Success)
	changed := threeUsers()
	changed[0].FamilyName = "Archer-Smith"
	require.True(t, f.reconciler(withClock(fixedClock(t1))).Run(ctx, NewRunContext(StrategyServiceAccount),
		&pagedSource{pages: [][]DirectoryUser{changed}}).Success)

	ann := f.mustUser(t, "ann@example.com")
	assert.True(t, ann.CreatedAt.Equal(t0))
	assert.True(t, ann.UpdatedAt.Equal(t1))
	assert.True(t, f.mustUser(t, "bob@example.com").UpdatedAt.Equal(t0))
}

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (d *recordingDeleter) DeleteAccount(_ context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[uid] {
		return errors.New("identity provider unavailable")
	}
	d.deleted = append(d.deleted, uid)
	return nil
}

func TestRemoveNonExistentUsers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ids := map[string]string{}
	for _, email := range []string{"keep@example.com", "Gone@Example.com", "stuck@example.com", "outsider@other.com"} {
		id, err := f.users.Create(ctx, &LocalUser{Email: email, Role: RoleUser})
		require.NoError(t, err)
		ids[email] = id
	}
	deleter := &recordingDeleter{fail: map[string]bool{ids["stuck@example.com"]: true}}
	r := f.reconciler(WithAccountDeleter(deleter))
	rc := NewRunContext(StrategyServiceAccount)

	err := r.RemoveNonExistentUsers(ctx, rc, "Example.com", MakeSet([]string{"keep@example.com"}))
	require.NoError(t, err)

	assert.Equal(t, 1, rc.Details().Removed)
	assert.Equal(t, 1, rc.Details().Errors)
	assert.Equal(t, []string{ids["Gone@Example.com"]}, deleter.deleted)

	_, err = f.users.FindByEmail(ctx, "Gone@Example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	f.mustUser(t, "keep@example.com")
	f.mustUser(t, "stuck@example.com")
	f.mustUser(t, "outsider@other.com")

	var actions []string
	for _, e := range rc.Entries() {
		actions = append(actions, string(e.Action)+"/"+string(e.Status))
	}
	assert.ElementsMatch(t, []string{"DELETE/SUCCESS", "DELETE/FAILURE"}, actions)
}

func TestRemoveNonExistentUsersRequiresDeleter(t *testing.T) {
	f := newFixture()
	err := f.reconciler().RemoveNonExistentUsers(context.Background(), NewRunContext(StrategyServiceAccount), "example.com", NewSet[string]())
	assert.Error(t, err)
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleSuperAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleDeveloper.AtLeast(RoleOffice))
	assert.False(t, RoleOffice.AtLeast(RoleAdmin))
	assert.False(t, Role("GUEST").AtLeast(RoleUser))
}
