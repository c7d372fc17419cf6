package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// fakeStateRepo はOAuthStateRepositoryスタブ。
type fakeStateRepo struct {
	state       *model.OAuthState
	deleteCalls []int64
	deleteErr   error
}

func (r *fakeStateRepo) Get(context.Context) (*model.OAuthState, error) { return r.state, nil }
func (r *fakeStateRepo) Save(_ context.Context, s *model.OAuthState) error {
	r.state = s
	return nil
}
func (r *fakeStateRepo) Delete(context.Context) error {
	r.state = nil
	return nil
}
func (r *fakeStateRepo) DeleteOlderThan(_ context.Context, seconds int64) (int64, error) {
	r.deleteCalls = append(r.deleteCalls, seconds)
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}
	if r.state != nil && time.Since(r.state.CreatedAt) > time.Duration(seconds)*time.Second {
		r.state = nil
		return 1, nil
	}
	return 0, nil
}

// TestCleanupJob_Run はTTL超過stateが削除されることをテストする。
func TestCleanupJob_Run(t *testing.T) {
	repo := &fakeStateRepo{state: &model.OAuthState{
		Value:     "stale",
		Pending:   true,
		CreatedAt: time.Now().Add(-time.Hour),
	}}

	job := NewCleanupJob(repo, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if repo.state != nil {
		t.Error("期限切れstateが削除されていない")
	}
	if len(repo.deleteCalls) != 1 || repo.deleteCalls[0] != 600 {
		t.Errorf("deleteCalls = %v, want [600]", repo.deleteCalls)
	}
}

// TestCleanupJob_Run_KeepsFreshState はTTL内のstateが保持されることをテストする。
func TestCleanupJob_Run_KeepsFreshState(t *testing.T) {
	repo := &fakeStateRepo{state: &model.OAuthState{
		Value:     "fresh",
		Pending:   true,
		CreatedAt: time.Now(),
	}}

	job := NewCleanupJob(repo, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if repo.state == nil {
		t.Error("TTL内のstateが削除された")
	}
}

// TestCleanupJob_Run_PropagatesError はリポジトリエラーが返ることをテストする。
func TestCleanupJob_Run_PropagatesError(t *testing.T) {
	repo := &fakeStateRepo{deleteErr: errors.New("db locked")}

	job := NewCleanupJob(repo, nil)
	if err := job.Run(context.Background()); err == nil {
		t.Error("エラーが返らない")
	}
}

// TestCleanupJob_Start_StopsOnContextCancel はキャンセルでループが終了することをテストする。
func TestCleanupJob_Start_StopsOnContextCancel(t *testing.T) {
	repo := &fakeStateRepo{}
	job := NewCleanupJob(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Startがキャンセル後も終了しない")
	}
}
